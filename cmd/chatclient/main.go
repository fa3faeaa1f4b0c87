package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Meyliana22/influent-app-sub001/internal/config"
	"github.com/Meyliana22/influent-app-sub001/internal/credential"
	"github.com/Meyliana22/influent-app-sub001/internal/domain"
	"github.com/Meyliana22/influent-app-sub001/internal/session"
	pkgconfig "github.com/Meyliana22/influent-app-sub001/pkg/config"
	pkglog "github.com/Meyliana22/influent-app-sub001/pkg/log"
)

func main() {
	configPath := pflag.String("config-path", pkgconfig.GetEnv("CHAT_CONFIG_PATH", "."), "directory searched for chat.yaml")
	configFile := pflag.StringP("config", "c", "", "explicit config file")
	token := pflag.String("token", "", "bearer token, overrides auth.token")
	room := pflag.StringP("room", "r", "", "room to join on start")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath, *configFile)
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	if *token != "" {
		cfg.Auth.Token = *token
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "chatclient",
	})
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, closeCreds, err := newCredentials(ctx, cfg.Auth)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up credentials")
	}
	defer closeCreds()

	sess, err := session.Open(ctx, cfg, creds)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session")
	}
	defer sess.Close()

	out := &printer{w: os.Stdout, sess: sess}
	sess.OnChange(out.changed)
	sess.OnError(func(evt domain.ErrorEvent) {
		out.printf("! %s\n", evt.Message)
	})

	if err := sess.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("starting disconnected")
	}
	if fp, ok := creds.(*credential.FileProvider); ok {
		// A login written after start brings the channel up.
		fp.OnChange(func() {
			if err := sess.Reconnect(ctx); err != nil {
				logger.Warn().Err(err).Msg("reconnect after credential change failed")
			}
		})
	}
	logger.Info().Str(pkglog.FieldUserID, sess.Self().String()).Msg("chat client started")

	if *room != "" {
		if err := sess.SelectRoom(domain.ID(*room)); err != nil {
			logger.Error().Err(err).Msg("failed to join room")
		}
	}

	go func() {
		readCommands(ctx, os.Stdin, sess, out)
		stop()
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down chat client")
}

func newCredentials(ctx context.Context, auth config.AuthConfig) (credential.Provider, func(), error) {
	if auth.RedisAddress == "" {
		if auth.TokenFile != "" {
			p, err := credential.NewFileProvider(auth.TokenFile, pkglog.Component("credential"))
			if err != nil {
				return nil, nil, err
			}
			return p, func() { p.Close() }, nil
		}
		return credential.NewStatic(auth.Token), func() {}, nil
	}
	p, err := credential.NewRedisProvider(ctx, credential.RedisConfig{
		Address:  auth.RedisAddress,
		Password: auth.RedisPassword,
		DB:       auth.RedisDB,
		Key:      auth.RedisKey,
	})
	if err != nil {
		return nil, nil, err
	}
	return p, func() { p.Close() }, nil
}

// readCommands treats each line as a message unless it starts with '/'.
func readCommands(ctx context.Context, r io.Reader, sess *session.Session, out *printer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := sess.SendMessage(line); err != nil {
				out.printf("! send failed: %v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "join":
			if err := sess.SelectRoom(domain.ID(strings.TrimSpace(arg))); err != nil {
				out.printf("! %v\n", err)
			}
		case "leave":
			sess.LeaveRoom()
		case "rooms":
			if err := sess.RefreshRooms(ctx); err != nil {
				out.printf("! %v\n", err)
			}
			out.rooms()
		case "typing":
			if err := sess.NotifyTyping(); err != nil {
				out.printf("! %v\n", err)
			}
		case "quit", "exit":
			return
		default:
			out.printf("! unknown command /%s\n", cmd)
		}
	}
}

type printer struct {
	mu       sync.Mutex
	w        io.Writer
	sess     *session.Session
	lastSeen int
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) changed(c session.Change) {
	switch c {
	case session.ChangeTimeline:
		p.timeline()
	case session.ChangeTyping:
		if typers := p.sess.Typers(); len(typers) > 0 {
			names := make([]string, len(typers))
			for i, t := range typers {
				names[i] = t.String()
			}
			p.printf("  %s typing...\n", strings.Join(names, ", "))
		}
	}
}

// timeline prints confirmed messages not yet shown. A shrinking timeline
// means the room changed.
func (p *printer) timeline() {
	msgs := p.sess.Messages()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(msgs) < p.lastSeen {
		p.lastSeen = 0
	}
	for p.lastSeen < len(msgs) {
		m := msgs[p.lastSeen]
		if m.Pending {
			return
		}
		status := ""
		if m.Failed {
			status = " (failed)"
		}
		fmt.Fprintf(p.w, "[%s] %s: %s%s\n", m.Timestamp.Format("15:04"), m.UserID, m.Text, status)
		p.lastSeen++
	}
}

func (p *printer) rooms() {
	rooms := p.sess.Rooms()

	p.mu.Lock()
	defer p.mu.Unlock()
	active := p.sess.ActiveRoom()
	for _, r := range rooms {
		marker := " "
		if r.ID == active {
			marker = "*"
		}
		last := ""
		if r.LastMessageText != nil {
			last = *r.LastMessageText
		}
		fmt.Fprintf(p.w, "%s %-20s %3d  %s\n", marker, r.Name, r.UnreadCount, last)
	}
}
