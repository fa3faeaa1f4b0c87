package config

import (
	"time"

	"github.com/spf13/viper"
	pkgconfig "github.com/Meyliana22/influent-app-sub001/pkg/config"
)

const envPrefix = "CHAT"

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	WebSocket WebSocketConfig
	Reconnect ReconnectConfig
	Typing    TypingConfig
	Timeline  TimelineConfig
	Rooms     RoomsConfig
	Log       LogConfig
}

type ServerConfig struct {
	WSURL  string `mapstructure:"ws_url"`
	APIURL string `mapstructure:"api_url"`
	// HTTPTimeout bounds each REST call.
	HTTPTimeout time.Duration `mapstructure:"-"`
}

// AuthConfig selects where the bearer token comes from: a key in the Redis
// session store when RedisAddress is set, else a watched TokenFile, else the
// literal Token.
type AuthConfig struct {
	Token         string
	TokenFile     string `mapstructure:"token_file"`
	UserID        string `mapstructure:"user_id"`
	RedisAddress  string `mapstructure:"redis_address"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisKey      string `mapstructure:"redis_key"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `mapstructure:"-"`
	PongWait         time.Duration `mapstructure:"-"`
	WriteWait        time.Duration `mapstructure:"-"`
	HandshakeTimeout time.Duration `mapstructure:"-"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

type ReconnectConfig struct {
	Enabled             bool
	InitialInterval     time.Duration `mapstructure:"-"`
	MaxInterval         time.Duration `mapstructure:"-"`
	Multiplier          float64
	RandomizationFactor float64 `mapstructure:"randomization_factor"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
}

type TypingConfig struct {
	Debounce     time.Duration `mapstructure:"-"`
	RemoteExpiry time.Duration `mapstructure:"-"`
}

type TimelineConfig struct {
	// SendTimeout flips an unconfirmed send to failed; zero disables it.
	SendTimeout time.Duration `mapstructure:"-"`
}

type RoomsConfig struct {
	RefreshAfterSend bool `mapstructure:"refresh_after_send"`
	HistoryPageSize  int  `mapstructure:"history_page_size"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads chat.yaml from configPath (or configFile when set) and CHAT_*
// environment variables.
func Load(configPath, configFile string) (*Config, error) {
	v, err := pkgconfig.Load(configPath, "chat",
		pkgconfig.WithEnvPrefix(envPrefix),
		pkgconfig.WithConfigFile(configFile),
	)
	if err != nil {
		return nil, err
	}

	setDefaults(v)

	// Conventional names shared with the web app's deployment.
	v.BindEnv("auth.token", "CHAT_TOKEN", "AUTH_TOKEN")
	v.BindEnv("auth.token_file", "CHAT_TOKEN_FILE")
	v.BindEnv("server.ws_url", "CHAT_WS_URL")
	v.BindEnv("server.api_url", "CHAT_API_URL")
	v.BindEnv("auth.redis_address", "SESSION_REDIS_ADDRESS")
	v.BindEnv("auth.redis_password", "SESSION_REDIS_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Server.HTTPTimeout = parseDuration(v, "server.http_timeout", 10*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 25*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.WebSocket.HandshakeTimeout = parseDuration(v, "websocket.handshake_timeout", 10*time.Second)
	cfg.Reconnect.InitialInterval = parseDuration(v, "reconnect.initial_interval", 500*time.Millisecond)
	cfg.Reconnect.MaxInterval = parseDuration(v, "reconnect.max_interval", 30*time.Second)
	cfg.Typing.Debounce = parseDuration(v, "typing.debounce", 900*time.Millisecond)
	cfg.Typing.RemoteExpiry = parseDuration(v, "typing.remote_expiry", 900*time.Millisecond)
	cfg.Timeline.SendTimeout = parseDuration(v, "timeline.send_timeout", 15*time.Second)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.ws_url", "ws://localhost:8088/ws/chat")
	v.SetDefault("server.api_url", "http://localhost:8080")
	v.SetDefault("server.http_timeout", "10s")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.token_file", "")
	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.redis_address", "")
	v.SetDefault("auth.redis_password", "")
	v.SetDefault("auth.redis_db", 0)
	v.SetDefault("auth.redis_key", "session:access_token")
	v.SetDefault("websocket.ping_interval", "25s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 1<<20)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.initial_interval", "500ms")
	v.SetDefault("reconnect.max_interval", "30s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.randomization_factor", 0.5)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("typing.debounce", "900ms")
	v.SetDefault("typing.remote_expiry", "900ms")
	v.SetDefault("timeline.send_timeout", "15s")
	v.SetDefault("rooms.refresh_after_send", true)
	v.SetDefault("rooms.history_page_size", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
