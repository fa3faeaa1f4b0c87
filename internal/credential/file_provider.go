package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileProvider serves a token kept in a file by another process, e.g. the
// desktop shell after login. The file is re-read whenever it changes.
type FileProvider struct {
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	mu       sync.RWMutex
	token    string
	onChange []func()

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFileProvider loads path and starts watching its directory. A missing
// file is not an error; Token reports ErrNoCredential until it appears.
func NewFileProvider(path string, logger zerolog.Logger) (*FileProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	p := &FileProvider{
		path:    abs,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}
	p.reload()

	p.wg.Add(1)
	go p.handleEvents()
	return p, nil
}

func (p *FileProvider) Token(context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", ErrNoCredential
	}
	return p.token, nil
}

// OnChange registers fn to run after the stored token changes.
func (p *FileProvider) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

func (p *FileProvider) Close() error {
	close(p.done)
	err := p.watcher.Close()
	p.wg.Wait()
	return err
}

func (p *FileProvider) handleEvents() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				p.reload()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn().Err(err).Str("path", p.path).Msg("token file watcher error")
		}
	}
}

func (p *FileProvider) reload() {
	data, err := os.ReadFile(p.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn().Err(err).Str("path", p.path).Msg("failed to read token file")
		return
	}
	token := strings.TrimSpace(string(data))

	p.mu.Lock()
	changed := token != p.token
	p.token = token
	fns := append([]func(){}, p.onChange...)
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Info().Bool("present", token != "").Msg("token file changed")
	for _, fn := range fns {
		fn()
	}
}
