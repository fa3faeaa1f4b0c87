package credential

import (
	"context"
	"strings"
	"sync"
)

// Static holds a token in memory, e.g. one passed on the command line.
// Set and Clear model login and logout.
type Static struct {
	mu    sync.RWMutex
	token string
}

func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token)}
}

func (s *Static) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredential
	}
	return s.token, nil
}

func (s *Static) Set(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

func (s *Static) Clear() {
	s.Set("")
}
