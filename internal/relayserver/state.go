package relayserver

import (
	"strings"
	"sync"

	"github.com/edgefn/gemini-relay/internal/config"
)

// state holds the current config snapshot. Reloads (SIGHUP, fsnotify) swap
// the snapshot; handlers read it per invocation.
type state struct {
	mu        sync.RWMutex
	cfg       *config.Config
	startedAt int64
}

func (s *state) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *state) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Credential returns the upstream API key from the current snapshot, or ""
// when the server is not configured.
func (s *state) Credential() string {
	cfg := s.Config()
	if cfg == nil {
		return ""
	}
	return strings.TrimSpace(cfg.Upstream.APIKey)
}

func (s *state) StartedAtUnix() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *state) SetStartedAtUnix(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = ts
}
