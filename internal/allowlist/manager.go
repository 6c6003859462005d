package allowlist

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/remote"
)

var ErrNotLoaded = errors.New("allowlist: no active snapshot")

// Manager holds the active snapshot. Readers never block writers and each
// call sees a single consistent snapshot.
type Manager struct {
	active atomic.Pointer[Snapshot]
}

func NewManager() *Manager { return &Manager{} }

// Set swaps in s. A nil snapshot is ignored.
func (m *Manager) Set(s *Snapshot) {
	if s == nil {
		return
	}
	cp := *s
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(&cp)
}

func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil && s.Validator != nil
}

// Validator returns the active validator, or nil before the first load.
// A nil *remote.Validator rejects every URL.
func (m *Manager) Validator() *remote.Validator {
	if s, ok := m.Get(); ok {
		return s.Validator
	}
	return nil
}

// Fetcher returns the fetcher paired with the active validator.
func (m *Manager) Fetcher() *remote.Fetcher {
	if s, ok := m.Get(); ok {
		return s.Fetcher
	}
	return nil
}

// Check validates candidateURL against the active allow-list.
func (m *Manager) Check(candidateURL string) error {
	return m.Validator().Check(candidateURL)
}

func (m *Manager) IsAllowed(candidateURL string) bool {
	return m.Check(candidateURL) == nil
}

// ReadyErr is non-nil until a snapshot has been loaded.
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return ErrNotLoaded
	}
	return nil
}

func (m *Manager) Version() string {
	if s, ok := m.Get(); ok {
		return s.Version
	}
	return ""
}

// Len is the number of entries in the active allow-list.
func (m *Manager) Len() int {
	if s, ok := m.Get(); ok {
		return s.Validator.Len()
	}
	return 0
}
