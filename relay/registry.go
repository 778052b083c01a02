// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package relay

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks live Sessions by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// Add registers s.
func (reg *Registry) Add(s *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.sessions == nil {
		reg.sessions = make(map[uuid.UUID]*Session)
	}
	reg.sessions[s.ID] = s
}

// Remove unregisters s. It is a no-op if s is not registered.
func (reg *Registry) Remove(s *Session) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.sessions[s.ID] == s {
		delete(reg.sessions, s.ID)
	}
}

// Get returns the Session registered for id, or nil if there is none.
func (reg *Registry) Get(id uuid.UUID) *Session {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.sessions[id]
}

// Len returns the number of registered Sessions.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.sessions)
}

// All returns the registered Sessions, ordered by the time they were
// accepted.
func (reg *Registry) All() []*Session {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if len(reg.sessions) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(reg.sessions))
	for _, s := range reg.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].Accepted.Equal(sessions[j].Accepted) {
			return sessions[i].Accepted.Before(sessions[j].Accepted)
		}
		return sessions[i].ID.String() < sessions[j].ID.String()
	})
	return sessions
}

// CancelAll cancels every registered Session.
func (reg *Registry) CancelAll() {
	for _, s := range reg.All() {
		s.Cancel()
	}
}
