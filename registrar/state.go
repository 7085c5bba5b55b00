package registrar

import (
	"sync"
	"time"
)

// RegistrarState holds shared state between the Mirror and Server components.
type RegistrarState struct {
	mu                     sync.RWMutex
	lastCommittedEntryTime time.Time
}

func NewRegistrarState() *RegistrarState {
	return &RegistrarState{}
}

func (s *RegistrarState) SetLastCommittedEntryTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCommittedEntryTime = t
}

func (s *RegistrarState) GetLastCommittedEntryTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCommittedEntryTime
}
