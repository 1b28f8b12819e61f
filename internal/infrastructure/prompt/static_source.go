package prompt

import (
	"sync"

	"genloop/internal/core/domain"
)

// StaticSource yields a fixed candidate until Set replaces it.
type StaticSource struct {
	mu        sync.RWMutex
	candidate domain.PromptCandidate
}

func NewStaticSource(candidate domain.PromptCandidate) *StaticSource {
	return &StaticSource{candidate: candidate}
}

func (s *StaticSource) Poll() (domain.PromptCandidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.candidate.IsEmpty() {
		return domain.PromptCandidate{}, false
	}
	return s.candidate, true
}

func (s *StaticSource) Set(candidate domain.PromptCandidate) {
	s.mu.Lock()
	s.candidate = candidate
	s.mu.Unlock()
}
