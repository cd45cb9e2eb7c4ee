package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postal/internal/envelope"
)

// MemoryStore keeps everything in process. It gives a single node the same
// semantics as the SQL stores and backs the tests.
type MemoryStore struct {
	mu          sync.Mutex
	incoming    map[uuid.UUID]*envelope.Envelope
	order       []uuid.UUID
	handledAt   map[uuid.UUID]time.Time
	deadLetters map[string]*envelope.ErrorReport
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incoming:    make(map[uuid.UUID]*envelope.Envelope),
		handledAt:   make(map[uuid.UUID]time.Time),
		deadLetters: make(map[string]*envelope.ErrorReport),
		now:         time.Now,
	}
}

func (s *MemoryStore) StoreIncoming(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.incoming[env.ID]; exists {
		return ErrDuplicate
	}
	s.put(env)
	return nil
}

func (s *MemoryStore) StoreIncomingBatch(_ context.Context, envs []*envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(envs))
	for _, env := range envs {
		if _, exists := s.incoming[env.ID]; exists || seen[env.ID] {
			return ErrDuplicate
		}
		seen[env.ID] = true
	}
	for _, env := range envs {
		s.put(env)
	}
	return nil
}

func (s *MemoryStore) put(env *envelope.Envelope) {
	s.incoming[env.ID] = env.Clone()
	s.order = append(s.order, env.ID)
}

func (s *MemoryStore) MarkHandled(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env, ok := s.incoming[id]; ok && env.Status != envelope.StatusHandled {
		env.Status = envelope.StatusHandled
		s.handledAt[id] = s.now()
	}
	return nil
}

func (s *MemoryStore) DeleteHandled(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, at := range s.handledAt {
		if !at.Before(olderThan) {
			continue
		}
		delete(s.handledAt, id)
		if env, ok := s.incoming[id]; ok && env.Status == envelope.StatusHandled {
			delete(s.incoming, id)
			deleted++
		}
	}
	if deleted > 0 {
		s.compact()
	}
	return deleted, nil
}

func (s *MemoryStore) IncrementAttempts(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.incoming[env.ID]
	if !ok {
		return fmt.Errorf("increment attempts of %s: %w", env.ID, ErrNotFound)
	}
	if env.Attempts > stored.Attempts {
		stored.Attempts = env.Attempts
	}
	return nil
}

func (s *MemoryStore) ScheduleExecution(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.incoming[env.ID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", env.ID, ErrNotFound)
	}
	stored.Status = envelope.StatusScheduled
	stored.OwnerID = envelope.AnyNode
	if env.ScheduledTime != nil {
		t := *env.ScheduledTime
		stored.ScheduledTime = &t
	}
	if env.Attempts > stored.Attempts {
		stored.Attempts = env.Attempts
	}
	return nil
}

func (s *MemoryStore) MoveToDeadLetter(_ context.Context, report *envelope.ErrorReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := uuid.Parse(report.EnvelopeID)
	if err == nil {
		if _, ok := s.incoming[id]; ok {
			delete(s.incoming, id)
			delete(s.handledAt, id)
			s.compact()
		}
	}
	cp := *report
	s.deadLetters[report.ID] = &cp
	return nil
}

func (s *MemoryStore) ReleaseOwnership(_ context.Context, nodeID int, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range s.incoming {
		if env.Status == envelope.StatusIncoming && env.OwnerID == nodeID && env.Destination == address {
			env.OwnerID = envelope.AnyNode
		}
	}
	return nil
}

func (s *MemoryStore) ClaimScheduled(_ context.Context, id uuid.UUID, nodeID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.incoming[id]
	if !ok || env.Status != envelope.StatusScheduled {
		return false, nil
	}
	env.MarkDue(nodeID)
	return true, nil
}

func (s *MemoryStore) ClaimDueScheduled(_ context.Context, nodeID int, address string, now time.Time, limit int) ([]*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*envelope.Envelope
	for _, id := range s.order {
		env, ok := s.incoming[id]
		if !ok || env.Status != envelope.StatusScheduled || env.Destination != address {
			continue
		}
		if env.ScheduledTime != nil && env.ScheduledTime.After(now) {
			continue
		}
		due = append(due, env)
	}

	sort.SliceStable(due, func(i, j int) bool {
		return scheduledBefore(due[i], due[j])
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*envelope.Envelope, 0, len(due))
	for _, env := range due {
		env.MarkDue(nodeID)
		claimed = append(claimed, env.Clone())
	}
	return claimed, nil
}

func (s *MemoryStore) ClaimIncoming(_ context.Context, nodeID int, address string, limit int) ([]*envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*envelope.Envelope
	for _, id := range s.order {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		env, ok := s.incoming[id]
		if !ok || env.Status != envelope.StatusIncoming || env.OwnerID != envelope.AnyNode || env.Destination != address {
			continue
		}
		env.OwnerID = nodeID
		claimed = append(claimed, env.Clone())
	}
	return claimed, nil
}

func (s *MemoryStore) DeadLetters(_ context.Context, limit int) ([]*envelope.ErrorReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*envelope.ErrorReport, 0, len(s.deadLetters))
	for _, r := range s.deadLetters {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ReplayDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok := s.deadLetters[id]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	env, err := report.RestoreEnvelope()
	if err != nil {
		return err
	}
	resetForReplay(env)

	delete(s.deadLetters, id)
	delete(s.handledAt, env.ID)
	if _, exists := s.incoming[env.ID]; !exists {
		s.order = append(s.order, env.ID)
	}
	s.incoming[env.ID] = env
	return nil
}

// Get returns a copy of a stored envelope.
func (s *MemoryStore) Get(id uuid.UUID) (*envelope.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.incoming[id]
	if !ok {
		return nil, false
	}
	return env.Clone(), true
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) compact() {
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.incoming[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

func resetForReplay(env *envelope.Envelope) {
	env.Status = envelope.StatusIncoming
	env.OwnerID = envelope.AnyNode
	env.ScheduledTime = nil
}

func scheduledBefore(a, b *envelope.Envelope) bool {
	switch {
	case a.ScheduledTime == nil:
		return b.ScheduledTime != nil
	case b.ScheduledTime == nil:
		return false
	}
	return a.ScheduledTime.Before(*b.ScheduledTime)
}
