// Package memory is an in-process implementation of the repository
// interfaces. All tables share one mutex so multi-row changes are atomic.
package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

// Store holds every table.
type Store struct {
	mu sync.Mutex

	campaigns map[uuid.UUID]*domain.Campaign
	contacts  map[uuid.UUID]*domain.Contact
	attempts  map[uuid.UUID]*domain.CallAttempt
	sequences map[uuid.UUID]*domain.Sequence
	steps     map[uuid.UUID][]domain.SequenceStep
	progress  map[uuid.UUID]*domain.SequenceProgress
	queue     map[uuid.UUID]*domain.QueueItem
	health    []domain.HealthRecord
	events    []domain.ArchivedEvent

	// insertion order, used for oldest-first selection
	seq      int64
	inserted map[uuid.UUID]int64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[uuid.UUID]*domain.Campaign),
		contacts:  make(map[uuid.UUID]*domain.Contact),
		attempts:  make(map[uuid.UUID]*domain.CallAttempt),
		sequences: make(map[uuid.UUID]*domain.Sequence),
		steps:     make(map[uuid.UUID][]domain.SequenceStep),
		progress:  make(map[uuid.UUID]*domain.SequenceProgress),
		queue:     make(map[uuid.UUID]*domain.QueueItem),
		inserted:  make(map[uuid.UUID]int64),
	}
}

func (s *Store) touch(id uuid.UUID) {
	if _, ok := s.inserted[id]; ok {
		return
	}
	s.seq++
	s.inserted[id] = s.seq
}

// Campaigns returns the campaign repository view.
func (s *Store) Campaigns() *CampaignRepository { return &CampaignRepository{s: s} }

// Contacts returns the contact repository view.
func (s *Store) Contacts() *ContactRepository { return &ContactRepository{s: s} }

// Attempts returns the call attempt repository view.
func (s *Store) Attempts() *CallAttemptRepository { return &CallAttemptRepository{s: s} }

// Sequences returns the sequence repository view.
func (s *Store) Sequences() *SequenceRepository { return &SequenceRepository{s: s} }

// Queue returns the processing queue repository view.
func (s *Store) Queue() *QueueRepository { return &QueueRepository{s: s} }

// Health returns the health log view.
func (s *Store) Health() *HealthRepository { return &HealthRepository{s: s} }

// Events returns the webhook archive view.
func (s *Store) Events() *EventArchive { return &EventArchive{s: s} }

// PutCampaign seeds or replaces a campaign.
func (s *Store) PutCampaign(c domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(c.ID)
	s.campaigns[c.ID] = &c
}

// PutContact seeds or replaces a contact.
func (s *Store) PutContact(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(c.ID)
	s.contacts[c.ID] = &c
}

// PutAttempt seeds or replaces a call attempt.
func (s *Store) PutAttempt(a domain.CallAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(a.ID)
	s.attempts[a.ID] = &a
}

// PutSequence seeds a sequence with its steps.
func (s *Store) PutSequence(seq domain.Sequence, steps []domain.SequenceStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[seq.ID] = &seq
	s.steps[seq.ID] = append([]domain.SequenceStep(nil), steps...)
}

// PutProgress seeds or replaces a progress row.
func (s *Store) PutProgress(p domain.SequenceProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(p.ID)
	s.progress[p.ID] = &p
}

// Attempt returns a copy of the attempt for assertions.
func (s *Store) Attempt(id uuid.UUID) (domain.CallAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return domain.CallAttempt{}, false
	}
	return *a, true
}

// AttemptsFor returns copies of all attempts of a contact.
func (s *Store) AttemptsFor(contactID uuid.UUID) []domain.CallAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallAttempt
	for _, a := range s.attempts {
		if a.ContactID == contactID {
			out = append(out, *a)
		}
	}
	return out
}

// QueueItems returns copies of every queue item.
func (s *Store) QueueItems() []domain.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.QueueItem, 0, len(s.queue))
	for _, it := range s.queue {
		out = append(out, *it)
	}
	return out
}

// HealthLog returns a copy of the health log in append order.
func (s *Store) HealthLog() []domain.HealthRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.HealthRecord(nil), s.health...)
}

// ArchivedEvents returns a copy of archived webhook events.
func (s *Store) ArchivedEvents() []domain.ArchivedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ArchivedEvent(nil), s.events...)
}
