// Package memstore implements storage.Backend entirely in memory. It
// backs tests and throwaway deployments; nothing survives a restart.
package memstore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/themadorg/tossmail/internal/storage"
)

// Store is a mutex-guarded in-memory message store.
type Store struct {
	mu sync.RWMutex

	messages   map[string]*storage.Message // by id
	mailboxes  map[string]*storage.Mailbox // by local-part
	webhooks   map[string]*storage.Webhook // by id
	rateLimits map[string]*storage.RateLimit
	requests   []storage.RateLimitRequest
	users      map[string]*storage.User // by id
	nextReqID  uint
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		messages:   make(map[string]*storage.Message),
		mailboxes:  make(map[string]*storage.Mailbox),
		webhooks:   make(map[string]*storage.Webhook),
		rateLimits: make(map[string]*storage.RateLimit),
		users:      make(map[string]*storage.User),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) StoreMessage(m *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.Timestamp = cp.Timestamp.UTC()
	s.messages[cp.ID] = &cp
	return nil
}

func (s *Store) ListByAddress(address string) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []*storage.Message
	for _, m := range s.messages {
		if m.ToAddress == address {
			cp := *m
			msgs = append(msgs, &cp)
		}
	}
	sortNewestFirst(msgs)
	return msgs, nil
}

func sortNewestFirst(msgs []*storage.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
}

func (s *Store) GetMessage(id string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) DeleteMessage(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return false, nil
	}
	delete(s.messages, id)
	return true, nil
}

func (s *Store) DeleteOlderThan(hours int) ([]storage.Deleted, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []storage.Deleted
	for id, m := range s.messages {
		if m.Timestamp.Before(cutoff) {
			deleted = append(deleted, storage.Deleted{ID: id, Address: m.ToAddress})
			delete(s.messages, id)
		}
	}
	return deleted, nil
}

func (s *Store) SearchMessages(address, query string, limit int) ([]*storage.Message, error) {
	q := strings.ToLower(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var msgs []*storage.Message
	for _, m := range s.messages {
		if address != "" && m.ToAddress != address {
			continue
		}
		if strings.Contains(strings.ToLower(m.Subject), q) ||
			strings.Contains(strings.ToLower(m.Body), q) ||
			strings.Contains(strings.ToLower(m.FromAddress), q) {
			cp := *m
			msgs = append(msgs, &cp)
		}
	}
	sortNewestFirst(msgs)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *Store) CreateWebhook(w *storage.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.webhooks[cp.ID] = &cp
	return nil
}

func (s *Store) ListWebhooks(address string) ([]*storage.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hooks []*storage.Webhook
	for _, w := range s.webhooks {
		if w.MailboxAddress == address {
			cp := *w
			hooks = append(hooks, &cp)
		}
	}
	sort.Slice(hooks, func(i, j int) bool {
		return hooks[i].CreatedAt.Before(hooks[j].CreatedAt)
	})
	return hooks, nil
}

func (s *Store) GetWebhook(id string) (*storage.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *Store) UpdateWebhook(w *storage.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.webhooks[w.ID]
	if !ok {
		return nil
	}
	existing.URL = w.URL
	existing.Events = w.Events
	existing.Enabled = w.Enabled
	return nil
}

func (s *Store) DeleteWebhook(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return false, nil
	}
	delete(s.webhooks, id)
	return true, nil
}

func (s *Store) ActiveWebhooks(address, event string) ([]*storage.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hooks []*storage.Webhook
	for _, w := range s.webhooks {
		if w.MailboxAddress == address && w.Enabled && w.Events.Contains(event) {
			cp := *w
			hooks = append(hooks, &cp)
		}
	}
	return hooks, nil
}

func (s *Store) GetMailbox(address string) (*storage.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mailboxes[address]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) SetMailboxPassword(address, password string) error {
	hash, err := storage.HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mailboxes[address]
	if !ok {
		m = &storage.Mailbox{Address: address, CreatedAt: time.Now().UTC()}
		s.mailboxes[address] = m
	}
	m.PasswordHash = &hash
	return nil
}

func (s *Store) ClearMailboxPassword(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mailboxes[address]; ok {
		m.PasswordHash = nil
	}
	return nil
}

func (s *Store) VerifyMailboxPassword(address, password string) (bool, error) {
	m, err := s.GetMailbox(address)
	if err != nil {
		return false, err
	}
	if !m.IsLocked() {
		return false, nil
	}
	return storage.CheckPassword(*m.PasswordHash, password), nil
}

func (s *Store) IsMailboxLocked(address string) (bool, error) {
	m, err := s.GetMailbox(address)
	if err != nil {
		return false, err
	}
	return m.IsLocked(), nil
}

func (s *Store) CreateUser(u *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[cp.ID] = &cp
	return nil
}

func (s *Store) GetUser(id string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) GetRateLimit(address string) (*storage.RateLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rl, ok := s.rateLimits[address]
	if !ok {
		return nil, nil
	}
	cp := *rl
	return &cp, nil
}

func (s *Store) SetRateLimit(rl *storage.RateLimit) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rateLimits[rl.MailboxAddress]
	if !ok {
		cp := *rl
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.rateLimits[cp.MailboxAddress] = &cp
		return nil
	}
	existing.RequestsPerHour = rl.RequestsPerHour
	existing.RequestsPerDay = rl.RequestsPerDay
	existing.UpdatedAt = now
	return nil
}

func (s *Store) DeleteRateLimit(address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rateLimits[address]; !ok {
		return false, nil
	}
	delete(s.rateLimits, address)
	return true, nil
}

func (s *Store) AppendRequest(address string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextReqID++
	s.requests = append(s.requests, storage.RateLimitRequest{
		ID:             s.nextReqID,
		MailboxAddress: address,
		Timestamp:      at.UTC(),
	})
	return nil
}

func (s *Store) CountRequestsSince(address string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.requests {
		if r.MailboxAddress == address && !r.Timestamp.Before(since.UTC()) {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestRequestSince(address string, since time.Time) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest *time.Time
	for _, r := range s.requests {
		if r.MailboxAddress != address || r.Timestamp.Before(since.UTC()) {
			continue
		}
		t := r.Timestamp
		if oldest == nil || t.Before(*oldest) {
			oldest = &t
		}
	}
	return oldest, nil
}

func (s *Store) PurgeRequestsBefore(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.requests[:0]
	var purged int64
	for _, r := range s.requests {
		if r.Timestamp.Before(before.UTC()) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.requests = kept
	return purged, nil
}

var _ storage.Backend = (*Store)(nil)
