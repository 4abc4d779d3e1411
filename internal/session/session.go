package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"credline/internal/domain"
)

// Initializer is the bootstrap handle a session exposes to the guard and
// the HTTP layer.
type Initializer interface {
	Initialize(ctx context.Context)
	Wait(ctx context.Context) (domain.Principal, error)
	Initialized() bool
	Reset()
}

// Session is the per-principal workflow state: the role registry, the
// bootstrap handle, reference data, and the cartables loaded by views
// during this session.
type Session struct {
	Subject  string
	Registry *Registry
	Refs     *RefStore
	Init     Initializer

	navSeq uint64

	mu        sync.Mutex
	cartables map[string]*domain.Cartable
	locks     map[string]*sync.Mutex
}

func New(subject string) *Session {
	return &Session{
		Subject:   subject,
		Registry:  NewRegistry(),
		Refs:      NewRefStore(),
		cartables: map[string]*domain.Cartable{},
		locks:     map[string]*sync.Mutex{},
	}
}

// BeginNavigation claims a navigation sequence number. Only the latest
// claimed navigation may apply a redirect; superseded evaluations are
// discarded by the guard.
func (s *Session) BeginNavigation() uint64 {
	return atomic.AddUint64(&s.navSeq, 1)
}

// CurrentNavigation returns the most recently claimed sequence number.
func (s *Session) CurrentNavigation() uint64 {
	return atomic.LoadUint64(&s.navSeq)
}

// PutCartable stores a loaded cartable under its tracking code.
func (s *Session) PutCartable(item *domain.Cartable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cartables[item.TrackingCode] = item
}

func (s *Session) Cartable(trackingCode string) (*domain.Cartable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cartables[trackingCode]
	return item, ok
}

// LockCartable serializes access to one tracking code's working copy.
// Callers hold the lock across the whole load-check-submit sequence, so
// two concurrent submissions cannot both observe IN_PROGRESS. The
// returned func releases the lock.
func (s *Session) LockCartable(trackingCode string) func() {
	s.mu.Lock()
	l, ok := s.locks[trackingCode]
	if !ok {
		l = &sync.Mutex{}
		s.locks[trackingCode] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Reset tears the session down for logout: roles, bootstrap state,
// reference data and the cartable working set are all dropped.
func (s *Session) Reset() {
	s.Registry.Reset()
	s.Refs.Reset()
	if s.Init != nil {
		s.Init.Reset()
	}
	s.mu.Lock()
	s.cartables = map[string]*domain.Cartable{}
	s.locks = map[string]*sync.Mutex{}
	s.mu.Unlock()
}

// RefStore holds the non-critical bootstrap reference lists.
type RefStore struct {
	mu    sync.RWMutex
	lists map[string][]domain.ReferenceItem
}

func NewRefStore() *RefStore {
	return &RefStore{lists: map[string][]domain.ReferenceItem{}}
}

func (s *RefStore) Set(kind string, items []domain.ReferenceItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[kind] = items
}

func (s *RefStore) Get(kind string) []domain.ReferenceItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists[kind]
}

func (s *RefStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = map[string][]domain.ReferenceItem{}
}

// Manager hands out sessions keyed by principal subject, evicting idle
// ones after the configured TTL.
type Manager struct {
	mu      sync.Mutex
	cache   *expirable.LRU[string, *Session]
	factory func(subject, token string) *Session
}

func NewManager(maxEntries, ttlMinutes int, factory func(subject, token string) *Session) *Manager {
	return &Manager{
		factory: factory,
		cache:   expirable.NewLRU[string, *Session](maxEntries, nil, time.Duration(ttlMinutes)*time.Minute),
	}
}

// Get returns the session for a subject, creating it on first sight.
// The token is the caller's upstream credential, forwarded to the
// gateway by the session factory.
func (m *Manager) Get(subject, token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.cache.Get(subject); ok {
		return sess
	}
	sess := m.factory(subject, token)
	m.cache.Add(subject, sess)
	return sess
}

// Drop removes and resets a subject's session (logout).
func (m *Manager) Drop(subject string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.cache.Get(subject); ok {
		sess.Reset()
	}
	m.cache.Remove(subject)
}
