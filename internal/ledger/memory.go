// internal/ledger/memory.go
package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type registrationKey struct {
	deviceID   string
	passTypeID string
	serial     string
}

// MemoryStore is an in-process Store used for development and tests. Mutations on
// the same serial are serialized by a per-serial mutex; different serials do not
// contend beyond the short map lock.
type MemoryStore struct {
	mu            sync.RWMutex
	members       map[string]*Member
	history       map[string][]HistoryEntry
	registrations map[registrationKey]Registration
	memberLocks   map[string]*sync.Mutex
	nextID        int64
	now           func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		members:       make(map[string]*Member),
		history:       make(map[string][]HistoryEntry),
		registrations: make(map[registrationKey]Registration),
		memberLocks:   make(map[string]*sync.Mutex),
		now:           now,
	}
}

// lockFor returns the per-serial lock, creating it only for existing members so
// lookups of unknown serials leave nothing behind.
func (s *MemoryStore) lockFor(serial string) (*sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[serial]; !ok {
		return nil, ErrMemberNotFound
	}
	l, ok := s.memberLocks[serial]
	if !ok {
		l = &sync.Mutex{}
		s.memberLocks[serial] = l
	}
	return l, nil
}

func (s *MemoryStore) lockCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.memberLocks)
}

func (s *MemoryStore) CreateMember(ctx context.Context, m *Member) error {
	if err := m.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.members[m.Serial]; exists {
		return ErrDuplicateSerial
	}
	for _, existing := range s.members {
		if strings.EqualFold(existing.Email, m.Email) {
			return ErrDuplicateEmail
		}
	}

	s.nextID++
	now := s.now().UTC().Truncate(time.Microsecond)
	m.ID = s.nextID
	m.CreatedAt = now
	m.UpdatedAt = now
	stored := *m
	s.members[m.Serial] = &stored
	return nil
}

func (s *MemoryStore) GetMember(ctx context.Context, serial string) (*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[serial]
	if !ok {
		return nil, ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMembers(ctx context.Context) ([]*Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Member, 0, len(s.members))
	for _, m := range s.members {
		cp := *m
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) SearchMembers(ctx context.Context, query string, limit int) ([]*Member, error) {
	all, err := s.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []*Member
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Name), q) ||
			strings.Contains(strings.ToLower(m.Email), q) ||
			strings.Contains(strings.ToLower(m.Serial), q) {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteMember(ctx context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[serial]; !ok {
		return ErrMemberNotFound
	}
	delete(s.members, serial)
	delete(s.history, serial)
	delete(s.memberLocks, serial)
	for key := range s.registrations {
		if key.serial == serial {
			delete(s.registrations, key)
		}
	}
	return nil
}

func (s *MemoryStore) Mutate(ctx context.Context, serial string, fn MutateFunc) (*Member, error) {
	lock, err := s.lockFor(serial)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := s.GetMember(ctx, serial)
	if err != nil {
		return nil, err
	}

	entries, err := fn(current)
	if err != nil {
		return nil, err
	}
	if err := current.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.members[serial]
	if !ok {
		return nil, ErrMemberNotFound
	}
	now := s.now()
	current.UpdatedAt = nextUpdatedAt(stored.UpdatedAt, now)
	current.Version = stored.Version + 1
	// identity fields are not mutable through Mutate
	current.ID, current.Serial, current.CreatedAt = stored.ID, stored.Serial, stored.CreatedAt
	*stored = *current

	for _, e := range entries {
		s.history[serial] = append(s.history[serial], fillEntry(e, serial, current.UpdatedAt))
	}

	cp := *stored
	return &cp, nil
}

func (s *MemoryStore) Touch(ctx context.Context, serial string) (time.Time, error) {
	lock, err := s.lockFor(serial)
	if err != nil {
		return time.Time{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[serial]
	if !ok {
		return time.Time{}, ErrMemberNotFound
	}
	m.UpdatedAt = nextUpdatedAt(m.UpdatedAt, s.now())
	return m.UpdatedAt, nil
}

func (s *MemoryStore) History(ctx context.Context, serial string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.members[serial]; !ok {
		return nil, ErrMemberNotFound
	}
	entries := s.history[serial]
	out := make([]HistoryEntry, len(entries))
	// newest first
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	y, mo, d := s.now().UTC().Date()
	for _, m := range s.members {
		st.TotalMembers++
		st.TotalStamps += m.Stamps
		st.TotalRewards += m.TotalRewards
		if cy, cm, cd := m.CreatedAt.UTC().Date(); cy == y && cm == mo && cd == d {
			st.TodayMembers++
		}
	}
	return st, nil
}

func (s *MemoryStore) UpsertRegistration(ctx context.Context, reg Registration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[reg.Serial]; !ok {
		return false, ErrMemberNotFound
	}
	key := registrationKey{deviceID: reg.DeviceID, passTypeID: reg.PassTypeID, serial: reg.Serial}
	now := s.now().UTC()
	existing, found := s.registrations[key]
	if found {
		existing.PushToken = reg.PushToken
		existing.UpdatedAt = now
		s.registrations[key] = existing
		return false, nil
	}
	reg.CreatedAt = now
	reg.UpdatedAt = now
	s.registrations[key] = reg
	return true, nil
}

func (s *MemoryStore) DeleteRegistration(ctx context.Context, deviceID, passTypeID, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registrations, registrationKey{deviceID: deviceID, passTypeID: passTypeID, serial: serial})
	return nil
}

func (s *MemoryStore) RegisteredSerials(ctx context.Context, deviceID, passTypeID string) ([]SerialUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SerialUpdate
	for key := range s.registrations {
		if key.deviceID != deviceID || key.passTypeID != passTypeID {
			continue
		}
		m, ok := s.members[key.serial]
		if !ok {
			continue
		}
		out = append(out, SerialUpdate{Serial: key.serial, UpdatedAt: m.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (s *MemoryStore) RegistrationsForSerial(ctx context.Context, serial string) ([]Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Registration
	for key, reg := range s.registrations {
		if key.serial == serial {
			out = append(out, reg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryStore) DeleteRegistrationsByToken(ctx context.Context, pushToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, reg := range s.registrations {
		if reg.PushToken == pushToken {
			delete(s.registrations, key)
		}
	}
	return nil
}

func fillEntry(e HistoryEntry, serial string, at time.Time) HistoryEntry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Serial = serial
	if e.CreatedAt.IsZero() {
		e.CreatedAt = at
	}
	return e
}

func sortNewestFirst(members []*Member) {
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].ID > members[j].ID
		}
		return members[i].CreatedAt.After(members[j].CreatedAt)
	})
}
