package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pet-feeder-service/internal/domain/models"
)

// memStore is an in-memory InterfaceFeedingStore with failure injection.
type memStore struct {
	mu        sync.Mutex
	nextID    uint
	cats      map[uint]models.Cat
	schedules map[uint]models.FeedingSchedule
	history   []models.FeedingHistory

	failSetActive error
	failLookup    error
	failAppend    error
	setActiveHits int
}

func newMemStore() *memStore {
	return &memStore{
		cats:      make(map[uint]models.Cat),
		schedules: make(map[uint]models.FeedingSchedule),
	}
}

func (m *memStore) addCat(id uint, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := models.Cat{Name: name}
	c.ID = id
	m.cats[id] = c
}

func (m *memStore) addSchedule(catID uint, deviceID, tod string, amount int, active bool) models.FeedingSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s := models.FeedingSchedule{CatID: catID, DeviceID: deviceID, Time: tod, Amount: amount, IsActive: active}
	s.ID = m.nextID
	m.schedules[s.ID] = s
	return s
}

func (m *memStore) historySnapshot() []models.FeedingHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.FeedingHistory(nil), m.history...)
}

func (m *memStore) activeCount(catID uint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.schedules {
		if s.CatID == catID && s.IsActive {
			n++
		}
	}
	return n
}

func (m *memStore) GetCat(_ context.Context, catID uint) (*models.Cat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cats[catID]
	if !ok {
		return nil, ErrCatNotFound
	}
	return &c, nil
}

func (m *memStore) UpsertSchedule(_ context.Context, s *models.FeedingSchedule) (*models.FeedingSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.schedules {
		if existing.CatID == s.CatID && existing.DeviceID == s.DeviceID && existing.Time == s.Time {
			existing.Amount = s.Amount
			existing.IsActive = true
			m.schedules[id] = existing
			return &existing, nil
		}
	}
	m.nextID++
	row := *s
	row.ID = m.nextID
	row.IsActive = true
	m.schedules[row.ID] = row
	return &row, nil
}

func (m *memStore) GetSchedule(_ context.Context, id uint) (*models.FeedingSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return &s, nil
}

func (m *memStore) DeactivateSchedule(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrScheduleNotFound
	}
	s.IsActive = false
	m.schedules[id] = s
	return nil
}

func (m *memStore) ListActiveSchedules(_ context.Context) ([]models.FeedingSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FeedingSchedule
	for _, s := range m.schedules {
		if s.IsActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListSchedulesByCat(_ context.Context, catID uint, activeOnly bool) ([]models.FeedingSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FeedingSchedule
	for _, s := range m.schedules {
		if s.CatID == catID && (!activeOnly || s.IsActive) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

func (m *memStore) FindActiveSchedules(_ context.Context, catID uint, deviceID string) ([]models.FeedingSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLookup != nil {
		return nil, m.failLookup
	}
	var out []models.FeedingSchedule
	for _, s := range m.schedules {
		if s.CatID == catID && s.DeviceID == deviceID && s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) IsScheduleActive(_ context.Context, key ScheduleKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedules {
		if KeyOf(s) == key {
			return s.IsActive, nil
		}
	}
	return false, nil
}

func (m *memStore) SetSchedulesActive(_ context.Context, ids []uint, active bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setActiveHits++
	if m.failSetActive != nil {
		return 0, m.failSetActive
	}
	for _, id := range ids {
		if _, ok := m.schedules[id]; !ok {
			return 0, errors.New("missing schedule")
		}
	}
	for _, id := range ids {
		s := m.schedules[id]
		s.IsActive = active
		m.schedules[id] = s
	}
	return int64(len(ids)), nil
}

func (m *memStore) AppendHistory(_ context.Context, entry *models.FeedingHistory, pruneBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return m.failAppend
	}
	m.nextID++
	entry.ID = m.nextID
	m.history = append(m.history, *entry)
	kept := m.history[:0]
	for _, h := range m.history {
		if !h.Timestamp.Before(pruneBefore) {
			kept = append(kept, h)
		}
	}
	m.history = kept
	return nil
}

func (m *memStore) PruneHistory(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[:0]
	var n int64
	for _, h := range m.history {
		if h.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, h)
	}
	m.history = kept
	return n, nil
}

func (m *memStore) ListHistory(_ context.Context, catID uint, since time.Time) ([]models.FeedingHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FeedingHistory
	for _, h := range m.history {
		if h.CatID == catID && !h.Timestamp.Before(since) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

// fakePublisher records publishes and signals each one on sent.
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	topics    []string
	payloads  [][]byte
	sent      chan string

	// hold, when set, blocks the next Publish until closed; that call returns holdErr.
	hold    chan struct{}
	holdErr error
	entered chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{connected: true, sent: make(chan string, 64)}
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	hold, holdErr, entered := p.hold, p.holdErr, p.entered
	p.hold = nil
	p.mu.Unlock()
	if hold != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-hold
		if holdErr != nil {
			return holdErr
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	select {
	case p.sent <- topic:
	default:
	}
	return nil
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}
