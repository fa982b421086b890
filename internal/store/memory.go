package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/predex/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex gives every Apply* the required atomicity.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	emails    map[string]string // email → user ID
	markets   map[string]*model.Market
	positions map[string]*model.Position // userID|marketID
	txns      []model.Transaction
	probs     map[string][]model.ProbabilityPoint
	volumes   map[string][]model.VolumePoint
	cycles    []model.BroadcastCycle
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		emails:    make(map[string]string),
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
		probs:     make(map[string][]model.ProbabilityPoint),
		volumes:   make(map[string][]model.VolumePoint),
	}
}

func posKey(userID, marketID string) string {
	return userID + "|" + marketID
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	if _, exists := s.emails[u.Email]; exists {
		return fmt.Errorf("user with email %s already exists", u.Email)
	}
	cp := *u
	s.users[u.ID] = &cp
	s.emails[u.Email] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[email]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, model.ErrNotFound)
	}
	cp := *s.users[id]
	return &cp, nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.ID]; exists {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sortMarketsNewestFirst(markets)
	return markets, nil
}

func (s *MemoryStore) ListMarketsByStatus(_ context.Context, status model.MarketStatus) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var markets []model.Market
	for _, m := range s.markets {
		if m.Status == status {
			markets = append(markets, *m)
		}
	}
	sortMarketsNewestFirst(markets)
	return markets, nil
}

func sortMarketsNewestFirst(markets []model.Market) {
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
}

func (s *MemoryStore) TransitionMarketStatus(_ context.Context, id string, from, to model.MarketStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return false, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	if m.Status != from {
		return false, nil
	}
	m.Status = to
	m.Version++
	return true, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey(userID, marketID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- Transactions ---

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Transaction
	for _, t := range s.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListTransactionsByMarket(_ context.Context, marketID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Transaction
	for _, t := range s.txns {
		if t.MarketID == marketID {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- History ---

func (s *MemoryStore) ProbabilityHistory(_ context.Context, marketID string) ([]model.ProbabilityPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ProbabilityPoint(nil), s.probs[marketID]...), nil
}

func (s *MemoryStore) VolumeHistory(_ context.Context, marketID string) ([]model.VolumePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.VolumePoint(nil), s.volumes[marketID]...), nil
}

// --- Broadcast cycles ---

func (s *MemoryStore) SaveBroadcastCycle(_ context.Context, c *model.BroadcastCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.MarketIDs = append([]string(nil), c.MarketIDs...)
	s.cycles = append(s.cycles, cp)
	return nil
}

func (s *MemoryStore) LatestBroadcastCycle(_ context.Context) (*model.BroadcastCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.cycles) == 0 {
		return nil, fmt.Errorf("broadcast cycle: %w", model.ErrNotFound)
	}
	latest := s.cycles[0]
	for _, c := range s.cycles[1:] {
		if c.CompletedAt.After(latest.CompletedAt) {
			latest = c
		}
	}
	cp := latest
	cp.MarketIDs = append([]string(nil), latest.MarketIDs...)
	return &cp, nil
}

// --- Atomic mutations ---

func (s *MemoryStore) ApplyTrade(_ context.Context, app *TradeApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[app.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", app.MarketID, model.ErrNotFound)
	}
	if m.Version != app.ExpectedVersion {
		return ErrVersionConflict
	}
	u, ok := s.users[app.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", app.UserID, model.ErrNotFound)
	}

	m.QYes = app.QYes
	m.QNo = app.QNo
	m.PriceYes = app.PriceYes
	m.PriceNo = app.PriceNo
	m.YesVolume = app.YesVolume
	m.NoVolume = app.NoVolume
	m.TotalVolume = app.TotalVolume
	m.ParticipantCount += app.ParticipantDelta
	m.Version++

	u.Points = u.Points.Add(app.PointsDelta)
	u.Predictions += app.PredictionsDelta

	pos := app.Position
	s.positions[posKey(pos.UserID, pos.MarketID)] = &pos

	s.txns = append(s.txns, app.Transaction)
	s.probs[app.MarketID] = append(s.probs[app.MarketID], app.ProbabilityPoint)
	s.volumes[app.MarketID] = append(s.volumes[app.MarketID], app.VolumePoint)
	return nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, app *SettlementApplication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[app.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", app.MarketID, model.ErrNotFound)
	}
	if m.Version != app.ExpectedVersion {
		return ErrVersionConflict
	}
	if m.Status == model.StatusResolved {
		return model.ErrAlreadyResolved
	}

	res := app.Resolution
	m.Status = model.StatusResolved
	m.Resolution = &res
	m.Version++

	for _, p := range app.Payouts {
		if u, ok := s.users[p.UserID]; ok {
			u.Points = u.Points.Add(p.Points)
			u.Correct += p.CorrectDelta
		}
		if pos, ok := s.positions[posKey(p.UserID, p.MarketID)]; ok {
			pos.RealizedPnL = pos.RealizedPnL.Add(p.RealizedPnL)
		}
	}
	return nil
}
