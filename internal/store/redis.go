package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/model"
)

// CachedMarketStore wraps a primary MarketStore (PostgreSQL) with a Redis
// read-through cache for event reads. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Bets and resolutions are not cached: they are either written
// once or read on the settlement path where staleness is not acceptable.
type CachedMarketStore struct {
	primary MarketStore
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedMarketStore creates a cached wrapper around a primary store.
func NewCachedMarketStore(primary MarketStore, rdb *redis.Client, ttl time.Duration) *CachedMarketStore {
	return &CachedMarketStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedMarketStore) CreateEvent(ctx context.Context, e *model.Event) error {
	if err := s.primary.CreateEvent(ctx, e); err != nil {
		return err
	}
	s.cacheEvent(ctx, e)
	return nil
}

func (s *CachedMarketStore) UpdateEventStatus(ctx context.Context, id string, from []string, to string) (*model.Event, error) {
	e, err := s.primary.UpdateEventStatus(ctx, id, from, to)
	if err != nil {
		return nil, err
	}
	s.cacheEvent(ctx, e)
	return e, nil
}

func (s *CachedMarketStore) RecordBetCommit(ctx context.Context, bet *model.Bet) error {
	if err := s.primary.RecordBetCommit(ctx, bet); err != nil {
		return err
	}
	// Invalidate; next read re-populates with fresh aggregates.
	s.rdb.Del(ctx, eventKey(bet.EventID))
	return nil
}

func (s *CachedMarketStore) CreatePendingBet(ctx context.Context, bet *model.Bet) error {
	return s.primary.CreatePendingBet(ctx, bet)
}

func (s *CachedMarketStore) ActivatePendingBet(ctx context.Context, betID string) (*model.Bet, error) {
	bet, err := s.primary.ActivatePendingBet(ctx, betID)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, eventKey(bet.EventID))
	return bet, nil
}

func (s *CachedMarketStore) SetBetOutcome(ctx context.Context, betID, status string, payout decimal.Decimal) error {
	return s.primary.SetBetOutcome(ctx, betID, status, payout)
}

func (s *CachedMarketStore) FinalizeResolution(ctx context.Context, eventID string, botCommission decimal.Decimal, res *model.Resolution) error {
	if err := s.primary.FinalizeResolution(ctx, eventID, botCommission, res); err != nil {
		return err
	}
	s.rdb.Del(ctx, eventKey(eventID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedMarketStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	data, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if err == nil {
		var e model.Event
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheEvent(ctx, e)
	return e, nil
}

// --- Passthrough (not cached) ---

func (s *CachedMarketStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, f)
}

func (s *CachedMarketStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	return s.primary.GetBet(ctx, id)
}

func (s *CachedMarketStore) GetBetByPaymentReference(ctx context.Context, ref string) (*model.Bet, error) {
	return s.primary.GetBetByPaymentReference(ctx, ref)
}

func (s *CachedMarketStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.primary.ListBetsByUser(ctx, userID)
}

func (s *CachedMarketStore) ListBetsByEvent(ctx context.Context, eventID string, statuses ...string) ([]model.Bet, error) {
	return s.primary.ListBetsByEvent(ctx, eventID, statuses...)
}

func (s *CachedMarketStore) ListExpiredPendingBets(ctx context.Context, cutoff time.Time) ([]model.Bet, error) {
	return s.primary.ListExpiredPendingBets(ctx, cutoff)
}

func (s *CachedMarketStore) ListEventsPastDeadline(ctx context.Context, now time.Time) ([]model.Event, error) {
	return s.primary.ListEventsPastDeadline(ctx, now)
}

func (s *CachedMarketStore) GetResolution(ctx context.Context, eventID string) (*model.Resolution, error) {
	return s.primary.GetResolution(ctx, eventID)
}

// --- Cache helpers ---

func (s *CachedMarketStore) cacheEvent(ctx context.Context, e *model.Event) {
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, eventKey(e.ID), data, s.ttl)
	}
}

func eventKey(id string) string { return fmt.Sprintf("event:%s", id) }
