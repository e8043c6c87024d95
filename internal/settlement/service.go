// Package settlement resolves events into payouts and cancels them into
// refunds. A resolution either fully commits or fails before any credit is
// issued; the freeze gate guarantees at most one attempt runs at a time.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/ledger"
	"github.com/betpool/wager-engine/internal/metrics"
	"github.com/betpool/wager-engine/internal/model"
	"github.com/betpool/wager-engine/internal/notify"
	"github.com/betpool/wager-engine/internal/store"
)

var (
	ErrEmptyWinningSet = errors.New("settlement: winning set empty or references unknown options")

	// Re-exported store errors so callers depend on one package.
	ErrAlreadyResolving = store.ErrAlreadyResolving
	ErrAlreadyResolved  = store.ErrAlreadyResolved
	ErrEventNotActive   = store.ErrEventNotActive
)

// Service is the settlement engine.
type Service struct {
	market   store.MarketStore
	ledger   *ledger.Service
	notifier notify.Notifier
}

// New creates a settlement service.
func New(market store.MarketStore, lg *ledger.Service, n notify.Notifier) *Service {
	return &Service{market: market, ledger: lg, notifier: n}
}

// Resolve settles an event. Exactly one caller wins the resolution gate;
// everyone else fails fast with ErrAlreadyResolving / ErrAlreadyResolved
// and the event is left for the winner to finish.
//
// Payouts use floor rounding: commission = floor(pool * rate), each
// winner gets floor(stake * distributable / winning_total), and the floor
// remainder joins the commission so the pool is conserved exactly.
func (s *Service) Resolve(ctx context.Context, eventID string, winningKeys []string, source, data, resolver string) (*model.Resolution, error) {
	start := time.Now()

	// Options are immutable, so the winning set can be validated before
	// the gate without racing anything.
	event, err := s.market.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := validateWinningSet(event, winningKeys); err != nil {
		return nil, err
	}

	// The gate: {active, closed} → resolving, one winner.
	event, err = s.market.UpdateEventStatus(ctx, eventID,
		[]string{model.EventActive, model.EventClosed}, model.EventResolving)
	if err != nil {
		return nil, err
	}

	winningAmount := decimal.Zero
	winning := make(map[string]bool, len(winningKeys))
	for _, k := range winningKeys {
		winning[k] = true
	}
	for _, o := range event.Options {
		if winning[o.Key] {
			winningAmount = winningAmount.Add(o.TotalAmount)
		}
	}

	bets, err := s.market.ListBetsByEvent(ctx, eventID, model.BetActive)
	if err != nil {
		return nil, err
	}

	res := &model.Resolution{
		ID:                uuid.New().String(),
		EventID:           eventID,
		WinningOptionKeys: winningKeys,
		Source:            source,
		ResolutionData:    data,
		Resolver:          resolver,
		Timestamp:         time.Now().UTC(),
	}

	var lines []notify.PayoutLine
	var botCommission decimal.Decimal

	if winningAmount.IsZero() {
		// No stake landed on any winning option: refund everyone in full,
		// take no commission. The house never owes money it cannot
		// account for.
		lines, err = s.refundBets(ctx, event, bets)
		if err != nil {
			return nil, err
		}
		res.TotalPayout = event.TotalPool
		res.TotalWinners = 0
		botCommission = decimal.Zero
	} else {
		commission := event.TotalPool.Mul(event.CommissionRate).Floor()
		distributable := event.TotalPool.Sub(commission)

		totalPayout := decimal.Zero
		winners := 0
		for _, bet := range bets {
			if !winning[bet.OptionKey] {
				// Stake was consumed at placement; nothing further moves.
				if err := s.market.SetBetOutcome(ctx, bet.ID, model.BetLost, decimal.Zero); err != nil {
					return nil, err
				}
				lines = append(lines, payoutLine(bet, decimal.Zero, model.BetLost))
				continue
			}

			payout := bet.Amount.Mul(distributable).Div(winningAmount).Floor()
			ref := ledger.Reference{Type: "event", ID: eventID, Description: "winnings: " + event.Title}
			if _, err := s.ledger.Credit(ctx, bet.UserID, payout, model.TxWin, ref); err != nil {
				return nil, err
			}
			if err := s.market.SetBetOutcome(ctx, bet.ID, model.BetWon, payout); err != nil {
				return nil, err
			}
			totalPayout = totalPayout.Add(payout)
			winners++
			lines = append(lines, payoutLine(bet, payout, model.BetWon))
		}

		// Floor rounding leaves a non-negative remainder; it joins the
		// commission so total_pool == Σ payouts + bot_commission exactly.
		remainder := distributable.Sub(totalPayout)
		botCommission = commission.Add(remainder)
		res.TotalPayout = totalPayout
		res.TotalWinners = winners
	}

	if err := s.market.FinalizeResolution(ctx, eventID, botCommission, res); err != nil {
		return nil, err
	}

	outcome := "resolved"
	if winningAmount.IsZero() {
		outcome = "refunded"
	}
	metrics.Settlements.WithLabelValues(outcome).Inc()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	s.notifier.EventResolved(notify.EventResolved{
		EventID:           eventID,
		EventTitle:        event.Title,
		WinningOptionKeys: winningKeys,
		TotalPool:         event.TotalPool.String(),
		TotalPayout:       res.TotalPayout.String(),
		TotalWinners:      res.TotalWinners,
		BotCommission:     botCommission.String(),
		Payouts:           lines,
	})

	slog.Info("event resolved",
		"event_id", eventID,
		"winners", res.TotalWinners,
		"total_payout", res.TotalPayout.String(),
		"bot_commission", botCommission.String(),
		"resolver", resolver,
	)
	return res, nil
}

// Cancel voids an event from {active, closed}: every active bet is
// refunded in full and no commission is taken.
func (s *Service) Cancel(ctx context.Context, eventID string) (*model.Event, error) {
	event, err := s.market.UpdateEventStatus(ctx, eventID,
		[]string{model.EventActive, model.EventClosed}, model.EventCancelled)
	if err != nil {
		return nil, err
	}

	bets, err := s.market.ListBetsByEvent(ctx, eventID, model.BetActive, model.BetPendingPayment)
	if err != nil {
		return nil, err
	}

	var refunds []notify.PayoutLine
	totalRefund := decimal.Zero
	for _, bet := range bets {
		if bet.Status == model.BetPendingPayment {
			// Never funded; nothing to give back.
			if err := s.market.SetBetOutcome(ctx, bet.ID, model.BetCancelled, decimal.Zero); err != nil {
				return nil, err
			}
			continue
		}
		line, err := s.refundBet(ctx, event, bet)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, line)
		totalRefund = totalRefund.Add(bet.Amount)
	}

	metrics.Settlements.WithLabelValues("cancelled").Inc()

	s.notifier.EventCancelled(notify.EventCancelled{
		EventID:     eventID,
		EventTitle:  event.Title,
		TotalRefund: totalRefund.String(),
		Refunds:     refunds,
	})

	slog.Info("event cancelled", "event_id", eventID, "refunds", len(refunds), "total_refund", totalRefund.String())
	return event, nil
}

func (s *Service) refundBets(ctx context.Context, event *model.Event, bets []model.Bet) ([]notify.PayoutLine, error) {
	var lines []notify.PayoutLine
	for _, bet := range bets {
		line, err := s.refundBet(ctx, event, bet)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (s *Service) refundBet(ctx context.Context, event *model.Event, bet model.Bet) (notify.PayoutLine, error) {
	ref := ledger.Reference{Type: "event", ID: event.ID, Description: "refund: " + event.Title}
	if _, err := s.ledger.Credit(ctx, bet.UserID, bet.Amount, model.TxRefund, ref); err != nil {
		return notify.PayoutLine{}, err
	}
	if err := s.market.SetBetOutcome(ctx, bet.ID, model.BetRefunded, bet.Amount); err != nil {
		return notify.PayoutLine{}, err
	}
	return payoutLine(bet, bet.Amount, model.BetRefunded), nil
}

func validateWinningSet(event *model.Event, keys []string) error {
	if len(keys) == 0 {
		return ErrEmptyWinningSet
	}
	known := make(map[string]bool, len(event.Options))
	for _, o := range event.Options {
		known[o.Key] = true
	}
	for _, k := range keys {
		if !known[k] {
			return fmt.Errorf("%w: %q", ErrEmptyWinningSet, k)
		}
	}
	return nil
}

func payoutLine(bet model.Bet, payout decimal.Decimal, status string) notify.PayoutLine {
	return notify.PayoutLine{
		UserID: bet.UserID,
		BetID:  bet.ID,
		Amount: bet.Amount.String(),
		Payout: payout.String(),
		Status: status,
	}
}
