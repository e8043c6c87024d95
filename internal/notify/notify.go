// Package notify carries engine notifications out to messaging and UI
// layers. The engine emits; it never talks to a messaging platform or a
// UI directly. Payloads carry enough data for a notification layer to
// render a message without querying back into the engine.
package notify

import "log/slog"

// Topics published on the message bus.
const (
	TopicBetPlaced      = "wager.bet_placed"
	TopicEventResolved  = "wager.event_resolved"
	TopicEventCancelled = "wager.event_cancelled"
)

// BetPlaced announces a committed bet.
type BetPlaced struct {
	BetID      string `json:"bet_id"`
	EventID    string `json:"event_id"`
	EventTitle string `json:"event_title"`
	UserID     string `json:"user_id"`
	OptionKey  string `json:"option_key"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Source     string `json:"source"`
}

// PayoutLine is one user's outcome inside an EventResolved notification.
type PayoutLine struct {
	UserID string `json:"user_id"`
	BetID  string `json:"bet_id"`
	Amount string `json:"amount"`
	Payout string `json:"payout"`
	Status string `json:"status"`
}

// EventResolved announces a settled event with its full payout schedule.
type EventResolved struct {
	EventID           string       `json:"event_id"`
	EventTitle        string       `json:"event_title"`
	WinningOptionKeys []string     `json:"winning_option_keys"`
	TotalPool         string       `json:"total_pool"`
	TotalPayout       string       `json:"total_payout"`
	TotalWinners      int          `json:"total_winners"`
	BotCommission     string       `json:"bot_commission"`
	Payouts           []PayoutLine `json:"payouts"`
}

// EventCancelled announces a cancelled event and its refunds.
type EventCancelled struct {
	EventID     string       `json:"event_id"`
	EventTitle  string       `json:"event_title"`
	TotalRefund string       `json:"total_refund"`
	Refunds     []PayoutLine `json:"refunds"`
}

// Notifier is implemented by every notification sink. Implementations must
// not block the calling operation; delivery is best-effort.
type Notifier interface {
	BetPlaced(n BetPlaced)
	EventResolved(n EventResolved)
	EventCancelled(n EventCancelled)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) BetPlaced(BetPlaced)           {}
func (Nop) EventResolved(EventResolved)   {}
func (Nop) EventCancelled(EventCancelled) {}

// Fanout delivers each notification to every sink in order.
type Fanout []Notifier

func (f Fanout) BetPlaced(n BetPlaced) {
	for _, s := range f {
		s.BetPlaced(n)
	}
}

func (f Fanout) EventResolved(n EventResolved) {
	for _, s := range f {
		s.EventResolved(n)
	}
}

func (f Fanout) EventCancelled(n EventCancelled) {
	for _, s := range f {
		s.EventCancelled(n)
	}
}

// Recorder captures notifications for tests.
type Recorder struct {
	Bets      []BetPlaced
	Resolved  []EventResolved
	Cancelled []EventCancelled
}

func (r *Recorder) BetPlaced(n BetPlaced)           { r.Bets = append(r.Bets, n) }
func (r *Recorder) EventResolved(n EventResolved)   { r.Resolved = append(r.Resolved, n) }
func (r *Recorder) EventCancelled(n EventCancelled) { r.Cancelled = append(r.Cancelled, n) }

func logPublishError(topic string, err error) {
	if err != nil {
		slog.Error("notification publish failed", "topic", topic, "err", err)
	}
}
