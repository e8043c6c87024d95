package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/betpool/wager-engine/internal/model"
)

// PostgresLedgerStore implements LedgerStore using PostgreSQL. Monetary
// values are stored as NUMERIC for exact decimal precision. Per-user
// serialization comes from a SELECT ... FOR UPDATE row lock, so concurrent
// debits for one user queue on the row while other users proceed.
type PostgresLedgerStore struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerStore creates a PostgreSQL-backed ledger store.
func NewPostgresLedgerStore(pool *pgxpool.Pool) *PostgresLedgerStore {
	return &PostgresLedgerStore{pool: pool}
}

const balanceColumns = `user_id, amount::TEXT, total_deposited::TEXT, total_won::TEXT,
       total_lost::TEXT, total_withdrawn::TEXT, created_at, updated_at`

func scanBalance(row pgx.Row) (*model.Balance, error) {
	var b model.Balance
	var amount, dep, won, lost, wd string
	if err := row.Scan(&b.UserID, &amount, &dep, &won, &lost, &wd, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Amount, _ = decimal.NewFromString(amount)
	b.TotalDeposited, _ = decimal.NewFromString(dep)
	b.TotalWon, _ = decimal.NewFromString(won)
	b.TotalLost, _ = decimal.NewFromString(lost)
	b.TotalWithdrawn, _ = decimal.NewFromString(wd)
	return &b, nil
}

func (s *PostgresLedgerStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return b, nil
}

func (s *PostgresLedgerStore) CreateBalance(ctx context.Context, b *model.Balance, seed *model.BalanceTransaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO balances (user_id, amount, total_deposited, total_won, total_lost, total_withdrawn, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		b.UserID, b.Amount.String(), b.TotalDeposited.String(), b.TotalWon.String(),
		b.TotalLost.String(), b.TotalWithdrawn.String(), b.CreatedAt, b.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrBalanceExists
	}
	if err != nil {
		return err
	}

	if seed != nil {
		if err := insertTransaction(ctx, tx, seed); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresLedgerStore) ApplyDebit(ctx context.Context, userID string, amount decimal.Decimal, detail TxDetail) (*model.BalanceTransaction, error) {
	return s.apply(ctx, userID, amount.Neg(), detail)
}

func (s *PostgresLedgerStore) ApplyCredit(ctx context.Context, userID string, amount decimal.Decimal, detail TxDetail) (*model.BalanceTransaction, error) {
	return s.apply(ctx, userID, amount, detail)
}

// apply moves a signed amount through a user's balance and appends the
// matching ledger entry, all inside one transaction holding the balance
// row lock.
func (s *PostgresLedgerStore) apply(ctx context.Context, userID string, signed decimal.Decimal, detail TxDetail) (*model.BalanceTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	b, err := scanBalance(tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 FOR UPDATE`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock balance %s: %w", userID, err)
	}

	before := b.Amount
	after := before.Add(signed)
	if after.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	b.Amount = after
	applyCounter(b, detail.Type, signed.Abs())

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE balances
		 SET amount = $2::NUMERIC, total_deposited = $3::NUMERIC, total_won = $4::NUMERIC,
		     total_lost = $5::NUMERIC, total_withdrawn = $6::NUMERIC, updated_at = $7
		 WHERE user_id = $1`,
		userID, b.Amount.String(), b.TotalDeposited.String(), b.TotalWon.String(),
		b.TotalLost.String(), b.TotalWithdrawn.String(), now,
	)
	if err != nil {
		return nil, err
	}

	entry := &model.BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        signed,
		BalanceBefore: before,
		BalanceAfter:  after,
		Type:          detail.Type,
		ReferenceType: detail.ReferenceType,
		ReferenceID:   detail.ReferenceID,
		Description:   detail.Description,
		Timestamp:     now,
	}
	if err := insertTransaction(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, e *model.BalanceTransaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO balance_transactions (id, user_id, amount, balance_before, balance_after, type, reference_type, reference_id, description, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
		e.Type, e.ReferenceType, e.ReferenceID, e.Description, e.Timestamp,
	)
	return err
}

func (s *PostgresLedgerStore) TransactionsByUser(ctx context.Context, userID string) ([]model.BalanceTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, balance_before::TEXT, balance_after::TEXT,
		        type, reference_type, reference_id, description, timestamp
		 FROM balance_transactions WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.BalanceTransaction
	for rows.Next() {
		var e model.BalanceTransaction
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &before, &after,
			&e.Type, &e.ReferenceType, &e.ReferenceID, &e.Description, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceBefore, _ = decimal.NewFromString(before)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PostgresMarketStore implements MarketStore using PostgreSQL. Pool and
// option aggregates move inside one transaction with the bet row, with the
// event's status re-checked in the same UPDATE that bumps the pool, so a
// commit can never land after the resolution gate has flipped.
type PostgresMarketStore struct {
	pool *pgxpool.Pool
}

// NewPostgresMarketStore creates a PostgreSQL-backed market store.
func NewPostgresMarketStore(pool *pgxpool.Pool) *PostgresMarketStore {
	return &PostgresMarketStore{pool: pool}
}

const eventColumns = `id, title, description, creator, chat_id, deadline, resolution_date,
       currency, min_bet::TEXT, max_bet::TEXT, is_anonymous, commission_rate::TEXT,
       status, total_pool::TEXT, bot_commission::TEXT, created_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	var minBet, maxBet, rate, pool, commission string
	if err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Creator, &e.ChatID,
		&e.Deadline, &e.ResolutionDate, &e.Currency, &minBet, &maxBet,
		&e.IsAnonymous, &rate, &e.Status, &pool, &commission, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.MinBet, _ = decimal.NewFromString(minBet)
	e.MaxBet, _ = decimal.NewFromString(maxBet)
	e.CommissionRate, _ = decimal.NewFromString(rate)
	e.TotalPool, _ = decimal.NewFromString(pool)
	e.BotCommission, _ = decimal.NewFromString(commission)
	return &e, nil
}

func (s *PostgresMarketStore) CreateEvent(ctx context.Context, e *model.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO events (id, title, description, creator, chat_id, deadline, resolution_date,
		                     currency, min_bet, max_bet, is_anonymous, commission_rate,
		                     status, total_pool, bot_commission, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC,
		         $13, $14::NUMERIC, $15::NUMERIC, $16)`,
		e.ID, e.Title, e.Description, e.Creator, e.ChatID, e.Deadline, e.ResolutionDate,
		e.Currency, e.MinBet.String(), e.MaxBet.String(), e.IsAnonymous, e.CommissionRate.String(),
		e.Status, e.TotalPool.String(), e.BotCommission.String(), e.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, o := range e.Options {
		_, err = tx.Exec(ctx,
			`INSERT INTO options (id, event_id, option_key, text, value, total_bets, total_amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC)`,
			o.ID, e.ID, o.Key, o.Text, o.Value, o.TotalBets, o.TotalAmount.String(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresMarketStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	if e.Options, err = s.eventOptions(ctx, id); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresMarketStore) eventOptions(ctx context.Context, eventID string) ([]model.Option, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, option_key, text, value, total_bets, total_amount::TEXT
		 FROM options WHERE event_id = $1 ORDER BY option_key`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var options []model.Option
	for rows.Next() {
		var o model.Option
		var amount string
		if err := rows.Scan(&o.ID, &o.EventID, &o.Key, &o.Text, &o.Value, &o.TotalBets, &amount); err != nil {
			return nil, err
		}
		o.TotalAmount, _ = decimal.NewFromString(amount)
		options = append(options, o)
	}
	return options, rows.Err()
}

func (s *PostgresMarketStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Creator != "" {
		args = append(args, f.Creator)
		query += fmt.Sprintf(" AND creator = $%d", len(args))
	}
	if f.ChatID != "" {
		args = append(args, f.ChatID)
		query += fmt.Sprintf(" AND chat_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *PostgresMarketStore) UpdateEventStatus(ctx context.Context, id string, from []string, to string) (*model.Event, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, to, from)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, s.explainTransition(ctx, id)
	}
	return s.GetEvent(ctx, id)
}

// explainTransition reports why a status CAS matched no row.
func (s *PostgresMarketStore) explainTransition(ctx context.Context, id string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM events WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEventNotFound
	}
	if err != nil {
		return err
	}
	return transitionError(current)
}

func (s *PostgresMarketStore) RecordBetCommit(ctx context.Context, bet *model.Bet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := commitAggregates(ctx, tx, bet); err != nil {
		if errors.Is(err, ErrEventNotActive) {
			return s.explainCommitFailure(ctx, bet.EventID)
		}
		return err
	}

	if err := insertBet(ctx, tx, bet, model.BetActive); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// commitAggregates bumps the pool and option totals for a bet. The event
// status check rides in the pool UPDATE itself.
func commitAggregates(ctx context.Context, tx pgx.Tx, bet *model.Bet) error {
	tag, err := tx.Exec(ctx,
		`UPDATE events SET total_pool = total_pool + $2::NUMERIC
		 WHERE id = $1 AND status = $3`,
		bet.EventID, bet.Amount.String(), model.EventActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotActive
	}

	tag, err = tx.Exec(ctx,
		`UPDATE options SET total_amount = total_amount + $3::NUMERIC, total_bets = total_bets + 1
		 WHERE event_id = $1 AND option_key = $2`,
		bet.EventID, bet.OptionKey, bet.Amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownOption
	}
	return nil
}

func (s *PostgresMarketStore) explainCommitFailure(ctx context.Context, eventID string) error {
	err := s.explainTransition(ctx, eventID)
	if errors.Is(err, ErrAlreadyResolving) || errors.Is(err, ErrAlreadyResolved) {
		return ErrEventNotActive
	}
	return err
}

func insertBet(ctx context.Context, tx pgx.Tx, b *model.Bet, status string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO bets (id, event_id, option_key, user_id, amount, currency, payout, status, source, payment_reference, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10, $11)`,
		b.ID, b.EventID, b.OptionKey, b.UserID, b.Amount.String(), b.Currency,
		b.Payout.String(), status, b.Source, b.PaymentReference, b.CreatedAt,
	)
	return err
}

func (s *PostgresMarketStore) CreatePendingBet(ctx context.Context, bet *model.Bet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertBet(ctx, tx, bet, model.BetPendingPayment); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresMarketStore) ActivatePendingBet(ctx context.Context, betID string) (*model.Bet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	bet, err := scanBet(tx.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE id = $1 FOR UPDATE`, betID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBetNotFound
	}
	if err != nil {
		return nil, err
	}
	if bet.Status != model.BetPendingPayment {
		return nil, ErrBetNotPending
	}

	if err := commitAggregates(ctx, tx, bet); err != nil {
		if errors.Is(err, ErrEventNotActive) {
			return nil, s.explainCommitFailure(ctx, bet.EventID)
		}
		return nil, err
	}

	_, err = tx.Exec(ctx, `UPDATE bets SET status = $2 WHERE id = $1`, betID, model.BetActive)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	bet.Status = model.BetActive
	return bet, nil
}

const betColumns = `id, event_id, option_key, user_id, amount::TEXT, currency,
       payout::TEXT, status, source, payment_reference, created_at`

func scanBet(row pgx.Row) (*model.Bet, error) {
	var b model.Bet
	var amount, payout string
	if err := row.Scan(&b.ID, &b.EventID, &b.OptionKey, &b.UserID, &amount,
		&b.Currency, &payout, &b.Status, &b.Source, &b.PaymentReference, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Amount, _ = decimal.NewFromString(amount)
	b.Payout, _ = decimal.NewFromString(payout)
	return &b, nil
}

func (s *PostgresMarketStore) GetBet(ctx context.Context, id string) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBetNotFound
	}
	return b, err
}

func (s *PostgresMarketStore) GetBetByPaymentReference(ctx context.Context, ref string) (*model.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx,
		`SELECT `+betColumns+` FROM bets WHERE payment_reference = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBetNotFound
	}
	return b, err
}

func (s *PostgresMarketStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBets(rows)
}

func (s *PostgresMarketStore) ListBetsByEvent(ctx context.Context, eventID string, statuses ...string) ([]model.Bet, error) {
	query := `SELECT ` + betColumns + ` FROM bets WHERE event_id = $1`
	args := []any{eventID}
	if len(statuses) > 0 {
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBets(rows)
}

func collectBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, *b)
	}
	return bets, rows.Err()
}

func (s *PostgresMarketStore) SetBetOutcome(ctx context.Context, betID, status string, payout decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bets SET status = $2, payout = $3::NUMERIC WHERE id = $1`,
		betID, status, payout.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBetNotFound
	}
	return nil
}

func (s *PostgresMarketStore) ListExpiredPendingBets(ctx context.Context, cutoff time.Time) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE status = $1 AND created_at < $2`,
		model.BetPendingPayment, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBets(rows)
}

func (s *PostgresMarketStore) ListEventsPastDeadline(ctx context.Context, now time.Time) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE status = $1 AND deadline IS NOT NULL AND deadline < $2`,
		model.EventActive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *PostgresMarketStore) FinalizeResolution(ctx context.Context, eventID string, botCommission decimal.Decimal, res *model.Resolution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE events SET status = $2, bot_commission = $3::NUMERIC, resolution_date = $4
		 WHERE id = $1 AND status = $5`,
		eventID, model.EventResolved, botCommission.String(), res.Timestamp, model.EventResolving)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.explainTransition(ctx, eventID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO resolutions (id, event_id, winning_option_keys, source, resolution_data, resolver, total_winners, total_payout, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9)`,
		res.ID, res.EventID, res.WinningOptionKeys, res.Source, res.ResolutionData,
		res.Resolver, res.TotalWinners, res.TotalPayout.String(), res.Timestamp,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresMarketStore) GetResolution(ctx context.Context, eventID string) (*model.Resolution, error) {
	var r model.Resolution
	var payout string
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_id, winning_option_keys, source, resolution_data, resolver,
		        total_winners, total_payout::TEXT, timestamp
		 FROM resolutions WHERE event_id = $1`, eventID).
		Scan(&r.ID, &r.EventID, &r.WinningOptionKeys, &r.Source, &r.ResolutionData,
			&r.Resolver, &r.TotalWinners, &payout, &r.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	r.TotalPayout, _ = decimal.NewFromString(payout)
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
