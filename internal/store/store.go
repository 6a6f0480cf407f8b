package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticketgate/internal/models"
)

// Store is the Postgres Repository.
type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const orderColumns = `
	id, status, dungeon_id,
	pay_token_symbol, pay_token_address, pay_token_decimals,
	required_amount_raw, quote_sell_amount_raw,
	recipient_address, player_name,
	payment_tx_hash, paid_amount_raw,
	fulfill_tx_hash, game_id, fulfillment_started_at,
	last_error, created_at, updated_at, expires_at`

func (s *Store) Create(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		order.ID,
		order.Status,
		order.DungeonID,
		order.PayToken.Symbol,
		order.PayToken.Address,
		order.PayToken.Decimals,
		order.RequiredAmountRaw,
		order.QuoteSellAmountRaw,
		order.RecipientAddress,
		order.PlayerName,
		order.PaymentTxHash,
		order.PaidAmountRaw,
		order.FulfillTxHash,
		gameIDParam(order.GameID),
		order.FulfillmentStartedAt,
		order.LastError,
		order.CreatedAt,
		order.UpdatedAt,
		order.ExpiresAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (s *Store) NextNeedingWork(ctx context.Context) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('paid','fulfilling')
			OR (status='awaiting_payment' AND payment_tx_hash IS NOT NULL)
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`)
	return scanOrder(row)
}

func (s *Store) SetPaymentTxHash(ctx context.Context, id, txHash string, now time.Time) error {
	err := s.exec(ctx, `
		UPDATE orders
		SET payment_tx_hash=$2, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1 AND status='awaiting_payment' AND payment_tx_hash IS NULL
	`, id, txHash, now)
	if isUniqueViolation(err) {
		return ErrPaymentTxInUse
	}
	return err
}

func (s *Store) MarkPaid(ctx context.Context, id, paidAmountRaw string, now time.Time) error {
	return s.exec(ctx, `
		UPDATE orders
		SET status='paid', paid_amount_raw=$2, last_error=NULL, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1 AND status='awaiting_payment'
	`, id, paidAmountRaw, now)
}

func (s *Store) MarkExpired(ctx context.Context, id string, now time.Time) error {
	return s.exec(ctx, `
		UPDATE orders
		SET status='expired', updated_at=GREATEST(updated_at, $2)
		WHERE id=$1 AND status='awaiting_payment'
	`, id, now)
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	statuses := make([]string, 0, len(failableStatuses))
	for _, st := range failableStatuses {
		statuses = append(statuses, string(st))
	}
	return s.exec(ctx, `
		UPDATE orders
		SET status='failed', last_error=$2, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1 AND status = ANY($4)
	`, id, reason, now, statuses)
}

func (s *Store) MarkFulfilling(ctx context.Context, id string, now time.Time) error {
	return s.exec(ctx, `
		UPDATE orders
		SET status='fulfilling', fulfillment_started_at=$2, last_error=NULL,
			updated_at=GREATEST(updated_at, $2)
		WHERE id=$1 AND status='paid'
	`, id, now)
}

func (s *Store) SetFulfillTxHash(ctx context.Context, id, txHash string, now time.Time) error {
	return s.exec(ctx, `
		UPDATE orders
		SET fulfill_tx_hash=$2, last_error=NULL, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1 AND status='fulfilling' AND fulfill_tx_hash IS NULL
	`, id, txHash, now)
}

func (s *Store) MarkFulfilled(ctx context.Context, id string, gameID uint64, now time.Time) error {
	return s.exec(ctx, `
		UPDATE orders
		SET status='fulfilled', game_id=$2, last_error=NULL, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1 AND status='fulfilling'
	`, id, int64(gameID), now)
}

func (s *Store) TouchError(ctx context.Context, id, message string, now time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET last_error=$2, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1
	`, id, message, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	return staleIfUntouched(tag)
}

func staleIfUntouched(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func gameIDParam(id *uint64) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var paymentTxHash sql.NullString
	var paidAmount sql.NullString
	var fulfillTxHash sql.NullString
	var gameID sql.NullInt64
	var startedAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&order.ID,
		&order.Status,
		&order.DungeonID,
		&order.PayToken.Symbol,
		&order.PayToken.Address,
		&order.PayToken.Decimals,
		&order.RequiredAmountRaw,
		&order.QuoteSellAmountRaw,
		&order.RecipientAddress,
		&order.PlayerName,
		&paymentTxHash,
		&paidAmount,
		&fulfillTxHash,
		&gameID,
		&startedAt,
		&lastError,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if paymentTxHash.Valid {
		order.PaymentTxHash = &paymentTxHash.String
	}
	if paidAmount.Valid {
		order.PaidAmountRaw = &paidAmount.String
	}
	if fulfillTxHash.Valid {
		order.FulfillTxHash = &fulfillTxHash.String
	}
	if gameID.Valid {
		v := uint64(gameID.Int64)
		order.GameID = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		order.FulfillmentStartedAt = &t
	}
	if lastError.Valid {
		order.LastError = &lastError.String
	}
	return &order, nil
}
