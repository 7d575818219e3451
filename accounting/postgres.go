package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =============================================================================
// POSTGRES JOURNAL
// =============================================================================

const journalSchema = `
CREATE TABLE IF NOT EXISTS journal_postings (
    posting_key    TEXT PRIMARY KEY,
    loan_id        TEXT NOT NULL,
    transaction_id BIGINT NOT NULL,
    revision       INTEGER NOT NULL,
    tx_type        TEXT NOT NULL,
    value_date     DATE NOT NULL,
    reversal       BOOLEAN NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_lines (
    id          UUID PRIMARY KEY,
    posting_key TEXT NOT NULL REFERENCES journal_postings(posting_key),
    role        TEXT NOT NULL,
    side        TEXT NOT NULL CHECK (side IN ('DR', 'CR')),
    amount      NUMERIC(20, 6) NOT NULL CHECK (amount > 0)
);

CREATE INDEX IF NOT EXISTS idx_journal_postings_loan ON journal_postings(loan_id, transaction_id);
`

// serializationFailure is the SQLSTATE Postgres returns when a serializable
// transaction must be retried.
const serializationFailure = "40001"

// PgPoster writes postings to Postgres under SERIALIZABLE isolation.
type PgPoster struct {
	Pool       *pgxpool.Pool
	MaxRetries int
}

func NewPgPoster(ctx context.Context, dsn string) (*PgPoster, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	return &PgPoster{Pool: pool, MaxRetries: 3}, nil
}

func (p *PgPoster) Migrate(ctx context.Context) error {
	if _, err := p.Pool.Exec(ctx, journalSchema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (p *PgPoster) Close() {
	p.Pool.Close()
}

func (p *PgPoster) Post(ctx context.Context, posting Posting) error {
	retries := p.MaxRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; ; attempt++ {
		err := p.post(ctx, posting)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == serializationFailure && attempt < retries-1 {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return fmt.Errorf("post %s: %w", posting.Key, err)
	}
}

func (p *PgPoster) post(ctx context.Context, posting Posting) error {
	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO journal_postings (posting_key, loan_id, transaction_id, revision, tx_type, value_date, reversal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (posting_key) DO NOTHING
	`, posting.Key, string(posting.LoanID), int64(posting.TransactionID), posting.Revision,
		string(posting.Type), posting.Date.Time, posting.Reversal, posting.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// already journaled
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range posting.Lines {
		batch.Queue(`INSERT INTO journal_lines (id, posting_key, role, side, amount) VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), posting.Key, string(l.Role), string(l.Side), l.Amount.String())
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
