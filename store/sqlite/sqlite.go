/*
Package sqlite provides a SQLite-backed implementation of the loan storage
interfaces.

PURPOSE:
  Implements Store, TxStore, LockStore and AuditLog using SQLite, plus the
  product catalog and COB run history used by the HTTP layer. In production
  the same layout applies to PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  loan.Store:     Aggregate persistence with optimistic version check
  loan.TxStore:   All-or-nothing replay commits
  loan.LockStore: Persisted COB locks
  loan.AuditLog:  Audit queries

AGGREGATE LAYOUT:
  A loan is split across tables and reassembled on load:
  - loans:                      Header, product snapshot, version
  - loan_installments:          Base and current schedule, one row per
                                installment and kind
  - loan_transactions:          One row per transaction, latest revision
  - loan_transaction_relations: Chargeback links
  - loan_charges:               Fees and penalties

  Transactions are never deleted. A replay overwrites the derived columns
  (portions, mappings, revision) of the rows it revised.

KEY TABLES:
  loan_locks: At most one row per loan (primary key)
  audit_log:  Append-only
  products:   Product catalog, JSON config
  cob_runs:   Catch-up run reports

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  duration of the database transaction.

USAGE:
  store, err := sqlite.New("./data/loans.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - loan/store.go: Interface definitions
  - loan/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/loan-engine/loan"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		external_id TEXT,
		product_json TEXT NOT NULL,
		terms_json TEXT NOT NULL,
		status TEXT NOT NULL,
		replay_state TEXT NOT NULL,
		fault_reason TEXT NOT NULL DEFAULT '',
		overpayment TEXT NOT NULL,
		last_closed_business_date TEXT,
		next_seq INTEGER NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- For COB catch-up scans
	CREATE INDEX IF NOT EXISTS idx_loans_last_closed
		ON loans(last_closed_business_date);

	-- kind is 'base' for the generated schedule, 'current' for the replayed one
	CREATE TABLE IF NOT EXISTS loan_installments (
		loan_id TEXT NOT NULL REFERENCES loans(id),
		kind TEXT NOT NULL,
		number INTEGER NOT NULL,
		from_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		original_principal TEXT NOT NULL,
		principal_due TEXT NOT NULL,
		principal_paid TEXT NOT NULL,
		principal_waived TEXT NOT NULL,
		principal_outstanding TEXT NOT NULL,
		interest_due TEXT NOT NULL,
		interest_paid TEXT NOT NULL,
		interest_waived TEXT NOT NULL,
		interest_outstanding TEXT NOT NULL,
		fee_due TEXT NOT NULL,
		fee_paid TEXT NOT NULL,
		fee_waived TEXT NOT NULL,
		fee_outstanding TEXT NOT NULL,
		penalty_due TEXT NOT NULL,
		penalty_paid TEXT NOT NULL,
		penalty_waived TEXT NOT NULL,
		penalty_outstanding TEXT NOT NULL,
		credited_principal TEXT NOT NULL,
		credited_fee TEXT NOT NULL,
		credited_penalty TEXT NOT NULL,
		additional INTEGER NOT NULL DEFAULT 0,
		down_payment INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		obligations_met_on TEXT,
		PRIMARY KEY (loan_id, kind, number)
	);

	CREATE TABLE IF NOT EXISTS loan_transactions (
		loan_id TEXT NOT NULL REFERENCES loans(id),
		id INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		submitted_on TEXT NOT NULL,
		tx_date TEXT NOT NULL,
		external_id TEXT,
		charge_id INTEGER NOT NULL DEFAULT 0,
		reversed INTEGER NOT NULL DEFAULT 0,
		reversed_on TEXT,
		principal_portion TEXT NOT NULL,
		interest_portion TEXT NOT NULL,
		fee_portion TEXT NOT NULL,
		penalty_portion TEXT NOT NULL,
		overpayment_portion TEXT NOT NULL,
		mappings_json TEXT,
		revision INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (loan_id, id)
	);

	-- External ids are unique per loan
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_external_id
		ON loan_transactions(loan_id, external_id) WHERE external_id IS NOT NULL;

	-- Replay order
	CREATE INDEX IF NOT EXISTS idx_transactions_loan_date
		ON loan_transactions(loan_id, tx_date, id);

	CREATE TABLE IF NOT EXISTS loan_transaction_relations (
		loan_id TEXT NOT NULL,
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		relation_type TEXT NOT NULL,
		PRIMARY KEY (loan_id, from_id, to_id, relation_type),
		FOREIGN KEY (loan_id, from_id) REFERENCES loan_transactions(loan_id, id)
	);

	CREATE TABLE IF NOT EXISTS loan_charges (
		loan_id TEXT NOT NULL REFERENCES loans(id),
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		submitted_on TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		installment INTEGER NOT NULL DEFAULT 0,
		waived TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (loan_id, id)
	);

	CREATE TABLE IF NOT EXISTS loan_locks (
		loan_id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		reason TEXT,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_loan
		ON audit_log(loan_id, timestamp);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		currency TEXT NOT NULL,
		config_json TEXT NOT NULL,
		version INTEGER DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cob_runs (
		id TEXT PRIMARY KEY,
		cob_date TEXT NOT NULL,
		days_closed INTEGER NOT NULL DEFAULT 0,
		advanced_json TEXT,
		halted_json TEXT,
		failed_json TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LOAN STORE (loan.Store interface)
// =============================================================================

func (s *Store) CreateLoan(ctx context.Context, l *loan.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error { return createLoan(ctx, q, l) })
}

func (s *Store) LoadLoan(ctx context.Context, id loan.LoanID) (*loan.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadLoan(ctx, s.db, id)
}

func (s *Store) SaveLoan(ctx context.Context, l *loan.Loan, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q querier) error { return saveLoan(ctx, q, l, expectedVersion) })
}

func (s *Store) ListLoans(ctx context.Context) ([]loan.LoanRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLoans(ctx, s.db, "SELECT id, status, replay_state, last_closed_business_date FROM loans ORDER BY id")
}

func (s *Store) LoansBehind(ctx context.Context, cob loan.Date) ([]loan.LoanID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loansBehind(ctx, s.db, cob)
}

func (s *Store) AppendAudit(ctx context.Context, entry loan.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entry)
}

// inTx runs fn in a database transaction. Callers hold s.mu.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func createLoan(ctx context.Context, q querier, l *loan.Loan) error {
	productJSON, err := json.Marshal(l.Product)
	if err != nil {
		return fmt.Errorf("encode product: %w", err)
	}
	termsJSON, err := json.Marshal(l.Terms)
	if err != nil {
		return fmt.Errorf("encode terms: %w", err)
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	l.Version = 1

	_, err = q.ExecContext(ctx, `
		INSERT INTO loans
		(id, external_id, product_json, terms_json, status, replay_state, fault_reason,
		 overpayment, last_closed_business_date, next_seq, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, nullString(l.ExternalID), string(productJSON), string(termsJSON),
		l.Status, l.ReplayState, l.FaultReason, l.Overpayment.Value,
		nullDate(l.LastClosedBusinessDate), l.NextSeq, l.Version,
		l.CreatedAt.Format(time.RFC3339Nano), l.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return loan.Invalid("id", "loan %s already exists", l.ID)
		}
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return writeChildren(ctx, q, l, true)
}

func saveLoan(ctx context.Context, q querier, l *loan.Loan, expectedVersion int64) error {
	productJSON, err := json.Marshal(l.Product)
	if err != nil {
		return fmt.Errorf("encode product: %w", err)
	}
	termsJSON, err := json.Marshal(l.Terms)
	if err != nil {
		return fmt.Errorf("encode terms: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE loans SET
			external_id = ?, product_json = ?, terms_json = ?, status = ?, replay_state = ?,
			fault_reason = ?, overpayment = ?, last_closed_business_date = ?, next_seq = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		nullString(l.ExternalID), string(productJSON), string(termsJSON), l.Status, l.ReplayState,
		l.FaultReason, l.Overpayment.Value, nullDate(l.LastClosedBusinessDate), l.NextSeq,
		expectedVersion+1, time.Now().UTC().Format(time.RFC3339Nano),
		l.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var version int64
		err := q.QueryRowContext(ctx, "SELECT version FROM loans WHERE id = ?", l.ID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("loan %s: %w", l.ID, loan.ErrLoanNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("loan %s at version %d, expected %d: %w",
			l.ID, version, expectedVersion, loan.ErrConcurrentModification)
	}
	l.Version = expectedVersion + 1
	return writeChildren(ctx, q, l, false)
}

// writeChildren writes schedules, transactions, relations and charges. The
// base schedule is only written on create.
func writeChildren(ctx context.Context, q querier, l *loan.Loan, withBase bool) error {
	if withBase {
		if err := writeSchedule(ctx, q, l.ID, "base", l.BaseSchedule); err != nil {
			return err
		}
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM loan_installments WHERE loan_id = ? AND kind = 'current'", l.ID); err != nil {
		return fmt.Errorf("failed to clear schedule: %w", err)
	}
	if err := writeSchedule(ctx, q, l.ID, "current", l.Schedule); err != nil {
		return err
	}
	for i := range l.Transactions {
		if err := upsertTransaction(ctx, q, &l.Transactions[i]); err != nil {
			return err
		}
	}
	for i := range l.Charges {
		if err := upsertCharge(ctx, q, &l.Charges[i]); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func writeSchedule(ctx context.Context, q querier, loanID loan.LoanID, kind string, schedule loan.Schedule) error {
	for _, inst := range schedule {
		_, err := q.ExecContext(ctx, `
			INSERT INTO loan_installments
			(loan_id, kind, number, from_date, due_date, original_principal,
			 principal_due, principal_paid, principal_waived, principal_outstanding,
			 interest_due, interest_paid, interest_waived, interest_outstanding,
			 fee_due, fee_paid, fee_waived, fee_outstanding,
			 penalty_due, penalty_paid, penalty_waived, penalty_outstanding,
			 credited_principal, credited_fee, credited_penalty,
			 additional, down_payment, completed, obligations_met_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			loanID, kind, inst.Number, inst.FromDate, inst.DueDate, inst.OriginalPrincipal.Value,
			inst.Principal.Due.Value, inst.Principal.Paid.Value, inst.Principal.Waived.Value, inst.Principal.Outstanding.Value,
			inst.Interest.Due.Value, inst.Interest.Paid.Value, inst.Interest.Waived.Value, inst.Interest.Outstanding.Value,
			inst.Fee.Due.Value, inst.Fee.Paid.Value, inst.Fee.Waived.Value, inst.Fee.Outstanding.Value,
			inst.Penalty.Due.Value, inst.Penalty.Paid.Value, inst.Penalty.Waived.Value, inst.Penalty.Outstanding.Value,
			inst.CreditedPrincipal.Value, inst.CreditedFee.Value, inst.CreditedPenalty.Value,
			inst.Additional, inst.DownPayment, inst.Completed, nullDate(inst.ObligationsMetOn),
		)
		if err != nil {
			return fmt.Errorf("failed to insert installment %d: %w", inst.Number, err)
		}
	}
	return nil
}

func loadSchedule(ctx context.Context, q querier, loanID loan.LoanID, kind string) (loan.Schedule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT number, from_date, due_date, original_principal,
			principal_due, principal_paid, principal_waived, principal_outstanding,
			interest_due, interest_paid, interest_waived, interest_outstanding,
			fee_due, fee_paid, fee_waived, fee_outstanding,
			penalty_due, penalty_paid, penalty_waived, penalty_outstanding,
			credited_principal, credited_fee, credited_penalty,
			additional, down_payment, completed, obligations_met_on
		FROM loan_installments
		WHERE loan_id = ? AND kind = ?
		ORDER BY number ASC
	`, loanID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var schedule loan.Schedule
	for rows.Next() {
		var (
			inst  loan.Installment
			metOn sql.NullString
		)
		err := rows.Scan(
			&inst.Number, &inst.FromDate, &inst.DueDate, &inst.OriginalPrincipal.Value,
			&inst.Principal.Due.Value, &inst.Principal.Paid.Value, &inst.Principal.Waived.Value, &inst.Principal.Outstanding.Value,
			&inst.Interest.Due.Value, &inst.Interest.Paid.Value, &inst.Interest.Waived.Value, &inst.Interest.Outstanding.Value,
			&inst.Fee.Due.Value, &inst.Fee.Paid.Value, &inst.Fee.Waived.Value, &inst.Fee.Outstanding.Value,
			&inst.Penalty.Due.Value, &inst.Penalty.Paid.Value, &inst.Penalty.Waived.Value, &inst.Penalty.Outstanding.Value,
			&inst.CreditedPrincipal.Value, &inst.CreditedFee.Value, &inst.CreditedPenalty.Value,
			&inst.Additional, &inst.DownPayment, &inst.Completed, &metOn,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		inst.ObligationsMetOn = parseNullDate(metOn)
		schedule = append(schedule, &inst)
	}
	return schedule, rows.Err()
}

// =============================================================================
// TRANSACTIONS AND CHARGES
// =============================================================================

func upsertTransaction(ctx context.Context, q querier, tx *loan.Transaction) error {
	var mappingsJSON sql.NullString
	if len(tx.Mappings) > 0 {
		b, err := json.Marshal(tx.Mappings)
		if err != nil {
			return fmt.Errorf("encode mappings: %w", err)
		}
		mappingsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO loan_transactions
		(loan_id, id, tx_type, amount, submitted_on, tx_date, external_id, charge_id,
		 reversed, reversed_on, principal_portion, interest_portion, fee_portion,
		 penalty_portion, overpayment_portion, mappings_json, revision, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(loan_id, id) DO UPDATE SET
			reversed = excluded.reversed,
			reversed_on = excluded.reversed_on,
			principal_portion = excluded.principal_portion,
			interest_portion = excluded.interest_portion,
			fee_portion = excluded.fee_portion,
			penalty_portion = excluded.penalty_portion,
			overpayment_portion = excluded.overpayment_portion,
			mappings_json = excluded.mappings_json,
			revision = excluded.revision
	`,
		tx.LoanID, tx.ID, tx.Type, tx.Amount.Value, tx.SubmittedOn, tx.Date,
		nullString(tx.ExternalID), tx.ChargeID, tx.Reversed, nullDate(tx.ReversedOn),
		tx.Portions.Principal.Value, tx.Portions.Interest.Value, tx.Portions.Fee.Value,
		tx.Portions.Penalty.Value, tx.Portions.Overpayment.Value, mappingsJSON, tx.Revision,
		tx.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &loan.ValidationError{Field: "external_id", Message: tx.ExternalID, Err: loan.ErrDuplicateExternalID}
		}
		return fmt.Errorf("failed to write transaction %d: %w", tx.ID, err)
	}

	for _, r := range tx.Relations {
		_, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO loan_transaction_relations (loan_id, from_id, to_id, relation_type)
			VALUES (?, ?, ?, ?)
		`, tx.LoanID, tx.ID, r.ToID, r.Type)
		if err != nil {
			return fmt.Errorf("failed to write relation of %d: %w", tx.ID, err)
		}
	}
	return nil
}

func loadTransactions(ctx context.Context, q querier, loanID loan.LoanID) ([]loan.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tx_type, amount, submitted_on, tx_date, external_id, charge_id,
			reversed, reversed_on, principal_portion, interest_portion, fee_portion,
			penalty_portion, overpayment_portion, mappings_json, revision, created_at
		FROM loan_transactions
		WHERE loan_id = ?
		ORDER BY id ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []loan.Transaction
	for rows.Next() {
		var (
			tx           loan.Transaction
			externalID   sql.NullString
			reversedOn   sql.NullString
			mappingsJSON sql.NullString
			createdAt    string
		)
		err := rows.Scan(
			&tx.ID, &tx.Type, &tx.Amount.Value, &tx.SubmittedOn, &tx.Date, &externalID, &tx.ChargeID,
			&tx.Reversed, &reversedOn, &tx.Portions.Principal.Value, &tx.Portions.Interest.Value,
			&tx.Portions.Fee.Value, &tx.Portions.Penalty.Value, &tx.Portions.Overpayment.Value,
			&mappingsJSON, &tx.Revision, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.LoanID = loanID
		tx.ExternalID = externalID.String
		tx.ReversedOn = parseNullDate(reversedOn)
		tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if mappingsJSON.Valid && mappingsJSON.String != "" {
			if err := json.Unmarshal([]byte(mappingsJSON.String), &tx.Mappings); err != nil {
				return nil, fmt.Errorf("decode mappings of %d: %w", tx.ID, err)
			}
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	relations, err := loadRelations(ctx, q, loanID)
	if err != nil {
		return nil, err
	}
	for i := range txs {
		txs[i].Relations = relations[txs[i].ID]
	}
	return txs, nil
}

func loadRelations(ctx context.Context, q querier, loanID loan.LoanID) (map[loan.TransactionID][]loan.Relation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT from_id, to_id, relation_type FROM loan_transaction_relations
		WHERE loan_id = ? ORDER BY from_id, to_id
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	out := make(map[loan.TransactionID][]loan.Relation)
	for rows.Next() {
		var (
			from loan.TransactionID
			r    loan.Relation
		)
		if err := rows.Scan(&from, &r.ToID, &r.Type); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		out[from] = append(out[from], r)
	}
	return out, rows.Err()
}

func upsertCharge(ctx context.Context, q querier, c *loan.Charge) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO loan_charges
		(loan_id, id, name, kind, amount, due_date, submitted_on, active, installment, waived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(loan_id, id) DO UPDATE SET
			active = excluded.active,
			installment = excluded.installment,
			waived = excluded.waived
	`,
		c.LoanID, c.ID, c.Name, c.Kind, c.Amount.Value, c.DueDate, c.SubmittedOn,
		c.Active, c.Installment, c.Waived.Value, c.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to write charge %d: %w", c.ID, err)
	}
	return nil
}

func loadCharges(ctx context.Context, q querier, loanID loan.LoanID) ([]loan.Charge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, kind, amount, due_date, submitted_on, active, installment, waived, created_at
		FROM loan_charges
		WHERE loan_id = ?
		ORDER BY id ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []loan.Charge
	for rows.Next() {
		var (
			c         loan.Charge
			createdAt string
		)
		err := rows.Scan(&c.ID, &c.Name, &c.Kind, &c.Amount.Value, &c.DueDate, &c.SubmittedOn,
			&c.Active, &c.Installment, &c.Waived.Value, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		c.LoanID = loanID
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// =============================================================================
// LOAD
// =============================================================================

func loadLoan(ctx context.Context, q querier, id loan.LoanID) (*loan.Loan, error) {
	var (
		l           loan.Loan
		externalID  sql.NullString
		productJSON string
		termsJSON   string
		lastClosed  sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, external_id, product_json, terms_json, status, replay_state, fault_reason,
			overpayment, last_closed_business_date, next_seq, version, created_at, updated_at
		FROM loans WHERE id = ?
	`, id).Scan(
		&l.ID, &externalID, &productJSON, &termsJSON, &l.Status, &l.ReplayState, &l.FaultReason,
		&l.Overpayment.Value, &lastClosed, &l.NextSeq, &l.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loan %s: %w", id, loan.ErrLoanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan: %w", err)
	}
	if err := json.Unmarshal([]byte(productJSON), &l.Product); err != nil {
		return nil, fmt.Errorf("decode product of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(termsJSON), &l.Terms); err != nil {
		return nil, fmt.Errorf("decode terms of %s: %w", id, err)
	}
	l.ExternalID = externalID.String
	l.LastClosedBusinessDate = parseNullDate(lastClosed)
	l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	l.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	if l.BaseSchedule, err = loadSchedule(ctx, q, id, "base"); err != nil {
		return nil, err
	}
	if l.Schedule, err = loadSchedule(ctx, q, id, "current"); err != nil {
		return nil, err
	}
	if l.Transactions, err = loadTransactions(ctx, q, id); err != nil {
		return nil, err
	}
	if l.Charges, err = loadCharges(ctx, q, id); err != nil {
		return nil, err
	}
	return &l, nil
}

func listLoans(ctx context.Context, q querier, query string, args ...any) ([]loan.LoanRef, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var refs []loan.LoanRef
	for rows.Next() {
		var (
			r          loan.LoanRef
			lastClosed sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Status, &r.ReplayState, &lastClosed); err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		r.LastClosedBusinessDate = parseNullDate(lastClosed)
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func loansBehind(ctx context.Context, q querier, cob loan.Date) ([]loan.LoanID, error) {
	refs, err := listLoans(ctx, q, `
		SELECT id, status, replay_state, last_closed_business_date FROM loans
		WHERE replay_state != ?
		  AND (last_closed_business_date IS NULL OR last_closed_business_date < ?)
		ORDER BY id
	`, loan.ReplayFaulted, cob)
	if err != nil {
		return nil, err
	}
	ids := make([]loan.LoanID, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	return ids, nil
}

// =============================================================================
// TRANSACTIONAL STORE (loan.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store loan.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(q querier) error {
		return fn(&txStore{q: q})
	})
}

type txStore struct {
	q querier
}

func (ts *txStore) CreateLoan(ctx context.Context, l *loan.Loan) error {
	return createLoan(ctx, ts.q, l)
}

func (ts *txStore) LoadLoan(ctx context.Context, id loan.LoanID) (*loan.Loan, error) {
	return loadLoan(ctx, ts.q, id)
}

func (ts *txStore) SaveLoan(ctx context.Context, l *loan.Loan, expectedVersion int64) error {
	return saveLoan(ctx, ts.q, l, expectedVersion)
}

func (ts *txStore) ListLoans(ctx context.Context) ([]loan.LoanRef, error) {
	return listLoans(ctx, ts.q, "SELECT id, status, replay_state, last_closed_business_date FROM loans ORDER BY id")
}

func (ts *txStore) LoansBehind(ctx context.Context, cob loan.Date) ([]loan.LoanID, error) {
	return loansBehind(ctx, ts.q, cob)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry loan.AuditEntry) error {
	return appendAudit(ctx, ts.q, entry)
}

// =============================================================================
// LOCK STORE (loan.LockStore interface)
// =============================================================================

func (s *Store) GetLock(ctx context.Context, loanID loan.LoanID) (*loan.LoanLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLock(ctx, s.db, loanID)
}

func getLock(ctx context.Context, q querier, loanID loan.LoanID) (*loan.LoanLock, error) {
	var (
		lock       loan.LoanLock
		reason     sql.NullString
		acquiredAt string
	)
	err := q.QueryRowContext(ctx,
		"SELECT loan_id, stage, reason, owner, acquired_at FROM loan_locks WHERE loan_id = ?",
		loanID,
	).Scan(&lock.LoanID, &lock.Stage, &reason, &lock.Owner, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}
	lock.Reason = reason.String
	lock.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
	return &lock, nil
}

func (s *Store) PlaceLock(ctx context.Context, lock loan.LoanLock) (loan.LoanLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, err := getLock(ctx, s.db, lock.LoanID)
	if err != nil {
		return lock, err
	}
	if held != nil {
		if held.Stage == lock.Stage {
			return *held, nil
		}
		return *held, &loan.LockConflictError{LoanID: lock.LoanID, Held: held.Stage, Requested: lock.Stage}
	}
	if lock.AcquiredAt.IsZero() {
		lock.AcquiredAt = time.Now().UTC()
	}
	if lock.Owner == "" {
		lock.Owner = uuid.NewString()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loan_locks (loan_id, stage, reason, owner, acquired_at)
		VALUES (?, ?, ?, ?, ?)
	`, lock.LoanID, lock.Stage, nullString(lock.Reason), lock.Owner, lock.AcquiredAt.Format(time.RFC3339Nano))
	if err != nil {
		return lock, fmt.Errorf("failed to place lock: %w", err)
	}
	return lock, nil
}

func (s *Store) ReleaseLock(ctx context.Context, loanID loan.LoanID, stage loan.LockStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, err := getLock(ctx, s.db, loanID)
	if err != nil || held == nil {
		return err
	}
	if held.Stage != stage {
		return &loan.LockConflictError{LoanID: loanID, Held: held.Stage, Requested: stage}
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM loan_locks WHERE loan_id = ?", loanID)
	return err
}

func (s *Store) ListLocks(ctx context.Context) ([]loan.LoanLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT loan_id, stage, reason, owner, acquired_at FROM loan_locks ORDER BY loan_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	locks := []loan.LoanLock{}
	for rows.Next() {
		var (
			lock       loan.LoanLock
			reason     sql.NullString
			acquiredAt string
		)
		if err := rows.Scan(&lock.LoanID, &lock.Stage, &reason, &lock.Owner, &acquiredAt); err != nil {
			return nil, err
		}
		lock.Reason = reason.String
		lock.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

// =============================================================================
// AUDIT LOG (loan.AuditLog interface)
// =============================================================================

func appendAudit(ctx context.Context, q querier, e loan.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, loan_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.Format(time.RFC3339Nano), e.ActorID, e.Action, e.LoanID, payload)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, filter loan.AuditFilter) ([]loan.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.LoanID != nil {
		where = append(where, "loan_id = ?")
		args = append(args, *filter.LoanID)
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT id, timestamp, actor_id, action, loan_id, payload_json FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []loan.AuditEntry
	for rows.Next() {
		var (
			e         loan.AuditEntry
			timestamp string
			payload   sql.NullString
		)
		if err := rows.Scan(&e.ID, &timestamp, &e.ActorID, &e.Action, &e.LoanID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		if payload.Valid && payload.String != "" {
			json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PRODUCT STORE
// =============================================================================

// SaveProduct inserts or replaces a product. Replacing bumps its version.
func (s *Store) SaveProduct(ctx context.Context, p loan.Product) (loan.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM products WHERE id = ?", p.ID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("failed to read product: %w", err)
	}
	p.Version = current + 1

	config, err := json.Marshal(p)
	if err != nil {
		return p, fmt.Errorf("encode product: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, currency, config_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			config_json = excluded.config_json,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, p.Currency.Code, string(config), p.Version, now, now)
	if err != nil {
		return p, fmt.Errorf("failed to save product: %w", err)
	}
	return p, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*loan.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var config string
	err := s.db.QueryRowContext(ctx, "SELECT config_json FROM products WHERE id = ?", id).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, loan.ErrProductNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read product: %w", err)
	}
	var p loan.Product
	if err := json.Unmarshal([]byte(config), &p); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]loan.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT config_json FROM products ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := []loan.Product{}
	for rows.Next() {
		var config string
		if err := rows.Scan(&config); err != nil {
			return nil, err
		}
		var p loan.Product
		if err := json.Unmarshal([]byte(config), &p); err != nil {
			return nil, fmt.Errorf("decode product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// =============================================================================
// COB RUNS STORE
// =============================================================================

// COBRun is the stored report of one catch-up run.
type COBRun struct {
	ID          string                 `json:"id"`
	COBDate     loan.Date              `json:"cob_date"`
	DaysClosed  int                    `json:"days_closed"`
	Advanced    map[loan.LoanID]int    `json:"advanced"`
	Halted      []loan.LoanID          `json:"halted,omitempty"`
	Failed      map[loan.LoanID]string `json:"failed,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

func (s *Store) SaveCOBRun(ctx context.Context, r COBRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	advanced, _ := json.Marshal(r.Advanced)
	halted, _ := json.Marshal(r.Halted)
	failed, _ := json.Marshal(r.Failed)
	var completedAt *string
	if r.CompletedAt != nil {
		v := r.CompletedAt.Format(time.RFC3339Nano)
		completedAt = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cob_runs (id, cob_date, days_closed, advanced_json, halted_json, failed_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			days_closed = excluded.days_closed,
			advanced_json = excluded.advanced_json,
			halted_json = excluded.halted_json,
			failed_json = excluded.failed_json,
			completed_at = excluded.completed_at
	`, r.ID, r.COBDate, r.DaysClosed, string(advanced), string(halted), string(failed),
		r.StartedAt.Format(time.RFC3339Nano), completedAt)
	return err
}

// GetCOBRuns returns the most recent runs first.
func (s *Store) GetCOBRuns(ctx context.Context, limit int) ([]COBRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cob_date, days_closed, advanced_json, halted_json, failed_json, started_at, completed_at
		FROM cob_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []COBRun{}
	for rows.Next() {
		var (
			r                        COBRun
			advanced, halted, failed sql.NullString
			startedAt                string
			completedAt              sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.COBDate, &r.DaysClosed, &advanced, &halted, &failed, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(advanced.String), &r.Advanced)
		json.Unmarshal([]byte(halted.String), &r.Halted)
		json.Unmarshal([]byte(failed.String), &r.Failed)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes all data. Used to load demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"loan_transaction_relations", "loan_transactions", "loan_charges",
		"loan_installments", "loan_locks", "audit_log", "cob_runs", "loans", "products",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to clear %s: %w", t, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *loan.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(s sql.NullString) *loan.Date {
	if !s.Valid {
		return nil
	}
	d, err := loan.ParseDate(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
