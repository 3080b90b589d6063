/*
Package sqlite provides a SQLite-backed implementation of settlement.TxStore.

PURPOSE:
  Durable persistence for contracts, installment schedules, remittances,
  postings, payment events and commission data. The same schema maps onto
  PostgreSQL with minor dialect changes.

APPEND-ONLY TABLES:
  payment_transactions and payments are never updated or deleted.
  payment_events only have their processing columns updated.

KEY TABLES:
  installment_schedules:         ledger rows, UNIQUE(contract_id, installment_number)
  payments:                      postings, FK to transaction and schedule
  payment_events:                outbox; seq gives creation order
  commissions:                   UNIQUE(contract_id, employee_id)
  commission_event_applications: de-dup of (commission, event)

CONCURRENCY:
  The pool is limited to one connection, so every statement and every
  transaction is serialized by database/sql itself. Inside WithTx all reads
  and writes go through the *sql.Tx; the outer Store is never re-entered.

ENCODING:
  Amounts are stored as decimal TEXT, calendar days as YYYY-MM-DD and
  timestamps as fixed-width RFC3339 with nanoseconds, all UTC, so they
  sort as text.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := settlement.NewAllocationEngine(store, nil, logger)

SEE ALSO:
  - settlement/store.go: interface definitions
  - settlement/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/settlement-engine/settlement"
)

// Store implements settlement.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
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

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		advisor_id TEXT NOT NULL,
		sale_type TEXT NOT NULL,
		term_months INTEGER NOT NULL DEFAULT 0,
		sale_amount TEXT NOT NULL,
		signed_at TEXT NOT NULL,
		period_start TEXT,
		period_end TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contracts_advisor_signed
		ON contracts(advisor_id, signed_at);

	-- seq is the creation order used to break installment_number ties
	CREATE TABLE IF NOT EXISTS installment_schedules (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		contract_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		due_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		paid_date TEXT,
		payment_date TEXT,
		payment_method TEXT,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(contract_id, installment_number)
	);

	CREATE TABLE IF NOT EXISTS payment_transactions (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		start_schedule_id TEXT,
		payment_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		reference TEXT,
		notes TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_transactions_contract
		ON payment_transactions(contract_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES payment_transactions(id),
		schedule_id TEXT NOT NULL REFERENCES installment_schedules(id),
		contract_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		reference TEXT,
		payment_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_transaction
		ON payments(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_payments_contract
		ON payments(contract_id);

	CREATE TABLE IF NOT EXISTS payment_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		payment_id TEXT,
		contract_id TEXT NOT NULL,
		installment_type TEXT,
		payload_json TEXT,
		processed INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_retry_at TEXT,
		error_message TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	-- Hot path for the verification pipeline
	CREATE INDEX IF NOT EXISTS idx_payment_events_unprocessed
		ON payment_events(processed, seq);

	CREATE TABLE IF NOT EXISTS commission_schemes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		is_default INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS commission_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scheme_id INTEGER NOT NULL REFERENCES commission_schemes(id) ON DELETE CASCADE,
		min_sales INTEGER NOT NULL DEFAULT 0,
		max_sales INTEGER,
		term_min_months INTEGER,
		term_max_months INTEGER,
		sale_type TEXT NOT NULL,
		percentage TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_commission_rules_scheme
		ON commission_rules(scheme_id);

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		sale_amount TEXT NOT NULL,
		percentage TEXT NOT NULL,
		rule_id INTEGER,
		scheme_id INTEGER,
		payment_dependency_type TEXT NOT NULL,
		payment_verification_status TEXT NOT NULL,
		required_client_payments INTEGER NOT NULL DEFAULT 0,
		client_payments_verified INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_verification_attempt TEXT,
		is_payable INTEGER NOT NULL DEFAULT 0,
		period_start TEXT,
		period_end TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(contract_id, employee_id)
	);

	CREATE TABLE IF NOT EXISTS commission_event_applications (
		commission_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		PRIMARY KEY(commission_id, event_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (settlement.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store settlement.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx, inTx: true}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"commission_event_applications", "commissions", "commission_rules", "commission_schemes",
		"payment_events", "payments", "payment_transactions", "installment_schedules", "contracts",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

var _ settlement.TxStore = (*Store)(nil)

// =============================================================================
// QUERIES - settlement.Store over a *sql.DB or a *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type queries struct {
	q    querier
	inTx bool
}

// atomic runs fn in the current transaction, or in a new one.
func (qs *queries) atomic(ctx context.Context, fn func(q querier) error) error {
	if qs.inTx {
		return fn(qs.q)
	}
	db, ok := qs.q.(*sql.DB)
	if !ok {
		return fn(qs.q)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (qs *queries) GetContract(ctx context.Context, id settlement.ContractID) (*settlement.Contract, error) {
	var (
		c                      settlement.Contract
		saleAmount, signedAt   string
		periodStart, periodEnd sql.NullString
		createdAt              string
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT id, advisor_id, sale_type, term_months, sale_amount, signed_at, period_start, period_end, created_at
		FROM contracts WHERE id = ?`, id,
	).Scan(&c.ID, &c.AdvisorID, &c.SaleType, &c.TermMonths, &saleAmount, &signedAt, &periodStart, &periodEnd, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}

	c.SaleAmount = settlement.MustParseMoney(saleAmount)
	c.SignedAt = parseDate(signedAt)
	c.PeriodStart = parseDate(periodStart.String)
	c.PeriodEnd = parseDate(periodEnd.String)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (qs *queries) SaveContract(ctx context.Context, c settlement.Contract) error {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO contracts (id, advisor_id, sale_type, term_months, sale_amount, signed_at, period_start, period_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			advisor_id = excluded.advisor_id,
			sale_type = excluded.sale_type,
			term_months = excluded.term_months,
			sale_amount = excluded.sale_amount,
			signed_at = excluded.signed_at,
			period_start = excluded.period_start,
			period_end = excluded.period_end`,
		c.ID, c.AdvisorID, c.SaleType, c.TermMonths, c.SaleAmount.String(),
		formatDate(c.SignedAt), nullDate(c.PeriodStart), nullDate(c.PeriodEnd), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

func (qs *queries) CountSalesByAdvisor(ctx context.Context, advisorID settlement.EmployeeID, from, to time.Time) (int, error) {
	var n int
	err := qs.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM contracts WHERE advisor_id = ? AND signed_at >= ? AND signed_at <= ?",
		advisorID, formatDate(from), formatDate(to),
	).Scan(&n)
	return n, err
}

// =============================================================================
// LEDGER
// =============================================================================

const scheduleColumns = `seq, id, contract_id, installment_number, due_date, amount, amount_paid, status,
	paid_date, payment_date, payment_method, notes, created_at, updated_at`

func scanSchedule(row scanner) (settlement.InstallmentSchedule, error) {
	var (
		s                           settlement.InstallmentSchedule
		dueDate, amount, amountPaid string
		paidDate, paymentDate       sql.NullString
		paymentMethod, notes        sql.NullString
		createdAt, updatedAt        string
	)
	err := row.Scan(&s.Seq, &s.ID, &s.ContractID, &s.InstallmentNumber, &dueDate, &amount, &amountPaid, &s.Status,
		&paidDate, &paymentDate, &paymentMethod, &notes, &createdAt, &updatedAt)
	if err != nil {
		return s, err
	}
	s.DueDate = parseDate(dueDate)
	s.Amount = settlement.MustParseMoney(amount)
	s.AmountPaid = settlement.MustParseMoney(amountPaid)
	s.PaidDate = parseNullDate(paidDate)
	s.PaymentDate = parseNullDate(paymentDate)
	s.PaymentMethod = paymentMethod.String
	s.Notes = notes.String
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

func (qs *queries) LoadSchedules(ctx context.Context, contractID settlement.ContractID, fromInstallment int) ([]settlement.InstallmentSchedule, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM installment_schedules
		WHERE contract_id = ? AND installment_number >= ?
		ORDER BY installment_number ASC, seq ASC`, contractID, fromInstallment)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []settlement.InstallmentSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (qs *queries) GetSchedule(ctx context.Context, id settlement.ScheduleID) (*settlement.InstallmentSchedule, error) {
	s, err := scanSchedule(qs.q.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM installment_schedules WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &s, nil
}

func (qs *queries) SaveSchedules(ctx context.Context, schedules []settlement.InstallmentSchedule) error {
	return qs.atomic(ctx, func(q querier) error {
		for _, s := range schedules {
			_, err := q.ExecContext(ctx, `
				INSERT INTO installment_schedules
				(id, contract_id, installment_number, due_date, amount, amount_paid, status,
				 paid_date, payment_date, payment_method, notes, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, s.ContractID, s.InstallmentNumber, formatDate(s.DueDate),
				s.Amount.String(), s.AmountPaid.String(), statusOrPending(s.Status),
				nullDatePtr(s.PaidDate), nullDatePtr(s.PaymentDate),
				nullString(s.PaymentMethod), nullString(s.Notes),
				formatTime(orNow(s.CreatedAt)), formatTime(orNow(s.UpdatedAt)),
			)
			if err != nil {
				if isUniqueConstraintError(err) {
					return fmt.Errorf("%w: contract %s installment %d", settlement.ErrDuplicateSchedule, s.ContractID, s.InstallmentNumber)
				}
				return fmt.Errorf("failed to insert schedule: %w", err)
			}
		}
		return nil
	})
}

func (qs *queries) UpdateSchedule(ctx context.Context, s settlement.InstallmentSchedule) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE installment_schedules SET
			due_date = ?, amount = ?, amount_paid = ?, status = ?,
			paid_date = ?, payment_date = ?, payment_method = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		formatDate(s.DueDate), s.Amount.String(), s.AmountPaid.String(), statusOrPending(s.Status),
		nullDatePtr(s.PaidDate), nullDatePtr(s.PaymentDate), nullString(s.PaymentMethod), nullString(s.Notes),
		formatTime(orNow(s.UpdatedAt)), s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &settlement.NotFoundError{Kind: "schedule", ID: string(s.ID), Err: settlement.ErrScheduleNotFound}
	}
	return nil
}

func (qs *queries) DeleteSchedules(ctx context.Context, contractID settlement.ContractID) error {
	_, err := qs.q.ExecContext(ctx, "DELETE FROM installment_schedules WHERE contract_id = ?", contractID)
	return err
}

func (qs *queries) AppendTransaction(ctx context.Context, t settlement.PaymentTransaction) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO payment_transactions
		(id, contract_id, start_schedule_id, payment_date, amount, method, reference, notes, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ContractID, nullString(string(t.StartScheduleID)), formatDate(t.PaymentDate),
		t.Amount.String(), t.Method, nullString(t.Reference), nullString(t.Notes), nullString(t.CreatedBy),
		formatTime(orNow(t.CreatedAt)),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", settlement.ErrDuplicateTransaction, t.ID)
		}
		return fmt.Errorf("failed to append payment transaction: %w", err)
	}
	return nil
}

func (qs *queries) GetTransaction(ctx context.Context, id settlement.TransactionID) (*settlement.PaymentTransaction, error) {
	var (
		t                              settlement.PaymentTransaction
		startScheduleID, reference     sql.NullString
		notes, createdBy               sql.NullString
		paymentDate, amount, createdAt string
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT id, contract_id, start_schedule_id, payment_date, amount, method, reference, notes, created_by, created_at
		FROM payment_transactions WHERE id = ?`, id,
	).Scan(&t.ID, &t.ContractID, &startScheduleID, &paymentDate, &amount, &t.Method, &reference, &notes, &createdBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment transaction: %w", err)
	}
	t.StartScheduleID = settlement.ScheduleID(startScheduleID.String)
	t.PaymentDate = parseDate(paymentDate)
	t.Amount = settlement.MustParseMoney(amount)
	t.Reference = reference.String
	t.Notes = notes.String
	t.CreatedBy = createdBy.String
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func (qs *queries) AppendPayment(ctx context.Context, p settlement.Payment) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, transaction_id, schedule_id, contract_id, amount, method, reference, payment_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TransactionID, p.ScheduleID, p.ContractID, p.Amount.String(), p.Method,
		nullString(p.Reference), formatDate(p.PaymentDate), formatTime(orNow(p.CreatedAt)),
	)
	if err != nil {
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

func (qs *queries) PaymentsByTransaction(ctx context.Context, id settlement.TransactionID) ([]settlement.Payment, error) {
	return qs.queryPayments(ctx, "WHERE transaction_id = ?", id)
}

func (qs *queries) PaymentsByContract(ctx context.Context, contractID settlement.ContractID) ([]settlement.Payment, error) {
	return qs.queryPayments(ctx, "WHERE contract_id = ?", contractID)
}

func (qs *queries) queryPayments(ctx context.Context, where string, args ...any) ([]settlement.Payment, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, transaction_id, schedule_id, contract_id, amount, method, reference, payment_date, created_at
		FROM payments `+where+` ORDER BY rowid ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []settlement.Payment
	for rows.Next() {
		var (
			p                              settlement.Payment
			amount, paymentDate, createdAt string
			reference                      sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TransactionID, &p.ScheduleID, &p.ContractID, &amount, &p.Method,
			&reference, &paymentDate, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = settlement.MustParseMoney(amount)
		p.Reference = reference.String
		p.PaymentDate = parseDate(paymentDate)
		p.CreatedAt = parseTime(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `seq, id, event_type, payment_id, contract_id, installment_type, payload_json,
	processed, retry_count, last_retry_at, error_message, created_at, processed_at`

func scanEvent(row scanner) (settlement.PaymentEvent, error) {
	var (
		e                                       settlement.PaymentEvent
		paymentID, installmentType, payloadJSON sql.NullString
		lastRetryAt, errorMessage, processedAt  sql.NullString
		createdAt                               string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.Type, &paymentID, &e.ContractID, &installmentType, &payloadJSON,
		&e.Processed, &e.RetryCount, &lastRetryAt, &errorMessage, &createdAt, &processedAt)
	if err != nil {
		return e, err
	}
	e.PaymentID = settlement.PaymentID(paymentID.String)
	e.InstallmentType = installmentType.String
	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &e.Payload); err != nil {
			return e, fmt.Errorf("failed to decode payload of event %s: %w", e.ID, err)
		}
	}
	e.LastRetryAt = parseNullTime(lastRetryAt)
	e.ErrorMessage = errorMessage.String
	e.CreatedAt = parseTime(createdAt)
	e.ProcessedAt = parseNullTime(processedAt)
	return e, nil
}

func (qs *queries) AppendEvent(ctx context.Context, e settlement.PaymentEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO payment_events
		(id, event_type, payment_id, contract_id, installment_type, payload_json,
		 processed, retry_count, last_retry_at, error_message, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, nullString(string(e.PaymentID)), e.ContractID, nullString(e.InstallmentType), string(payload),
		e.Processed, e.RetryCount, nullTime(e.LastRetryAt), nullString(e.ErrorMessage),
		formatTime(orNow(e.CreatedAt)), nullTime(e.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append payment event: %w", err)
	}
	return nil
}

func (qs *queries) GetEvent(ctx context.Context, id settlement.EventID) (*settlement.PaymentEvent, error) {
	e, err := scanEvent(qs.q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM payment_events WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment event: %w", err)
	}
	return &e, nil
}

func (qs *queries) UnprocessedEvents(ctx context.Context, limit int) ([]settlement.PaymentEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	return qs.queryEvents(ctx, "WHERE processed = 0 ORDER BY seq ASC LIMIT ?", limit)
}

func (qs *queries) FailedEvents(ctx context.Context) ([]settlement.PaymentEvent, error) {
	return qs.queryEvents(ctx, "WHERE processed = 1 AND error_message IS NOT NULL AND error_message != '' ORDER BY seq ASC")
}

func (qs *queries) queryEvents(ctx context.Context, tail string, args ...any) ([]settlement.PaymentEvent, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+eventColumns+" FROM payment_events "+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment events: %w", err)
	}
	defer rows.Close()

	var out []settlement.PaymentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (qs *queries) UpdateEvent(ctx context.Context, e settlement.PaymentEvent) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE payment_events SET
			processed = ?, retry_count = ?, last_retry_at = ?, error_message = ?, processed_at = ?
		WHERE id = ?`,
		e.Processed, e.RetryCount, nullTime(e.LastRetryAt), nullString(e.ErrorMessage), nullTime(e.ProcessedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &settlement.NotFoundError{Kind: "payment event", ID: string(e.ID), Err: settlement.ErrEventNotFound}
	}
	return nil
}

// =============================================================================
// COMMISSION SCHEMES
// =============================================================================

func (qs *queries) SaveScheme(ctx context.Context, scheme settlement.CommissionScheme) (settlement.CommissionScheme, error) {
	err := qs.atomic(ctx, func(q querier) error {
		var effectiveTo sql.NullString
		if scheme.EffectiveTo != nil {
			effectiveTo = sql.NullString{String: formatDate(*scheme.EffectiveTo), Valid: true}
		}

		if scheme.ID == 0 {
			res, err := q.ExecContext(ctx,
				"INSERT INTO commission_schemes (name, effective_from, effective_to, is_default) VALUES (?, ?, ?, ?)",
				scheme.Name, formatDate(scheme.EffectiveFrom), effectiveTo, scheme.IsDefault)
			if err != nil {
				return fmt.Errorf("failed to insert scheme: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			scheme.ID = settlement.SchemeID(id)
		} else {
			_, err := q.ExecContext(ctx, `
				INSERT INTO commission_schemes (id, name, effective_from, effective_to, is_default)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					effective_from = excluded.effective_from,
					effective_to = excluded.effective_to,
					is_default = excluded.is_default`,
				scheme.ID, scheme.Name, formatDate(scheme.EffectiveFrom), effectiveTo, scheme.IsDefault)
			if err != nil {
				return fmt.Errorf("failed to upsert scheme: %w", err)
			}
			if _, err := q.ExecContext(ctx, "DELETE FROM commission_rules WHERE scheme_id = ?", scheme.ID); err != nil {
				return fmt.Errorf("failed to clear scheme rules: %w", err)
			}
		}

		rules := make([]settlement.CommissionRule, len(scheme.Rules))
		for i, r := range scheme.Rules {
			r.SchemeID = scheme.ID
			var id any
			if r.ID != 0 {
				id = r.ID
			}
			res, err := q.ExecContext(ctx, `
				INSERT INTO commission_rules
				(id, scheme_id, min_sales, max_sales, term_min_months, term_max_months, sale_type, percentage, priority)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, r.SchemeID, r.MinSales, nullInt(r.MaxSales), nullInt(r.TermMinMonths), nullInt(r.TermMaxMonths),
				r.SaleType, r.Percentage.String(), r.Priority)
			if err != nil {
				return fmt.Errorf("failed to insert rule: %w", err)
			}
			if r.ID == 0 {
				ruleID, err := res.LastInsertId()
				if err != nil {
					return err
				}
				r.ID = settlement.RuleID(ruleID)
			}
			rules[i] = r
		}
		scheme.Rules = rules
		return nil
	})
	if err != nil {
		return settlement.CommissionScheme{}, err
	}
	return scheme, nil
}

func (qs *queries) ListSchemes(ctx context.Context) ([]settlement.CommissionScheme, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT id, name, effective_from, effective_to, is_default FROM commission_schemes ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query schemes: %w", err)
	}

	var schemes []settlement.CommissionScheme
	index := make(map[settlement.SchemeID]int)
	for rows.Next() {
		var (
			s             settlement.CommissionScheme
			effectiveFrom string
			effectiveTo   sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Name, &effectiveFrom, &effectiveTo, &s.IsDefault); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan scheme: %w", err)
		}
		s.EffectiveFrom = parseDate(effectiveFrom)
		s.EffectiveTo = parseNullDate(effectiveTo)
		index[s.ID] = len(schemes)
		schemes = append(schemes, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// The single pooled connection must be released before the next query.
	ruleRows, err := qs.q.QueryContext(ctx, `
		SELECT id, scheme_id, min_sales, max_sales, term_min_months, term_max_months, sale_type, percentage, priority
		FROM commission_rules ORDER BY scheme_id, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer ruleRows.Close()

	for ruleRows.Next() {
		var (
			r                          settlement.CommissionRule
			maxSales, termMin, termMax sql.NullInt64
			percentage                 string
		)
		if err := ruleRows.Scan(&r.ID, &r.SchemeID, &r.MinSales, &maxSales, &termMin, &termMax,
			&r.SaleType, &percentage, &r.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.MaxSales = intPtr(maxSales)
		r.TermMinMonths = intPtr(termMin)
		r.TermMaxMonths = intPtr(termMax)
		r.Percentage = settlement.MustParseMoney(percentage)
		if i, ok := index[r.SchemeID]; ok {
			schemes[i].Rules = append(schemes[i].Rules, r)
		}
	}
	return schemes, ruleRows.Err()
}

// =============================================================================
// COMMISSIONS
// =============================================================================

const commissionColumns = `id, contract_id, employee_id, commission_amount, sale_amount, percentage, rule_id, scheme_id,
	payment_dependency_type, payment_verification_status, required_client_payments, client_payments_verified,
	retry_count, last_verification_attempt, is_payable, period_start, period_end, created_at, updated_at`

func scanCommission(row scanner) (settlement.Commission, error) {
	var (
		c                                   settlement.Commission
		commissionAmount, saleAmount, pct   string
		ruleID, schemeID                    sql.NullInt64
		lastAttempt, periodStart, periodEnd sql.NullString
		createdAt, updatedAt                string
	)
	err := row.Scan(&c.ID, &c.ContractID, &c.EmployeeID, &commissionAmount, &saleAmount, &pct, &ruleID, &schemeID,
		&c.PaymentDependencyType, &c.PaymentVerificationStatus, &c.RequiredClientPayments, &c.ClientPaymentsVerified,
		&c.RetryCount, &lastAttempt, &c.IsPayable, &periodStart, &periodEnd, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}
	c.CommissionAmount = settlement.MustParseMoney(commissionAmount)
	c.SaleAmount = settlement.MustParseMoney(saleAmount)
	c.Percentage = settlement.MustParseMoney(pct)
	if ruleID.Valid {
		id := settlement.RuleID(ruleID.Int64)
		c.RuleID = &id
	}
	if schemeID.Valid {
		id := settlement.SchemeID(schemeID.Int64)
		c.SchemeID = &id
	}
	c.LastVerificationAttempt = parseNullTime(lastAttempt)
	c.PeriodStart = parseDate(periodStart.String)
	c.PeriodEnd = parseDate(periodEnd.String)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

func commissionArgs(c settlement.Commission) []any {
	var ruleID, schemeID sql.NullInt64
	if c.RuleID != nil {
		ruleID = sql.NullInt64{Int64: int64(*c.RuleID), Valid: true}
	}
	if c.SchemeID != nil {
		schemeID = sql.NullInt64{Int64: int64(*c.SchemeID), Valid: true}
	}
	return []any{
		c.ContractID, c.EmployeeID, c.CommissionAmount.String(), c.SaleAmount.String(), c.Percentage.String(),
		ruleID, schemeID, c.PaymentDependencyType, c.PaymentVerificationStatus,
		c.RequiredClientPayments, c.ClientPaymentsVerified, c.RetryCount, nullTime(c.LastVerificationAttempt),
		c.IsPayable, nullDate(c.PeriodStart), nullDate(c.PeriodEnd),
		formatTime(orNow(c.CreatedAt)), formatTime(orNow(c.UpdatedAt)),
	}
}

func (qs *queries) SaveCommission(ctx context.Context, c settlement.Commission) error {
	args := append([]any{c.ID}, commissionArgs(c)...)
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO commissions (`+commissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: contract %s employee %s", settlement.ErrCommissionExists, c.ContractID, c.EmployeeID)
		}
		return fmt.Errorf("failed to save commission: %w", err)
	}
	return nil
}

func (qs *queries) UpdateCommission(ctx context.Context, c settlement.Commission) error {
	args := append(commissionArgs(c), c.ID)
	res, err := qs.q.ExecContext(ctx, `
		UPDATE commissions SET
			contract_id = ?, employee_id = ?, commission_amount = ?, sale_amount = ?, percentage = ?,
			rule_id = ?, scheme_id = ?, payment_dependency_type = ?, payment_verification_status = ?,
			required_client_payments = ?, client_payments_verified = ?, retry_count = ?,
			last_verification_attempt = ?, is_payable = ?, period_start = ?, period_end = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update commission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &settlement.NotFoundError{Kind: "commission", ID: string(c.ID), Err: settlement.ErrCommissionNotFound}
	}
	return nil
}

func (qs *queries) GetCommission(ctx context.Context, id settlement.CommissionID) (*settlement.Commission, error) {
	c, err := scanCommission(qs.q.QueryRowContext(ctx, "SELECT "+commissionColumns+" FROM commissions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commission: %w", err)
	}
	return &c, nil
}

func (qs *queries) CommissionsByContract(ctx context.Context, contractID settlement.ContractID) ([]settlement.Commission, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+commissionColumns+" FROM commissions WHERE contract_id = ? ORDER BY created_at, id", contractID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commissions: %w", err)
	}
	defer rows.Close()

	var out []settlement.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commission: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (qs *queries) RecordApplication(ctx context.Context, commissionID settlement.CommissionID, eventID settlement.EventID, at time.Time) error {
	_, err := qs.q.ExecContext(ctx,
		"INSERT INTO commission_event_applications (commission_id, event_id, applied_at) VALUES (?, ?, ?)",
		commissionID, eventID, formatTime(at))
	if err != nil {
		if isUniqueConstraintError(err) {
			return settlement.ErrAlreadyApplied
		}
		return fmt.Errorf("failed to record application: %w", err)
	}
	return nil
}

func (qs *queries) HasApplication(ctx context.Context, commissionID settlement.CommissionID, eventID settlement.EventID) (bool, error) {
	var count int
	err := qs.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM commission_event_applications WHERE commission_id = ? AND event_id = ?",
		commissionID, eventID,
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func formatDate(t time.Time) string {
	return t.UTC().Format(settlement.DateLayout)
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(t), Valid: true}
}

func nullDatePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullDate(*t)
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(settlement.DateLayout, s)
	return t
}

func parseNullDate(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseDate(s.String)
	return &t
}

// timeLayout keeps trailing zeros, unlike time.RFC3339Nano.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func statusOrPending(s settlement.ScheduleStatus) settlement.ScheduleStatus {
	if s == "" {
		return settlement.SchedulePending
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
