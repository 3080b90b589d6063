/*
store.go - Repository interfaces for the settlement core

PURPOSE:
  Defines the boundary between the engines and persistence. Engines never
  reach into a database directly; they receive a Store, and every multi-row
  write happens inside TxStore.WithTx so that a partially applied remittance
  is never observable.

KEY INTERFACES:
  ContractStore:   read access to collaborator-owned contracts
  LedgerStore:     schedules, remittances and postings
  EventStore:      the payment event outbox
  CommissionStore: schemes, commissions and the event de-dup ledger
  TxStore:         all of the above plus an atomic unit of work

MISSING RECORDS:
  Get* methods return (nil, nil) when the record does not exist. Callers
  translate that into a NotFoundError where it matters.

ORDERING:
  LoadSchedules returns rows ordered by (InstallmentNumber, Seq).
  UnprocessedEvents returns rows ordered by Seq (creation order).
  Stores assign Seq on insert; callers leave it zero.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: durable SQLite store
  - settlement/store/memory.go: in-memory store for tests and demos

SEE ALSO:
  - allocation.go: the only writer of postings and payment events
  - commission/verification.go: the only consumer of payment events
*/
package settlement

import (
	"context"
	"time"
)

// =============================================================================
// CONTRACTS - collaborator data
// =============================================================================

type ContractStore interface {
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	SaveContract(ctx context.Context, c Contract) error

	// CountSalesByAdvisor counts contracts signed by an advisor in [from, to].
	CountSalesByAdvisor(ctx context.Context, advisorID EmployeeID, from, to time.Time) (int, error)
}

// =============================================================================
// LEDGER - schedules, remittances, postings
// =============================================================================

type LedgerStore interface {
	// LoadSchedules returns schedules with InstallmentNumber >= fromInstallment
	// ordered by (InstallmentNumber, Seq).
	LoadSchedules(ctx context.Context, contractID ContractID, fromInstallment int) ([]InstallmentSchedule, error)
	GetSchedule(ctx context.Context, id ScheduleID) (*InstallmentSchedule, error)

	// SaveSchedules inserts new schedules. Returns ErrDuplicateSchedule when an
	// installment number already exists for the contract.
	SaveSchedules(ctx context.Context, schedules []InstallmentSchedule) error
	UpdateSchedule(ctx context.Context, s InstallmentSchedule) error

	// DeleteSchedules removes a contract's schedules. Only valid while no
	// payments reference them.
	DeleteSchedules(ctx context.Context, contractID ContractID) error

	AppendTransaction(ctx context.Context, t PaymentTransaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*PaymentTransaction, error)

	AppendPayment(ctx context.Context, p Payment) error
	PaymentsByTransaction(ctx context.Context, id TransactionID) ([]Payment, error)
	PaymentsByContract(ctx context.Context, contractID ContractID) ([]Payment, error)
}

// =============================================================================
// EVENTS - payment event outbox
// =============================================================================

type EventStore interface {
	AppendEvent(ctx context.Context, e PaymentEvent) error
	GetEvent(ctx context.Context, id EventID) (*PaymentEvent, error)

	// UnprocessedEvents returns up to limit unprocessed events in Seq order.
	// A limit <= 0 means no limit.
	UnprocessedEvents(ctx context.Context, limit int) ([]PaymentEvent, error)

	// UpdateEvent persists processing bookkeeping only.
	UpdateEvent(ctx context.Context, e PaymentEvent) error

	// FailedEvents returns events given up on, for operator review.
	FailedEvents(ctx context.Context) ([]PaymentEvent, error)
}

// =============================================================================
// COMMISSIONS - configuration, grants, verification de-dup
// =============================================================================

type CommissionStore interface {
	// SaveScheme inserts or replaces a scheme with its rules. Zero scheme and
	// rule IDs are assigned by the store; the stored scheme is returned.
	SaveScheme(ctx context.Context, s CommissionScheme) (CommissionScheme, error)
	ListSchemes(ctx context.Context) ([]CommissionScheme, error)

	// SaveCommission inserts a grant. Returns ErrCommissionExists when the
	// (contract, employee) pair already has one.
	SaveCommission(ctx context.Context, c Commission) error
	UpdateCommission(ctx context.Context, c Commission) error
	GetCommission(ctx context.Context, id CommissionID) (*Commission, error)
	CommissionsByContract(ctx context.Context, contractID ContractID) ([]Commission, error)

	// RecordApplication marks an event as applied to a commission. Returns
	// ErrAlreadyApplied if the pair exists.
	RecordApplication(ctx context.Context, commissionID CommissionID, eventID EventID, at time.Time) error
	HasApplication(ctx context.Context, commissionID CommissionID, eventID EventID) (bool, error)
}

// =============================================================================
// STORE / TXSTORE
// =============================================================================

type Store interface {
	ContractStore
	LedgerStore
	EventStore
	CommissionStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
