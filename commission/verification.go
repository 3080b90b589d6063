/*
verification.go - Commission Verification Pipeline

PURPOSE:
  Consumes the payment events written by the allocation engine and moves
  payment-dependent commissions towards payable. Runs asynchronously from
  allocation; a slow or failing run never blocks a remittance.

STATE MACHINE (forward only):
  pending_verification ──▶ first_payment_verified ──▶ second_payment_verified
          │                         │                          │
          └─────────────────────────┴──────────────┬───────────┘
                                                   ▼
                                  fully_verified (terminal, payable)

  Any non-terminal state ──▶ verification_failed (terminal) when an event
  exhausts its retries.

COUNTING:
  Only client_payment_received events whose payment date lies inside the
  commission's [PeriodStart, PeriodEnd] window count. installment_paid is
  consumed without counting. commission_verification_requested re-evaluates
  the status from the current count. Each (commission, event) pair is
  applied at most once.

ORDERING:
  Events are read in creation order and grouped by contract. Contracts run
  in parallel; events of one contract run strictly in order. When an event
  fails and still has retries left, the rest of that contract's events wait
  for the next run.

FAILURE:
  RetryCount, LastRetryAt and ErrorMessage are recorded on the event. A
  failed event is not attempted again until RetryDelay(RetryCount) has
  passed since LastRetryAt; until then it and the rest of its contract are
  deferred. The delay doubles per attempt from RetryBackoff, capped at
  MaxRetryBackoff. At MaxRetries the event is closed with a "fatal:"
  message and the contract's open commissions move to verification_failed.

SEE ALSO:
  - settlement/allocation.go: event producer
  - api/scheduler.go: runs ProcessPending on a cron schedule
*/
package commission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/settlement-engine/settlement"
)

const (
	DefaultMaxRetries = 3
	DefaultBatchSize  = 500
	DefaultWorkers    = 4

	DefaultRetryBackoff = 10 * time.Second
	MaxRetryBackoff     = 10 * time.Minute
)

// RunSummary reports what one ProcessPending call did.
type RunSummary struct {
	Events    int // unprocessed events read
	Processed int // events consumed successfully
	Applied   int // commission updates made
	Retried   int // events that failed and will be retried
	Fatal     int // events given up on
	Deferred  int // events left for the next run behind a failed one
}

func (s *RunSummary) add(o RunSummary) {
	s.Processed += o.Processed
	s.Applied += o.Applied
	s.Retried += o.Retried
	s.Fatal += o.Fatal
	s.Deferred += o.Deferred
}

type Pipeline struct {
	Store      settlement.TxStore
	MaxRetries int
	BatchSize  int
	Workers    int
	// RetryBackoff is the wait after the first failure. Zero retries on the
	// next run.
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() string
}

func NewPipeline(store settlement.TxStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Store:        store,
		MaxRetries:   DefaultMaxRetries,
		BatchSize:    DefaultBatchSize,
		Workers:      DefaultWorkers,
		RetryBackoff: DefaultRetryBackoff,
		Logger:       logger.With("component", "verification"),
		Now:          time.Now,
		NewID:        uuid.NewString,
	}
}

// =============================================================================
// PROCESSING
// =============================================================================

// ProcessPending consumes one batch of unprocessed events. The returned
// error is only non-nil when the batch could not be read or ctx ended.
func (p *Pipeline) ProcessPending(ctx context.Context) (RunSummary, error) {
	events, err := p.Store.UnprocessedEvents(ctx, p.BatchSize)
	if err != nil {
		return RunSummary{}, fmt.Errorf("load unprocessed events: %w", err)
	}
	summary := RunSummary{Events: len(events)}
	if len(events) == 0 {
		return summary, nil
	}

	// Group by contract, keeping both contract and event order.
	var order []settlement.ContractID
	byContract := make(map[settlement.ContractID][]settlement.PaymentEvent)
	for _, ev := range events {
		if _, ok := byContract[ev.ContractID]; !ok {
			order = append(order, ev.ContractID)
		}
		byContract[ev.ContractID] = append(byContract[ev.ContractID], ev)
	}

	results := make([]RunSummary, len(order))
	g, gctx := errgroup.WithContext(ctx)
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, contractID := range order {
		i, batch := i, byContract[contractID]
		g.Go(func() error {
			r, err := p.processContract(gctx, batch)
			results[i] = r
			return err
		})
	}
	err = g.Wait()

	for _, r := range results {
		summary.add(r)
	}
	if summary.Processed+summary.Fatal+summary.Retried > 0 {
		p.Logger.Info("verification run finished",
			"events", summary.Events,
			"processed", summary.Processed,
			"applied", summary.Applied,
			"retried", summary.Retried,
			"fatal", summary.Fatal,
			"deferred", summary.Deferred,
		)
	}
	return summary, err
}

func (p *Pipeline) processContract(ctx context.Context, events []settlement.PaymentEvent) (RunSummary, error) {
	var r RunSummary
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			r.Deferred += len(events) - i
			return r, err
		}
		if p.backingOff(ev) {
			r.Deferred += len(events) - i
			return r, nil
		}

		applied, err := p.processEvent(ctx, ev)
		if err == nil {
			r.Processed++
			r.Applied += applied
			continue
		}

		fatal, ferr := p.recordFailure(ctx, ev, err)
		if ferr != nil {
			p.Logger.Error("record verification failure",
				"event_id", ev.ID, "contract_id", ev.ContractID, "error", ferr)
			r.Deferred += len(events) - i
			return r, nil
		}
		if fatal {
			r.Fatal++
			p.Logger.Error("payment event given up",
				"event_id", ev.ID, "contract_id", ev.ContractID, "retries", ev.RetryCount+1, "error", err)
			continue
		}
		r.Retried++
		r.Deferred += len(events) - i - 1
		p.Logger.Warn("payment event failed, will retry",
			"event_id", ev.ID, "contract_id", ev.ContractID, "retries", ev.RetryCount+1, "error", err)
		return r, nil
	}
	return r, nil
}

// RetryDelay returns how long an event that has failed retries times waits
// before its next attempt.
func (p *Pipeline) RetryDelay(retries int) time.Duration {
	if p.RetryBackoff <= 0 || retries <= 0 {
		return 0
	}
	d := p.RetryBackoff
	for n := 1; n < retries && d < MaxRetryBackoff; n++ {
		d *= 2
	}
	if d > MaxRetryBackoff {
		d = MaxRetryBackoff
	}
	return d
}

func (p *Pipeline) backingOff(ev settlement.PaymentEvent) bool {
	if ev.RetryCount == 0 || ev.LastRetryAt == nil {
		return false
	}
	return p.Now().Before(ev.LastRetryAt.Add(p.RetryDelay(ev.RetryCount)))
}

// processEvent applies one event to the contract's commissions and marks it
// processed, in a single unit of work.
func (p *Pipeline) processEvent(ctx context.Context, ev settlement.PaymentEvent) (int, error) {
	applied := 0
	err := p.Store.WithTx(ctx, func(tx settlement.Store) error {
		applied = 0
		current, err := tx.GetEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return &settlement.NotFoundError{Kind: "payment event", ID: string(ev.ID), Err: settlement.ErrEventNotFound}
		}
		if current.Processed {
			return nil
		}

		contract, err := tx.GetContract(ctx, current.ContractID)
		if err != nil {
			return fmt.Errorf("load contract: %w", err)
		}
		if contract == nil {
			return &settlement.NotFoundError{Kind: "contract", ID: string(current.ContractID), Err: settlement.ErrContractNotFound}
		}

		commissions, err := tx.CommissionsByContract(ctx, contract.ID)
		if err != nil {
			return fmt.Errorf("load commissions: %w", err)
		}

		now := p.Now().UTC()
		for _, c := range commissions {
			changed, err := p.apply(ctx, tx, &c, *current, now)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := tx.UpdateCommission(ctx, c); err != nil {
				return fmt.Errorf("update commission %s: %w", c.ID, err)
			}
			applied++
		}

		current.Processed = true
		current.ProcessedAt = &now
		current.ErrorMessage = ""
		return tx.UpdateEvent(ctx, *current)
	})
	return applied, err
}

// apply evaluates one event against one commission. It reports whether the
// commission changed.
func (p *Pipeline) apply(ctx context.Context, tx settlement.Store, c *settlement.Commission, ev settlement.PaymentEvent, now time.Time) (bool, error) {
	if c.PaymentVerificationStatus.Terminal() || c.PaymentDependencyType != settlement.DependencyClientPayments {
		return false, nil
	}

	switch ev.Type {
	case settlement.EventClientPaymentReceived:
		if !c.InWindow(ev.PaymentDate()) {
			return false, nil
		}
		done, err := tx.HasApplication(ctx, c.ID, ev.ID)
		if err != nil {
			return false, err
		}
		if done {
			return false, nil
		}
		if err := tx.RecordApplication(ctx, c.ID, ev.ID, now); err != nil {
			return false, err
		}
		c.ClientPaymentsVerified++
		advance(c)
		c.LastVerificationAttempt = &now
		c.UpdatedAt = now
		return true, nil

	case settlement.EventVerificationRequested:
		before := c.PaymentVerificationStatus
		advance(c)
		c.LastVerificationAttempt = &now
		c.UpdatedAt = now
		if before != c.PaymentVerificationStatus {
			p.Logger.Info("commission re-verified",
				"commission_id", c.ID, "from", before, "to", c.PaymentVerificationStatus)
		}
		return true, nil

	default:
		return false, nil
	}
}

// StatusFor projects a verified-payment count onto the status enum.
// RequiredClientPayments is authoritative for fully_verified.
func StatusFor(verified, required int) settlement.VerificationStatus {
	switch {
	case verified >= required:
		return settlement.VerificationFully
	case verified >= 2:
		return settlement.VerificationSecond
	case verified >= 1:
		return settlement.VerificationFirst
	default:
		return settlement.VerificationPending
	}
}

// advance moves the status forward to match the count. It never moves it
// back.
func advance(c *settlement.Commission) {
	target := StatusFor(c.ClientPaymentsVerified, c.RequiredClientPayments)
	if target.Rank() > c.PaymentVerificationStatus.Rank() {
		c.PaymentVerificationStatus = target
	}
	c.IsPayable = c.PaymentVerificationStatus == settlement.VerificationFully
}

// recordFailure stores the failed attempt. It reports whether the event was
// given up on.
func (p *Pipeline) recordFailure(ctx context.Context, ev settlement.PaymentEvent, cause error) (bool, error) {
	fatal := false
	err := p.Store.WithTx(ctx, func(tx settlement.Store) error {
		current, err := tx.GetEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return &settlement.NotFoundError{Kind: "payment event", ID: string(ev.ID), Err: settlement.ErrEventNotFound}
		}

		now := p.Now().UTC()
		current.RetryCount++
		current.LastRetryAt = &now
		current.ErrorMessage = cause.Error()

		maxRetries := p.MaxRetries
		if maxRetries <= 0 {
			maxRetries = DefaultMaxRetries
		}
		if current.RetryCount >= maxRetries {
			fatal = true
			current.Processed = true
			current.ProcessedAt = &now
			current.ErrorMessage = "fatal: " + cause.Error()

			commissions, err := tx.CommissionsByContract(ctx, current.ContractID)
			if err != nil {
				return fmt.Errorf("load commissions: %w", err)
			}
			for _, c := range commissions {
				if c.PaymentVerificationStatus.Terminal() {
					continue
				}
				c.PaymentVerificationStatus = settlement.VerificationFailed
				c.IsPayable = false
				c.RetryCount++
				c.LastVerificationAttempt = &now
				c.UpdatedAt = now
				if err := tx.UpdateCommission(ctx, c); err != nil {
					return fmt.Errorf("fail commission %s: %w", c.ID, err)
				}
			}
		}
		return tx.UpdateEvent(ctx, *current)
	})
	return fatal, err
}

// =============================================================================
// OPERATOR ACTIONS
// =============================================================================

// FailedEvents returns events given up on, for operator review.
func (p *Pipeline) FailedEvents(ctx context.Context) ([]settlement.PaymentEvent, error) {
	return p.Store.FailedEvents(ctx)
}

// RequestVerification enqueues a re-evaluation of the contract's
// commissions.
func (p *Pipeline) RequestVerification(ctx context.Context, contractID settlement.ContractID, requestedBy string) (settlement.PaymentEvent, error) {
	var ev settlement.PaymentEvent
	err := p.Store.WithTx(ctx, func(tx settlement.Store) error {
		contract, err := tx.GetContract(ctx, contractID)
		if err != nil {
			return fmt.Errorf("load contract: %w", err)
		}
		if contract == nil {
			return &settlement.NotFoundError{Kind: "contract", ID: string(contractID), Err: settlement.ErrContractNotFound}
		}

		now := p.Now().UTC()
		ev = settlement.PaymentEvent{
			ID:         settlement.EventID(p.NewID()),
			Type:       settlement.EventVerificationRequested,
			ContractID: contractID,
			Payload: map[string]string{
				settlement.PayloadRequestedBy: requestedBy,
				settlement.PayloadPaymentDate: now.Format(settlement.DateLayout),
			},
			CreatedAt: now,
		}
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return settlement.PaymentEvent{}, err
	}
	return ev, nil
}
