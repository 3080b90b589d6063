/*
scheduler.go - Commission verification scheduler

PURPOSE:
  Drives commission.Pipeline in the background so that payment events are
  consumed without anyone calling the verification endpoint.

DESIGN:
  - A robfig/cron entry fires on VERIFY_SCHEDULE (default "@every 30s")
  - The allocation engine calls Notify after every committed remittance
    that wrote events, which wakes the worker without waiting for cron
  - Both feed one buffered trigger channel consumed by a single worker
    goroutine, so runs never overlap
  - RunNow runs synchronously for the operator endpoint and shares the
    same run lock

USAGE:
  s, err := NewVerificationScheduler(pipeline, "@every 30s", logger)
  engine.Notifier = s
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - commission/verification.go: the pipeline itself
  - handlers.go: RunVerification endpoint
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/settlement"
)

// DefaultRunTimeout bounds a single background run.
const DefaultRunTimeout = 5 * time.Minute

// LastRun records the most recent completed run.
type LastRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Trigger   string
	Summary   commission.RunSummary
	Err       error
}

// VerificationScheduler runs the pipeline on a cron schedule and on demand.
type VerificationScheduler struct {
	Pipeline   *commission.Pipeline
	RunTimeout time.Duration

	logger  *slog.Logger
	cron    *cron.Cron
	trigger chan string
	stop    chan struct{}
	wg      sync.WaitGroup

	runMu sync.Mutex // held for the duration of a run

	mu      sync.Mutex
	started bool
	last    *LastRun
}

// NewVerificationScheduler validates spec and builds a stopped scheduler.
func NewVerificationScheduler(pipeline *commission.Pipeline, spec string, logger *slog.Logger) (*VerificationScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &VerificationScheduler{
		Pipeline:   pipeline,
		RunTimeout: DefaultRunTimeout,
		logger:     logger.With("component", "verification_scheduler"),
		cron:       cron.New(),
		trigger:    make(chan string, 1),
		stop:       make(chan struct{}),
	}
	if _, err := s.cron.AddFunc(spec, func() { s.enqueue("cron") }); err != nil {
		return nil, fmt.Errorf("verification schedule %q: %w", spec, err)
	}
	return s, nil
}

// Notify implements settlement.Notifier. It never blocks: a pending wake-up
// already covers the new events.
func (s *VerificationScheduler) Notify(contractID settlement.ContractID) {
	s.logger.Debug("payment events pending", "contract_id", contractID)
	s.enqueue("payment")
}

func (s *VerificationScheduler) enqueue(reason string) {
	select {
	case s.trigger <- reason:
	default:
	}
}

// Start begins the scheduler. Calling it twice is a no-op.
func (s *VerificationScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.run()
	s.cron.Start()

	s.logger.Info("verification scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts cron, waits for an in-flight run and stops the worker.
func (s *VerificationScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	close(s.stop)
	s.wg.Wait()

	s.logger.Info("verification scheduler stopped")
}

func (s *VerificationScheduler) run() {
	defer s.wg.Done()

	for {
		select {
		case reason := <-s.trigger:
			ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout())
			s.execute(ctx, reason)
			cancel()
		case <-s.stop:
			return
		}
	}
}

// RunNow runs the pipeline synchronously, waiting for any background run to
// finish first.
func (s *VerificationScheduler) RunNow(ctx context.Context) (commission.RunSummary, error) {
	return s.execute(ctx, "manual")
}

func (s *VerificationScheduler) execute(ctx context.Context, trigger string) (commission.RunSummary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := time.Now()
	summary, err := s.Pipeline.ProcessPending(ctx)
	if err != nil {
		s.logger.Error("verification run failed", "trigger", trigger, "error", err)
	}

	s.mu.Lock()
	s.last = &LastRun{
		StartedAt: started,
		Duration:  time.Since(started),
		Trigger:   trigger,
		Summary:   summary,
		Err:       err,
	}
	s.mu.Unlock()

	// A full batch likely left more behind. Deferred and retried events
	// stay queued, so only a run that consumed something goes again.
	consumed := summary.Processed + summary.Fatal
	if err == nil && consumed > 0 && s.Pipeline.BatchSize > 0 && summary.Events >= s.Pipeline.BatchSize {
		s.enqueue("backlog")
	}
	return summary, err
}

// Last returns the most recent run, or nil before the first one.
func (s *VerificationScheduler) Last() *LastRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

func (s *VerificationScheduler) runTimeout() time.Duration {
	if s.RunTimeout <= 0 {
		return DefaultRunTimeout
	}
	return s.RunTimeout
}
