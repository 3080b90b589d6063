// Package store provides an in-memory settlement.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is safe for concurrent use. All reads return copies.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type scheduleKey struct {
	ContractID settlement.ContractID
	Number     int
}

type contractEmployee struct {
	ContractID settlement.ContractID
	EmployeeID settlement.EmployeeID
}

type applicationKey struct {
	CommissionID settlement.CommissionID
	EventID      settlement.EventID
}

// state holds the data and implements settlement.Store without locking.
// Memory wraps it with the mutex; a transaction view uses it directly while
// WithTx holds the write lock.
type state struct {
	contracts    map[settlement.ContractID]settlement.Contract
	schedules    map[settlement.ScheduleID]settlement.InstallmentSchedule
	numbers      map[scheduleKey]settlement.ScheduleID
	transactions map[settlement.TransactionID]settlement.PaymentTransaction
	payments     []settlement.Payment
	events       []settlement.PaymentEvent
	eventIndex   map[settlement.EventID]int
	schemes      map[settlement.SchemeID]settlement.CommissionScheme
	commissions  map[settlement.CommissionID]settlement.Commission
	grants       map[contractEmployee]settlement.CommissionID
	applications map[applicationKey]time.Time

	seq        int64
	nextScheme settlement.SchemeID
	nextRule   settlement.RuleID
}

func newState() *state {
	return &state{
		contracts:    make(map[settlement.ContractID]settlement.Contract),
		schedules:    make(map[settlement.ScheduleID]settlement.InstallmentSchedule),
		numbers:      make(map[scheduleKey]settlement.ScheduleID),
		transactions: make(map[settlement.TransactionID]settlement.PaymentTransaction),
		eventIndex:   make(map[settlement.EventID]int),
		schemes:      make(map[settlement.SchemeID]settlement.CommissionScheme),
		commissions:  make(map[settlement.CommissionID]settlement.Commission),
		grants:       make(map[contractEmployee]settlement.CommissionID),
		applications: make(map[applicationKey]time.Time),
	}
}

func (s *state) clone() *state {
	c := &state{
		contracts:    make(map[settlement.ContractID]settlement.Contract, len(s.contracts)),
		schedules:    make(map[settlement.ScheduleID]settlement.InstallmentSchedule, len(s.schedules)),
		numbers:      make(map[scheduleKey]settlement.ScheduleID, len(s.numbers)),
		transactions: make(map[settlement.TransactionID]settlement.PaymentTransaction, len(s.transactions)),
		payments:     append([]settlement.Payment(nil), s.payments...),
		events:       append([]settlement.PaymentEvent(nil), s.events...),
		eventIndex:   make(map[settlement.EventID]int, len(s.eventIndex)),
		schemes:      make(map[settlement.SchemeID]settlement.CommissionScheme, len(s.schemes)),
		commissions:  make(map[settlement.CommissionID]settlement.Commission, len(s.commissions)),
		grants:       make(map[contractEmployee]settlement.CommissionID, len(s.grants)),
		applications: make(map[applicationKey]time.Time, len(s.applications)),
		seq:          s.seq,
		nextScheme:   s.nextScheme,
		nextRule:     s.nextRule,
	}
	for k, v := range s.contracts {
		c.contracts[k] = v
	}
	for k, v := range s.schedules {
		c.schedules[k] = v
	}
	for k, v := range s.numbers {
		c.numbers[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.eventIndex {
		c.eventIndex[k] = v
	}
	for k, v := range s.schemes {
		c.schemes[k] = v
	}
	for k, v := range s.commissions {
		c.commissions[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k, v := range s.applications {
		c.applications[k] = v
	}
	return c
}

// =============================================================================
// CONTRACTS
// =============================================================================

func (s *state) GetContract(_ context.Context, id settlement.ContractID) (*settlement.Contract, error) {
	c, ok := s.contracts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *state) SaveContract(_ context.Context, c settlement.Contract) error {
	s.contracts[c.ID] = c
	return nil
}

func (s *state) CountSalesByAdvisor(_ context.Context, advisorID settlement.EmployeeID, from, to time.Time) (int, error) {
	window := settlement.Period{Start: settlement.DateOf(from), End: settlement.DateOf(to)}
	n := 0
	for _, c := range s.contracts {
		if c.AdvisorID == advisorID && window.Contains(c.SignedAt) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *state) LoadSchedules(_ context.Context, contractID settlement.ContractID, fromInstallment int) ([]settlement.InstallmentSchedule, error) {
	var out []settlement.InstallmentSchedule
	for _, sch := range s.schedules {
		if sch.ContractID == contractID && sch.InstallmentNumber >= fromInstallment {
			out = append(out, sch)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstallmentNumber != out[j].InstallmentNumber {
			return out[i].InstallmentNumber < out[j].InstallmentNumber
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *state) GetSchedule(_ context.Context, id settlement.ScheduleID) (*settlement.InstallmentSchedule, error) {
	sch, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	return &sch, nil
}

func (s *state) SaveSchedules(_ context.Context, schedules []settlement.InstallmentSchedule) error {
	// Check the whole batch first so a rejected batch leaves nothing behind.
	seen := make(map[scheduleKey]bool, len(schedules))
	for _, sch := range schedules {
		k := scheduleKey{ContractID: sch.ContractID, Number: sch.InstallmentNumber}
		if _, exists := s.numbers[k]; exists || seen[k] {
			return fmt.Errorf("%w: contract %s installment %d", settlement.ErrDuplicateSchedule, sch.ContractID, sch.InstallmentNumber)
		}
		if _, exists := s.schedules[sch.ID]; exists {
			return fmt.Errorf("%w: schedule id %s", settlement.ErrDuplicateSchedule, sch.ID)
		}
		seen[k] = true
	}
	for _, sch := range schedules {
		s.seq++
		sch.Seq = s.seq
		s.schedules[sch.ID] = sch
		s.numbers[scheduleKey{ContractID: sch.ContractID, Number: sch.InstallmentNumber}] = sch.ID
	}
	return nil
}

func (s *state) UpdateSchedule(_ context.Context, sch settlement.InstallmentSchedule) error {
	existing, ok := s.schedules[sch.ID]
	if !ok {
		return &settlement.NotFoundError{Kind: "schedule", ID: string(sch.ID), Err: settlement.ErrScheduleNotFound}
	}
	sch.Seq = existing.Seq
	sch.ContractID = existing.ContractID
	sch.InstallmentNumber = existing.InstallmentNumber
	s.schedules[sch.ID] = sch
	return nil
}

func (s *state) DeleteSchedules(_ context.Context, contractID settlement.ContractID) error {
	for id, sch := range s.schedules {
		if sch.ContractID == contractID {
			delete(s.schedules, id)
			delete(s.numbers, scheduleKey{ContractID: contractID, Number: sch.InstallmentNumber})
		}
	}
	return nil
}

func (s *state) AppendTransaction(_ context.Context, t settlement.PaymentTransaction) error {
	if _, exists := s.transactions[t.ID]; exists {
		return fmt.Errorf("%w: %s", settlement.ErrDuplicateTransaction, t.ID)
	}
	s.transactions[t.ID] = t
	return nil
}

func (s *state) GetTransaction(_ context.Context, id settlement.TransactionID) (*settlement.PaymentTransaction, error) {
	t, ok := s.transactions[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *state) AppendPayment(_ context.Context, p settlement.Payment) error {
	s.payments = append(s.payments, p)
	return nil
}

func (s *state) PaymentsByTransaction(_ context.Context, id settlement.TransactionID) ([]settlement.Payment, error) {
	var out []settlement.Payment
	for _, p := range s.payments {
		if p.TransactionID == id {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *state) PaymentsByContract(_ context.Context, contractID settlement.ContractID) ([]settlement.Payment, error) {
	var out []settlement.Payment
	for _, p := range s.payments {
		if p.ContractID == contractID {
			out = append(out, p)
		}
	}
	return out, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *state) AppendEvent(_ context.Context, e settlement.PaymentEvent) error {
	if _, exists := s.eventIndex[e.ID]; exists {
		return fmt.Errorf("payment event %s already exists", e.ID)
	}
	s.seq++
	e.Seq = s.seq
	s.eventIndex[e.ID] = len(s.events)
	s.events = append(s.events, e)
	return nil
}

func (s *state) GetEvent(_ context.Context, id settlement.EventID) (*settlement.PaymentEvent, error) {
	i, ok := s.eventIndex[id]
	if !ok {
		return nil, nil
	}
	e := s.events[i]
	return &e, nil
}

func (s *state) UnprocessedEvents(_ context.Context, limit int) ([]settlement.PaymentEvent, error) {
	var out []settlement.PaymentEvent
	for _, e := range s.events {
		if e.Processed {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *state) UpdateEvent(_ context.Context, e settlement.PaymentEvent) error {
	i, ok := s.eventIndex[e.ID]
	if !ok {
		return &settlement.NotFoundError{Kind: "payment event", ID: string(e.ID), Err: settlement.ErrEventNotFound}
	}
	stored := s.events[i]
	stored.Processed = e.Processed
	stored.RetryCount = e.RetryCount
	stored.LastRetryAt = e.LastRetryAt
	stored.ErrorMessage = e.ErrorMessage
	stored.ProcessedAt = e.ProcessedAt
	s.events[i] = stored
	return nil
}

func (s *state) FailedEvents(_ context.Context) ([]settlement.PaymentEvent, error) {
	var out []settlement.PaymentEvent
	for _, e := range s.events {
		if e.Failed() {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// COMMISSIONS
// =============================================================================

func (s *state) SaveScheme(_ context.Context, scheme settlement.CommissionScheme) (settlement.CommissionScheme, error) {
	if scheme.ID == 0 {
		s.nextScheme++
		scheme.ID = s.nextScheme
	} else if scheme.ID > s.nextScheme {
		s.nextScheme = scheme.ID
	}
	rules := make([]settlement.CommissionRule, len(scheme.Rules))
	for i, r := range scheme.Rules {
		if r.ID == 0 {
			s.nextRule++
			r.ID = s.nextRule
		} else if r.ID > s.nextRule {
			s.nextRule = r.ID
		}
		r.SchemeID = scheme.ID
		rules[i] = r
	}
	scheme.Rules = rules
	s.schemes[scheme.ID] = scheme
	return scheme, nil
}

func (s *state) ListSchemes(_ context.Context) ([]settlement.CommissionScheme, error) {
	out := make([]settlement.CommissionScheme, 0, len(s.schemes))
	for _, scheme := range s.schemes {
		scheme.Rules = append([]settlement.CommissionRule(nil), scheme.Rules...)
		out = append(out, scheme)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveCommission(_ context.Context, c settlement.Commission) error {
	k := contractEmployee{ContractID: c.ContractID, EmployeeID: c.EmployeeID}
	if _, exists := s.grants[k]; exists {
		return fmt.Errorf("%w: contract %s employee %s", settlement.ErrCommissionExists, c.ContractID, c.EmployeeID)
	}
	s.grants[k] = c.ID
	s.commissions[c.ID] = c
	return nil
}

func (s *state) UpdateCommission(_ context.Context, c settlement.Commission) error {
	if _, ok := s.commissions[c.ID]; !ok {
		return &settlement.NotFoundError{Kind: "commission", ID: string(c.ID), Err: settlement.ErrCommissionNotFound}
	}
	s.commissions[c.ID] = c
	return nil
}

func (s *state) GetCommission(_ context.Context, id settlement.CommissionID) (*settlement.Commission, error) {
	c, ok := s.commissions[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *state) CommissionsByContract(_ context.Context, contractID settlement.ContractID) ([]settlement.Commission, error) {
	var out []settlement.Commission
	for _, c := range s.commissions {
		if c.ContractID == contractID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) RecordApplication(_ context.Context, commissionID settlement.CommissionID, eventID settlement.EventID, at time.Time) error {
	k := applicationKey{CommissionID: commissionID, EventID: eventID}
	if _, exists := s.applications[k]; exists {
		return settlement.ErrAlreadyApplied
	}
	s.applications[k] = at
	return nil
}

func (s *state) HasApplication(_ context.Context, commissionID settlement.CommissionID, eventID settlement.EventID) (bool, error) {
	_, ok := s.applications[applicationKey{CommissionID: commissionID, EventID: eventID}]
	return ok, nil
}

// =============================================================================
// LOCKED ACCESS
// =============================================================================

func (m *Memory) GetContract(ctx context.Context, id settlement.ContractID) (*settlement.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetContract(ctx, id)
}

func (m *Memory) SaveContract(ctx context.Context, c settlement.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveContract(ctx, c)
}

func (m *Memory) CountSalesByAdvisor(ctx context.Context, advisorID settlement.EmployeeID, from, to time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CountSalesByAdvisor(ctx, advisorID, from, to)
}

func (m *Memory) LoadSchedules(ctx context.Context, contractID settlement.ContractID, fromInstallment int) ([]settlement.InstallmentSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LoadSchedules(ctx, contractID, fromInstallment)
}

func (m *Memory) GetSchedule(ctx context.Context, id settlement.ScheduleID) (*settlement.InstallmentSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetSchedule(ctx, id)
}

func (m *Memory) SaveSchedules(ctx context.Context, schedules []settlement.InstallmentSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveSchedules(ctx, schedules)
}

func (m *Memory) UpdateSchedule(ctx context.Context, s settlement.InstallmentSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateSchedule(ctx, s)
}

func (m *Memory) DeleteSchedules(ctx context.Context, contractID settlement.ContractID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteSchedules(ctx, contractID)
}

func (m *Memory) AppendTransaction(ctx context.Context, t settlement.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendTransaction(ctx, t)
}

func (m *Memory) GetTransaction(ctx context.Context, id settlement.TransactionID) (*settlement.PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetTransaction(ctx, id)
}

func (m *Memory) AppendPayment(ctx context.Context, p settlement.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendPayment(ctx, p)
}

func (m *Memory) PaymentsByTransaction(ctx context.Context, id settlement.TransactionID) ([]settlement.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.PaymentsByTransaction(ctx, id)
}

func (m *Memory) PaymentsByContract(ctx context.Context, contractID settlement.ContractID) ([]settlement.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.PaymentsByContract(ctx, contractID)
}

func (m *Memory) AppendEvent(ctx context.Context, e settlement.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendEvent(ctx, e)
}

func (m *Memory) GetEvent(ctx context.Context, id settlement.EventID) (*settlement.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetEvent(ctx, id)
}

func (m *Memory) UnprocessedEvents(ctx context.Context, limit int) ([]settlement.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.UnprocessedEvents(ctx, limit)
}

func (m *Memory) UpdateEvent(ctx context.Context, e settlement.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateEvent(ctx, e)
}

func (m *Memory) FailedEvents(ctx context.Context) ([]settlement.PaymentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.FailedEvents(ctx)
}

func (m *Memory) SaveScheme(ctx context.Context, s settlement.CommissionScheme) (settlement.CommissionScheme, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveScheme(ctx, s)
}

func (m *Memory) ListSchemes(ctx context.Context) ([]settlement.CommissionScheme, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListSchemes(ctx)
}

func (m *Memory) SaveCommission(ctx context.Context, c settlement.Commission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveCommission(ctx, c)
}

func (m *Memory) UpdateCommission(ctx context.Context, c settlement.Commission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateCommission(ctx, c)
}

func (m *Memory) GetCommission(ctx context.Context, id settlement.CommissionID) (*settlement.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetCommission(ctx, id)
}

func (m *Memory) CommissionsByContract(ctx context.Context, contractID settlement.ContractID) ([]settlement.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CommissionsByContract(ctx, contractID)
}

func (m *Memory) RecordApplication(ctx context.Context, commissionID settlement.CommissionID, eventID settlement.EventID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.RecordApplication(ctx, commissionID, eventID, at)
}

func (m *Memory) HasApplication(ctx context.Context, commissionID settlement.CommissionID, eventID settlement.EventID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.HasApplication(ctx, commissionID, eventID)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store's write lock.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.st.clone()
	if err := fn(tm.st); err != nil {
		tm.st = snapshot
		return err
	}
	return nil
}

var (
	_ settlement.TxStore = (*TxMemory)(nil)
	_ settlement.Store   = (*state)(nil)
)

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}
