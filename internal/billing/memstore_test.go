package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trading-fee-billing/internal/database"
)

// memStore is an in-memory Store that enforces the same unique constraints
// and conditional updates as the Postgres schema.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	users    map[int64]*database.User
	trades   []database.Trade
	methods  []*database.PaymentMethod
	periods  map[int64]*database.BillingPeriod
	payments []*database.Payment
	events   []database.BillingEvent

	tradesErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[int64]*database.User),
		periods: make(map[int64]*database.BillingPeriod),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

// addBillableUser creates a user with a gateway customer and a default card
func (m *memStore) addBillableUser(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cus := fmt.Sprintf("cus_%d", userID)
	m.users[userID] = &database.User{ID: userID, Email: "user@example.com", StripeCustomerID: &cus, BillingEnabled: true}
	m.methods = append(m.methods, &database.PaymentMethod{
		ID: m.id(), UserID: userID, StripeCustomerID: cus, StripePaymentMethodID: "pm_card_visa",
		Brand: "visa", Last4: "4242", IsDefault: true,
	})
}

func (m *memStore) addTrade(t database.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.id()
	m.trades = append(m.trades, t)
}

func (m *memStore) ListClosedTrades(ctx context.Context, userID int64, from, to time.Time) ([]database.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tradesErr != nil {
		return nil, m.tradesErr
	}
	var out []database.Trade
	for _, t := range m.trades {
		if t.UserID == userID && t.Status == database.TradeStatusClosed && !t.EntryTime.Before(from) && !t.EntryTime.After(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) GetUser(ctx context.Context, userID int64) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return database.ErrNotFound
	}
	u.StripeCustomerID = &customerID
	return nil
}

func (m *memStore) SetBillingEnabled(ctx context.Context, userID int64, enabled bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, database.ErrNotFound
	}
	if u.BillingEnabled == enabled {
		return false, nil
	}
	u.BillingEnabled = enabled
	return true, nil
}

func (m *memStore) ListBillableUserIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, u := range m.users {
		if u.BillingEnabled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memStore) GetDefaultPaymentMethod(ctx context.Context, userID int64) (*database.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pm := range m.methods {
		if pm.UserID == userID && pm.IsDefault {
			cp := *pm
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) ListPaymentMethods(ctx context.Context, userID int64) ([]database.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.PaymentMethod
	for _, pm := range m.methods {
		if pm.UserID == userID {
			out = append(out, *pm)
		}
	}
	return out, nil
}

func (m *memStore) CreatePaymentMethod(ctx context.Context, pm *database.PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := 0
	for _, other := range m.methods {
		if other.StripePaymentMethodID == pm.StripePaymentMethodID {
			return database.ErrDuplicate
		}
		if other.UserID == pm.UserID {
			existing++
		}
	}
	if existing == 0 {
		pm.IsDefault = true
	}
	if pm.IsDefault {
		for _, other := range m.methods {
			if other.UserID == pm.UserID {
				other.IsDefault = false
			}
		}
	}
	pm.ID = m.id()
	cp := *pm
	m.methods = append(m.methods, &cp)
	return nil
}

func (m *memStore) SetDefaultPaymentMethod(ctx context.Context, userID, methodID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, pm := range m.methods {
		if pm.ID == methodID && pm.UserID == userID {
			found = true
		}
	}
	if !found {
		return database.ErrNotFound
	}
	for _, pm := range m.methods {
		if pm.UserID == userID {
			pm.IsDefault = pm.ID == methodID
		}
	}
	return nil
}

func (m *memStore) DeletePaymentMethod(ctx context.Context, userID, methodID int64) (*database.PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, pm := range m.methods {
		if pm.ID != methodID || pm.UserID != userID {
			continue
		}
		m.methods = append(m.methods[:i], m.methods[i+1:]...)
		if pm.IsDefault {
			var newest *database.PaymentMethod
			for _, other := range m.methods {
				if other.UserID == userID && (newest == nil || other.ID > newest.ID) {
					newest = other
				}
			}
			if newest != nil {
				newest.IsDefault = true
			}
		}
		return pm, nil
	}
	return nil, database.ErrNotFound
}

func (m *memStore) CreateBillingPeriod(ctx context.Context, p *database.BillingPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.periods {
		if other.UserID == p.UserID && other.WeekStart.Equal(p.WeekStart) && other.WeekEnd.Equal(p.WeekEnd) {
			return database.ErrDuplicate
		}
	}
	p.ID = m.id()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.periods[p.ID] = &cp
	return nil
}

func (m *memStore) GetBillingPeriod(ctx context.Context, id int64) (*database.BillingPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetBillingPeriodForWeek(ctx context.Context, userID int64, weekStart, weekEnd time.Time) (*database.BillingPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.UserID == userID && p.WeekStart.Equal(weekStart) && p.WeekEnd.Equal(weekEnd) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) ListUserBillingPeriods(ctx context.Context, userID int64, limit int) ([]database.BillingPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.BillingPeriod
	for _, p := range m.periods {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.After(out[j].WeekStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListBillingPeriodsByStatus(ctx context.Context, status string, limit int) ([]database.BillingPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.BillingPeriod
	for _, p := range m.periods {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) TransitionBillingPeriod(ctx context.Context, t database.PeriodTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[t.PeriodID]
	if !ok || !database.CanTransitionPeriod(p.Status, t.To) {
		return false, nil
	}
	allowed := false
	for _, from := range t.From {
		if p.Status == from {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	p.Status = t.To
	if t.IncrementAttempt {
		p.AttemptCount++
		at := t.At
		p.LastAttemptAt = &at
	}
	if t.To == database.PeriodStatusPaid {
		at := t.At
		p.PaidAt = &at
	}
	if t.StripeChargeID != nil {
		p.StripeChargeID = t.StripeChargeID
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) succeededPaymentExists(periodID, exceptID int64) bool {
	for _, p := range m.payments {
		if p.BillingPeriodID == periodID && p.ID != exceptID && p.Status == database.PaymentStatusSucceeded {
			return true
		}
	}
	return false
}

func (m *memStore) CreatePayment(ctx context.Context, p *database.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == database.PaymentStatusSucceeded && m.succeededPaymentExists(p.BillingPeriodID, 0) {
		return database.ErrDuplicate
	}
	if p.StripePaymentIntentID != nil {
		for _, other := range m.payments {
			if other.StripePaymentIntentID != nil && *other.StripePaymentIntentID == *p.StripePaymentIntentID {
				return database.ErrDuplicate
			}
		}
	}
	p.ID = m.id()
	cp := *p
	m.payments = append(m.payments, &cp)
	return nil
}

func (m *memStore) GetPaymentByIntentID(ctx context.Context, intentID string) (*database.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.StripePaymentIntentID != nil && *p.StripePaymentIntentID == intentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) ListPaymentsForPeriod(ctx context.Context, periodID int64) ([]database.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Payment
	for i := len(m.payments) - 1; i >= 0; i-- {
		if m.payments[i].BillingPeriodID == periodID {
			out = append(out, *m.payments[i])
		}
	}
	return out, nil
}

func (m *memStore) BindPaymentIntent(ctx context.Context, paymentID int64, intentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ID == paymentID && p.StripePaymentIntentID == nil {
			p.StripePaymentIntentID = &intentID
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) TransitionPayment(ctx context.Context, t database.PaymentTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ID != t.PaymentID {
			continue
		}
		allowed := false
		for _, from := range t.From {
			if p.Status == from {
				allowed = true
			}
		}
		if !allowed {
			return false, nil
		}
		if t.To == database.PaymentStatusSucceeded && m.succeededPaymentExists(p.BillingPeriodID, p.ID) {
			return false, database.ErrDuplicate
		}
		p.Status = t.To
		if t.StripeChargeID != nil {
			p.StripeChargeID = t.StripeChargeID
		}
		if t.FailureReason != nil {
			p.FailureReason = t.FailureReason
		}
		if t.ReceiptURL != nil {
			p.ReceiptURL = t.ReceiptURL
		}
		return true, nil
	}
	return false, nil
}

// Record makes memStore usable as the EventRecorder too
func (m *memStore) Record(ctx context.Context, e *database.BillingEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ExternalEventID != nil {
		for _, other := range m.events {
			if other.ExternalEventID != nil && *other.ExternalEventID == *e.ExternalEventID {
				return false, nil
			}
		}
	}
	e.ID = m.id()
	e.CreatedAt = time.Now()
	m.events = append(m.events, *e)
	return true, nil
}

func (m *memStore) BillingEventExists(ctx context.Context, externalEventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ExternalEventID != nil && *e.ExternalEventID == externalEventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListUserBillingEvents(ctx context.Context, userID int64, limit int) ([]database.BillingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.BillingEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].UserID == userID {
			out = append(out, m.events[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// eventTypes returns the recorded event types for a user in order
func (m *memStore) eventTypes(userID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.UserID == userID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func (m *memStore) periodList() []database.BillingPeriod {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.BillingPeriod
	for _, p := range m.periods {
		out = append(out, *p)
	}
	return out
}

func (m *memStore) paymentList(periodID int64) []database.Payment {
	out, _ := m.ListPaymentsForPeriod(context.Background(), periodID)
	return out
}

// fakeGateway records calls and answers charges through chargeFn
type fakeGateway struct {
	mu       sync.Mutex
	charges  []ChargeRequest
	refunds  []string
	detached []string
	chargeFn func(req ChargeRequest) (*ChargeOutcome, error)
	secret   string
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, userID int64, email, name string) (string, error) {
	return "cus_new", nil
}

func (g *fakeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) (*CardDetails, error) {
	return &CardDetails{PaymentMethodID: paymentMethodID, Brand: "visa", Last4: "1881", ExpMonth: 12, ExpYear: 2030}, nil
}

func (g *fakeGateway) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detached = append(g.detached, paymentMethodID)
	return nil
}

func (g *fakeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeOutcome, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	n := len(g.charges)
	fn := g.chargeFn
	g.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &ChargeOutcome{
		PaymentIntentID: fmt.Sprintf("pi_%d", n),
		ChargeID:        fmt.Sprintf("ch_%d", n),
		Status:          IntentSucceeded,
	}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, paymentIntentID string) (*RefundOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, paymentIntentID)
	return &RefundOutcome{RefundID: "re_1", AmountCents: 8000, Status: "succeeded"}, nil
}

func (g *fakeGateway) ConstructEvent(payload []byte, header string) (*WebhookEvent, error) {
	if err := VerifySignature(payload, header, g.secret, 5*time.Minute, time.Now()); err != nil {
		return nil, err
	}
	return ParseEvent(payload)
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

func (g *fakeGateway) lastCharge() ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges[len(g.charges)-1]
}

type stubBackfill struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (b *stubBackfill) BackfillUser(ctx context.Context, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.err
}

func (b *stubBackfill) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
