package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Additional-Code/bulkbuy/internal/clock"
	"github.com/Additional-Code/bulkbuy/internal/config"
	"github.com/Additional-Code/bulkbuy/internal/entity"
	"github.com/Additional-Code/bulkbuy/internal/gateway"
	"github.com/Additional-Code/bulkbuy/internal/notification"
	"github.com/Additional-Code/bulkbuy/internal/repository/ledger"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// memLedger mirrors the compare-and-set semantics of the SQL ledger in memory.
type memLedger struct {
	mu          sync.Mutex
	seq         int64
	orders      map[int64]*entity.Order
	payments    map[int64]*entity.Payment
	baskets     []entity.Basket
	teams       map[int64]*entity.BuyingTeam
	producers   map[int64]*entity.Producer
	members     map[int64]*entity.Member
	teamMembers map[int64][]int64
	findErr     error
	// priorErr fails the next LatestPriorOrder call and is then cleared.
	priorErr error
}

func newMemLedger() *memLedger {
	return &memLedger{
		orders:      make(map[int64]*entity.Order),
		payments:    make(map[int64]*entity.Payment),
		teams:       make(map[int64]*entity.BuyingTeam),
		producers:   make(map[int64]*entity.Producer),
		members:     make(map[int64]*entity.Member),
		teamMembers: make(map[int64][]int64),
	}
}

func (l *memLedger) nextID() int64 {
	l.seq++
	return l.seq
}

func (l *memLedger) addProducer(threshold string, leadDays int) *entity.Producer {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &entity.Producer{ID: l.nextID(), Name: "producer", MinimumThreshold: decimal.RequireFromString(threshold), DeliveryLeadDays: leadDays}
	l.producers[p.ID] = p
	return p
}

func (l *memLedger) addTeam(producerID int64, members ...int64) *entity.BuyingTeam {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &entity.BuyingTeam{ID: l.nextID(), ProducerID: producerID, Frequency: int64((7 * 24 * time.Hour).Seconds())}
	l.teams[t.ID] = t
	l.teamMembers[t.ID] = members
	return t
}

func (l *memLedger) addMember(canPay bool) *entity.Member {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := &entity.Member{ID: l.nextID()}
	if canPay {
		cus := fmt.Sprintf("cus_%d", m.ID)
		pm := fmt.Sprintf("pm_%d", m.ID)
		m.CustomerRef, m.PaymentMethodRef = &cus, &pm
	}
	l.members[m.ID] = m
	return m
}

func (l *memLedger) addOrder(teamID int64, status entity.OrderStatus, threshold, accumulated string, deadline time.Time) *entity.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := &entity.Order{
		ID:                l.nextID(),
		TeamID:            teamID,
		MinimumThreshold:  decimal.RequireFromString(threshold),
		AccumulatedAmount: decimal.RequireFromString(accumulated),
		Status:            status,
		Deadline:          deadline,
		CreatedAt:         baseTime,
	}
	l.orders[o.ID] = o
	return o
}

func (l *memLedger) addPayment(orderID, userID int64, amount string, status entity.PaymentStatus, intentID string) *entity.Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &entity.Payment{ID: l.nextID(), OrderID: orderID, UserID: userID, Amount: decimal.RequireFromString(amount), Status: status}
	if intentID != "" {
		p.PaymentIntentID = &intentID
	}
	l.payments[p.ID] = p
	return p
}

func (l *memLedger) addBasket(orderID, userID, productID int64, qty int, price string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.baskets = append(l.baskets, entity.Basket{ID: l.nextID(), OrderID: orderID, UserID: userID, ProductID: productID, Quantity: qty, Price: decimal.RequireFromString(price)})
}

func (l *memLedger) order(id int64) entity.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.orders[id]
}

func (l *memLedger) payment(id int64) entity.Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.payments[id]
}

func (l *memLedger) paymentsOf(orderID int64) []entity.Payment {
	out, _ := l.FindPayments(context.Background(), ledger.PaymentFilter{OrderID: orderID})
	return out
}

func (l *memLedger) FindOrders(_ context.Context, f ledger.OrderFilter) ([]entity.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.findErr != nil {
		return nil, l.findErr
	}
	var out []entity.Order
	for _, o := range l.orders {
		if f.TeamID != 0 && o.TeamID != f.TeamID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
			continue
		}
		if f.DeadlineBefore != nil && o.Deadline.After(*f.DeadlineBefore) {
			continue
		}
		if f.DeadlineAfter != nil && !o.Deadline.After(*f.DeadlineAfter) {
			continue
		}
		if f.DeliveryDateNull && o.DeliveryDate != nil {
			continue
		}
		if f.DeliveryDateBefore != nil && (o.DeliveryDate == nil || o.DeliveryDate.After(*f.DeliveryDateBefore)) {
			continue
		}
		if f.ClonePending && !o.ClonePending {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsStatus[S comparable](list []S, s S) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (l *memLedger) GetOrder(_ context.Context, id int64) (*entity.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	copied := *o
	return &copied, nil
}

func (l *memLedger) TransitionOrder(_ context.Context, id int64, from, to entity.OrderStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !from.CanTransitionTo(to) {
		return ledger.ErrIllegalTransition
	}
	o, ok := l.orders[id]
	if !ok || o.Status != from {
		return ledger.ErrStaleState
	}
	o.Status = to
	return nil
}

func (l *memLedger) SetDeliveryDate(_ context.Context, id int64, date time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.orders[id]
	if o == nil || o.DeliveryDate != nil || o.Status != entity.OrderStatusPendingDelivery {
		return false, nil
	}
	o.DeliveryDate = &date
	return true, nil
}

func (l *memLedger) TouchNudge(_ context.Context, id int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[id].LastNudge = &at
	return nil
}

func (l *memLedger) AggregateCapturedAmount(_ context.Context, orderID int64) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, p := range l.payments {
		if p.OrderID == orderID && p.Status == entity.PaymentStatusCaptured {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (l *memLedger) FindPayments(_ context.Context, f ledger.PaymentFilter) ([]entity.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []entity.Payment
	for _, p := range l.payments {
		if f.OrderID != 0 && p.OrderID != f.OrderID {
			continue
		}
		if f.UserID != 0 && p.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, p.Status) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *memLedger) UpdatePaymentStatus(_ context.Context, id int64, from, to entity.PaymentStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !from.CanTransitionTo(to) {
		return ledger.ErrIllegalTransition
	}
	p, ok := l.payments[id]
	if !ok || p.Status != from {
		return ledger.ErrStaleState
	}
	p.Status = to
	if reason != "" {
		p.FailureReason = reason
	}
	return nil
}

func (l *memLedger) RecordDeclinedAuthorization(_ context.Context, paymentID int64, attempts int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[paymentID]
	if !ok || p.Status != entity.PaymentStatusPending || p.AuthorizeAttempts != attempts {
		return ledger.ErrStaleState
	}
	p.AuthorizeAttempts++
	return nil
}

func (l *memLedger) AuthorizePayment(_ context.Context, paymentID int64, intentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[paymentID]
	if !ok {
		return ledger.ErrNotFound
	}
	if p.Status != entity.PaymentStatusPending {
		return ledger.ErrStaleState
	}
	p.Status = entity.PaymentStatusIntentCreated
	p.PaymentIntentID = &intentID
	o := l.orders[p.OrderID]
	o.AccumulatedAmount = o.AccumulatedAmount.Add(p.Amount)
	return nil
}

func (l *memLedger) FindTeamsDueForDelivery(_ context.Context, now time.Time) ([]entity.BuyingTeam, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []entity.BuyingTeam
	for _, t := range l.teams {
		if t.DueAt(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *memLedger) OpenOrderForTeam(_ context.Context, team entity.BuyingTeam, order *entity.Order, next time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored := l.teams[team.ID]
	switch {
	case stored.NextDeliveryDate == nil && team.NextDeliveryDate == nil:
	case stored.NextDeliveryDate != nil && team.NextDeliveryDate != nil && stored.NextDeliveryDate.Equal(*team.NextDeliveryDate):
	default:
		return ledger.ErrStaleState
	}
	stored.NextDeliveryDate = &next
	order.ID = l.nextID()
	copied := *order
	l.orders[order.ID] = &copied
	return nil
}

func (l *memLedger) LatestPriorOrder(_ context.Context, teamID, beforeID int64) (*entity.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.priorErr; err != nil {
		l.priorErr = nil
		return nil, err
	}
	var latest *entity.Order
	for _, o := range l.orders {
		if o.TeamID != teamID || (beforeID > 0 && o.ID >= beforeID) {
			continue
		}
		if latest == nil || o.ID > latest.ID {
			latest = o
		}
	}
	if latest == nil {
		return nil, ledger.ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (l *memLedger) FinishBasketClone(_ context.Context, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.orders[orderID]; ok {
		o.ClonePending = false
	}
	return nil
}

func (l *memLedger) FindBasketRows(_ context.Context, f ledger.BasketFilter) ([]entity.Basket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []entity.Basket
	for _, b := range l.baskets {
		if b.OrderID != f.OrderID {
			continue
		}
		if f.UserID != 0 && b.UserID != f.UserID {
			continue
		}
		if f.ProductID != 0 && b.ProductID != f.ProductID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (l *memLedger) CreateMemberBasket(_ context.Context, rows []entity.Basket, payment *entity.Payment) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.payments {
		if p.OrderID == payment.OrderID && p.UserID == payment.UserID {
			return false, nil
		}
	}
	for _, row := range rows {
		row.ID = l.nextID()
		l.baskets = append(l.baskets, row)
	}
	payment.ID = l.nextID()
	copied := *payment
	l.payments[payment.ID] = &copied
	return true, nil
}

func (l *memLedger) GetTeam(_ context.Context, id int64) (*entity.BuyingTeam, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.teams[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (l *memLedger) GetProducer(_ context.Context, id int64) (*entity.Producer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.producers[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (l *memLedger) GetMember(_ context.Context, id int64) (*entity.Member, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (l *memLedger) ListTeamMembers(_ context.Context, teamID int64) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.teamMembers[teamID]...), nil
}

// scriptedGateway records calls and fails the intents or captures it is told to.
type scriptedGateway struct {
	mu            sync.Mutex
	seq           int
	declineCreate map[int64]bool
	declineCapt   map[string]bool
	declinedKeys  map[string]bool
	createErr     error
	created       []gateway.IntentRequest
	captures      map[string]int
	cancels       []string
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		declineCreate: make(map[int64]bool),
		declineCapt:   make(map[string]bool),
		declinedKeys:  make(map[string]bool),
		captures:      make(map[string]int),
	}
}

func (g *scriptedGateway) CreateCustomer(context.Context, string) (string, error) { return "cus", nil }

func (g *scriptedGateway) AttachPaymentMethod(context.Context, string, string) error { return nil }

func (g *scriptedGateway) DetachPaymentMethod(context.Context, string) error { return nil }

func (g *scriptedGateway) CreatePaymentIntent(_ context.Context, req gateway.IntentRequest) (gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	if err := g.createErr; err != nil {
		g.createErr = nil
		return gateway.Intent{}, err
	}
	// Declines are stored against the idempotency key and replayed, as processors do.
	if g.declinedKeys[req.IdempotencyKey] || g.declineCreate[req.AmountMinor] {
		g.declinedKeys[req.IdempotencyKey] = true
		return gateway.Intent{}, gateway.ErrDeclined
	}
	g.seq++
	return gateway.Intent{ID: fmt.Sprintf("pi_%d", g.seq), Status: gateway.IntentStatusRequiresCapture, AmountMinor: req.AmountMinor}, nil
}

func (g *scriptedGateway) CaptureIntent(_ context.Context, intentID, _ string) (gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures[intentID]++
	if g.declineCapt[intentID] {
		return gateway.Intent{}, fmt.Errorf("%w: insufficient funds", gateway.ErrDeclined)
	}
	return gateway.Intent{ID: intentID, Status: gateway.IntentStatusSucceeded}, nil
}

func (g *scriptedGateway) CancelIntent(_ context.Context, intentID string) (gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, intentID)
	return gateway.Intent{ID: intentID, Status: gateway.IntentStatusCanceled}, nil
}

func (g *scriptedGateway) captureCount(intentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captures[intentID]
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg notification.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNotifier) titled(title string) []notification.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification.Notification
	for _, msg := range n.sent {
		if msg.Title == title {
			out = append(out, msg)
		}
	}
	return out
}

type staticCatalog map[int64]*entity.Product

func (c staticCatalog) GetProduct(_ context.Context, id int64) (*entity.Product, error) {
	p, ok := c[id]
	if !ok {
		return nil, errors.New("product not found")
	}
	copied := *p
	return &copied, nil
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled [][2]int64
}

func (r *recordingScheduler) SchedulePortioning(_ context.Context, orderID, productID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, [2]int64{orderID, productID})
	return nil
}

type fixture struct {
	ledger    *memLedger
	gateway   *scriptedGateway
	notifier  *recordingNotifier
	catalog   staticCatalog
	scheduler *recordingScheduler
	clock     *clock.Fake
	service   *Service
}

func testConfig() config.Config {
	return config.Config{Settlement: config.Settlement{
		OrderWindow:         6 * 24 * time.Hour,
		StageTimeout:        time.Minute,
		Concurrency:         4,
		Currency:            "gbp",
		DefaultDeliveryLead: 48 * time.Hour,
		NudgeWindow:         24 * time.Hour,
		NudgeInterval:       12 * time.Hour,
	}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:    newMemLedger(),
		gateway:   newScriptedGateway(),
		notifier:  &recordingNotifier{},
		catalog:   staticCatalog{},
		scheduler: &recordingScheduler{},
		clock:     clock.NewFake(baseTime),
	}
	f.service = NewService(Params{
		Ledger:     f.ledger,
		Gateway:    f.gateway,
		Notifier:   f.notifier,
		Catalog:    f.catalog,
		Portioning: f.scheduler,
		Config:     testConfig(),
		Logger:     zap.NewNop(),
		Clock:      f.clock,
	})
	return f
}
