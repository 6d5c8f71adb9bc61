//go:build !integration

package usecase

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"billing-engine/internal/domain"
	"billing-engine/internal/domain/model"
	"billing-engine/internal/domain/ports/adapter"
	"billing-engine/internal/domain/ports/repository"
)

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// --- payment repo ---

type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*model.Payment

	SaveFunc          func(ctx context.Context, p *model.Payment) error
	MarkIfPendingFunc func(ctx context.Context, id string, status model.PaymentStatus) (bool, error)
}

var _ repository.PaymentRepository = (*fakePaymentRepo)(nil)

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[string]*model.Payment)}
}

func clonePayment(p *model.Payment) *model.Payment {
	cp := *p
	if p.PlanID != nil {
		v := *p.PlanID
		cp.PlanID = &v
	}
	if p.FailureReason != nil {
		v := *p.FailureReason
		cp.FailureReason = &v
	}
	cp.RefundIDs = append([]string(nil), p.RefundIDs...)
	return &cp
}

func (r *fakePaymentRepo) Save(ctx context.Context, qx any, p *model.Payment) error {
	if r.SaveFunc != nil {
		if err := r.SaveFunc(ctx, p); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[p.ID] = clonePayment(p)
	return nil
}

func (r *fakePaymentRepo) FindByID(ctx context.Context, qx any, id string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePayment(p), nil
}

func (r *fakePaymentRepo) FindByExternalRef(ctx context.Context, qx any, ref string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ExternalRef == ref {
			return clonePayment(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakePaymentRepo) ListByUser(ctx context.Context, qx any, userID string, limit, offset int) ([]*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.payments {
		if p.UserID == userID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakePaymentRepo) SetExternalRef(ctx context.Context, qx any, id, ref string, snapshot []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.ExternalRef = ref
	p.GatewaySnapshot = snapshot
	return nil
}

func (r *fakePaymentRepo) MarkIfPending(ctx context.Context, qx any, id string, status model.PaymentStatus, reason *string, at time.Time) (bool, error) {
	if r.MarkIfPendingFunc != nil {
		return r.MarkIfPendingFunc(ctx, id, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != model.PaymentStatusPending {
		return false, nil
	}
	p.Status = status
	p.UpdatedAt = at
	switch status {
	case model.PaymentStatusCompleted:
		t := at
		p.ConfirmedAt = &t
	case model.PaymentStatusCancelled:
		t := at
		p.CancelledAt = &t
	}
	if reason != nil && p.FailureReason == nil {
		p.FailureReason = reason
	}
	return true, nil
}

func (r *fakePaymentRepo) ApplyRefund(ctx context.Context, qx any, id string, amount int64, refundID string) (*model.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if p.Status != model.PaymentStatusCompleted || p.RefundedAmount+amount > p.Amount {
		return nil, false, nil
	}
	p.RefundedAmount += amount
	p.RefundIDs = append(p.RefundIDs, refundID)
	if p.RefundedAmount == p.Amount {
		p.Status = model.PaymentStatusRefunded
	}
	p.UpdatedAt = time.Now()
	return clonePayment(p), true, nil
}

func (r *fakePaymentRepo) ListPendingOlderThan(ctx context.Context, qx any, olderThan time.Time, limit int) ([]*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.payments {
		if p.Status == model.PaymentStatusPending && p.CreatedAt.Before(olderThan) {
			out = append(out, clonePayment(p))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakePaymentRepo) SumByPeriod(ctx context.Context, qx any, period string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, p := range r.payments {
		if p.Status == model.PaymentStatusCompleted || p.Status == model.PaymentStatusRefunded {
			total += p.Amount
		}
	}
	return total, nil
}

// --- subscription repo ---

type fakeSubscriptionRepo struct {
	mu     sync.Mutex
	subs   map[string]*model.UserSubscription
	grants map[string]string // payment id -> subscription id

	SaveFunc func(ctx context.Context, sub *model.UserSubscription) error
}

var _ repository.SubscriptionRepository = (*fakeSubscriptionRepo)(nil)

func newFakeSubscriptionRepo() *fakeSubscriptionRepo {
	return &fakeSubscriptionRepo{
		subs:   make(map[string]*model.UserSubscription),
		grants: make(map[string]string),
	}
}

func cloneSub(s *model.UserSubscription) *model.UserSubscription {
	cp := *s
	return &cp
}

func (r *fakeSubscriptionRepo) Save(ctx context.Context, qx any, sub *model.UserSubscription) error {
	if r.SaveFunc != nil {
		if err := r.SaveFunc(ctx, sub); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (r *fakeSubscriptionRepo) FindByID(ctx context.Context, qx any, id string) (*model.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSub(s), nil
}

func (r *fakeSubscriptionRepo) FindActiveByUserAndPlan(ctx context.Context, qx any, userID, planID string) (*model.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.UserID == userID && s.PlanID == planID && s.Status == model.SubscriptionStatusActive {
			return cloneSub(s), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeSubscriptionRepo) ListByUser(ctx context.Context, qx any, userID string) ([]*model.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.UserSubscription
	for _, s := range r.subs {
		if s.UserID == userID {
			out = append(out, cloneSub(s))
		}
	}
	return out, nil
}

func (r *fakeSubscriptionRepo) UpdateStatus(ctx context.Context, qx any, id string, status model.SubscriptionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

func (r *fakeSubscriptionRepo) FindGrantedSubscription(ctx context.Context, qx any, paymentID string) (*model.UserSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subID, ok := r.grants[paymentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	s, ok := r.subs[subID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSub(s), nil
}

func (r *fakeSubscriptionRepo) RecordGrant(ctx context.Context, qx any, paymentID, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.grants[paymentID]; ok {
		return domain.ErrOperationFailed
	}
	r.grants[paymentID] = subscriptionID
	return nil
}

func (r *fakeSubscriptionRepo) CountActiveByPlan(ctx context.Context, qx any) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, s := range r.subs {
		if s.Status == model.SubscriptionStatusActive {
			out[s.PlanID]++
		}
	}
	return out, nil
}

// --- plan / user repos ---

type fakePlanRepo struct {
	mu    sync.Mutex
	plans map[string]*model.Plan
}

var _ repository.PlanRepository = (*fakePlanRepo)(nil)

func newFakePlanRepo(plans ...*model.Plan) *fakePlanRepo {
	r := &fakePlanRepo{plans: make(map[string]*model.Plan)}
	for _, p := range plans {
		r.plans[p.ID] = p
	}
	return r
}

func (r *fakePlanRepo) FindByID(ctx context.Context, qx any, id string) (*model.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePlanRepo) ListAll(ctx context.Context, qx any) ([]*model.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Plan
	for _, p := range r.plans {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

type fakeUserRepo struct {
	users map[string]*model.User
}

var _ repository.UserRepository = (*fakeUserRepo)(nil)

func newFakeUserRepo(users ...*model.User) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[string]*model.User)}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeUserRepo) FindByID(ctx context.Context, qx any, id string) (*model.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// --- transaction manager ---

// fakeTxManager serializes WithUserLock callbacks with a plain mutex, which
// is what the advisory lock gives us per user in production.
type fakeTxManager struct {
	mu sync.Mutex
}

var _ repository.TransactionManager = (*fakeTxManager)(nil)

func (m *fakeTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

func (m *fakeTxManager) WithUserLock(ctx context.Context, _ string, fn func(ctx context.Context, tx repository.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, nil)
}

// --- gateway ---

type mockGateway struct {
	method model.PaymentMethod

	CreateIntentFunc   func(ctx context.Context, amount int64, currency string, meta map[string]string) (*adapter.Intent, error)
	RetrieveStatusFunc func(ctx context.Context, externalID string) (adapter.CanonicalStatus, error)
	CaptureFunc        func(ctx context.Context, externalID string) error
	RefundFunc         func(ctx context.Context, externalID string, amount int64, reason string) (string, error)
	CancelIntentFunc   func(ctx context.Context, externalID string) error
	VerifyFunc         func(payload []byte, headers http.Header) bool
	ParseFunc          func(payload []byte) (adapter.WebhookEvent, error)
}

var _ adapter.PaymentGateway = (*mockGateway)(nil)

func (g *mockGateway) Name() model.PaymentMethod { return g.method }

func (g *mockGateway) CreateIntent(ctx context.Context, amount int64, currency string, meta map[string]string) (*adapter.Intent, error) {
	if g.CreateIntentFunc != nil {
		return g.CreateIntentFunc(ctx, amount, currency, meta)
	}
	return &adapter.Intent{ExternalID: "ext-" + meta["payment_id"]}, nil
}

func (g *mockGateway) RetrieveStatus(ctx context.Context, externalID string) (adapter.CanonicalStatus, error) {
	if g.RetrieveStatusFunc != nil {
		return g.RetrieveStatusFunc(ctx, externalID)
	}
	return adapter.StatusSucceeded, nil
}

func (g *mockGateway) Capture(ctx context.Context, externalID string) error {
	if g.CaptureFunc != nil {
		return g.CaptureFunc(ctx, externalID)
	}
	return nil
}

func (g *mockGateway) Refund(ctx context.Context, externalID string, amount int64, reason string) (string, error) {
	if g.RefundFunc != nil {
		return g.RefundFunc(ctx, externalID, amount, reason)
	}
	return "re_test", nil
}

func (g *mockGateway) CancelIntent(ctx context.Context, externalID string) error {
	if g.CancelIntentFunc != nil {
		return g.CancelIntentFunc(ctx, externalID)
	}
	return nil
}

func (g *mockGateway) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	if g.VerifyFunc != nil {
		return g.VerifyFunc(payload, headers)
	}
	return true
}

func (g *mockGateway) ParseWebhookEvent(payload []byte) (adapter.WebhookEvent, error) {
	if g.ParseFunc != nil {
		return g.ParseFunc(payload)
	}
	return adapter.WebhookEvent{Type: adapter.EventUnhandled}, nil
}

type fakeRegistry struct {
	byMethod map[model.PaymentMethod]adapter.PaymentGateway
}

var _ adapter.GatewayRegistry = (*fakeRegistry)(nil)

func newFakeRegistry(gws ...adapter.PaymentGateway) *fakeRegistry {
	r := &fakeRegistry{byMethod: make(map[model.PaymentMethod]adapter.PaymentGateway)}
	for _, gw := range gws {
		r.byMethod[gw.Name()] = gw
	}
	return r
}

func (r *fakeRegistry) Get(method model.PaymentMethod) (adapter.PaymentGateway, error) {
	gw, ok := r.byMethod[method]
	if !ok {
		return nil, domain.ErrInvalidArgument
	}
	return gw, nil
}
