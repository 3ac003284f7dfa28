package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"payment-service/gateways"
	"payment-service/models"
	"payment-service/repository"
)

// --- In-memory repositories ---

type memPaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{payments: make(map[uuid.UUID]*models.Payment)}
}

func (r *memPaymentRepo) Create(ctx context.Context, payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.OrderID == payment.OrderID && p.Active() {
			return repository.ErrDuplicatePayment
		}
		if payment.TransactionID != "" && p.TransactionID == payment.TransactionID {
			return repository.ErrDuplicateTransactionID
		}
	}
	cp := *payment
	r.payments[payment.ID] = &cp
	return nil
}

func (r *memPaymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPaymentRepo) FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.OrderID == orderID && p.Active() {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memPaymentRepo) FindByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.TransactionID == transactionID && transactionID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func applyPaymentSet(p *models.Payment, set bson.M) {
	for k, v := range set {
		switch k {
		case "payment_status":
			p.PaymentStatus = v.(models.PaymentStatus)
		case "transaction_id":
			p.TransactionID = v.(string)
		case "gateway_response":
			p.GatewayResponse = v.(map[string]interface{})
		case "stock_reserved":
			p.StockReserved = v.(bool)
		case "stock_committed":
			p.StockCommitted = v.(bool)
		case "loyalty_credited":
			p.LoyaltyCredited = v.(bool)
		case "refund_amount":
			p.RefundAmount = v.(int64)
		case "is_refunded":
			p.IsRefunded = v.(bool)
		case "refunded_at":
			t := v.(time.Time)
			p.RefundedAt = &t
		case "payment_method":
			p.PaymentMethod = v.(models.PaymentMethod)
		}
	}
}

func (r *memPaymentRepo) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to models.PaymentStatus, set bson.M) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.PaymentStatus != from {
		return repository.ErrStaleStatus
	}
	if set == nil {
		set = bson.M{}
	}
	applyPaymentSet(p, set)
	p.PaymentStatus = to
	return nil
}

func (r *memPaymentRepo) ApplyRefund(ctx context.Context, id uuid.UUID, from models.PaymentStatus, priorRefund int64, to models.PaymentStatus, set bson.M) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.PaymentStatus != from || p.RefundAmount != priorRefund {
		return repository.ErrStaleStatus
	}
	if set == nil {
		set = bson.M{}
	}
	applyPaymentSet(p, set)
	p.PaymentStatus = to
	return nil
}

func (r *memPaymentRepo) SetFields(ctx context.Context, id uuid.UUID, set bson.M) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return repository.ErrNotFound
	}
	applyPaymentSet(p, set)
	return nil
}

func (r *memPaymentRepo) AppendTransaction(ctx context.Context, id, transactionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Transactions = append(p.Transactions, transactionID)
	return nil
}

func (r *memPaymentRepo) FindExpiredPending(ctx context.Context, now time.Time, limit int64) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []models.Payment
	for _, p := range r.payments {
		if p.PaymentStatus == models.PaymentPending && p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
			due = append(due, *p)
		}
	}
	return due, nil
}

func (r *memPaymentRepo) List(ctx context.Context, filter bson.M, page, limit int64) ([]models.Payment, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.Payment
	for _, p := range r.payments {
		all = append(all, *p)
	}
	return all, int64(len(all)), nil
}

func (r *memPaymentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.payments, id)
	return nil
}

type memTransactionRepo struct {
	mu   sync.Mutex
	txns map[uuid.UUID]*models.Transaction
}

func newMemTransactionRepo() *memTransactionRepo {
	return &memTransactionRepo{txns: make(map[uuid.UUID]*models.Transaction)}
}

func (r *memTransactionRepo) Create(ctx context.Context, txn *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *txn
	if cp.TransactionDate.IsZero() {
		cp.TransactionDate = time.Now().UTC()
	}
	r.txns[txn.ID] = &cp
	return nil
}

func (r *memTransactionRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *memTransactionRepo) FindByPayment(ctx context.Context, paymentID uuid.UUID) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transaction
	for _, t := range r.txns {
		if t.PaymentID == paymentID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *memTransactionRepo) FindPendingByPayment(ctx context.Context, paymentID uuid.UUID) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.txns {
		if t.PaymentID == paymentID && t.Status == models.TransactionPending {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memTransactionRepo) CompleteFrom(ctx context.Context, id uuid.UUID, to models.TransactionStatus, set bson.M) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok || t.Status != models.TransactionPending {
		return repository.ErrStaleStatus
	}
	for k, v := range set {
		switch k {
		case "description":
			t.Description = v.(string)
		case "initiator":
			t.Initiator = v.(models.Initiator)
		case "transaction_id":
			t.TransactionID = v.(string)
		}
	}
	t.Status = to
	return nil
}

func (r *memTransactionRepo) CountByPayment(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	txns, _ := r.FindByPayment(ctx, paymentID)
	return int64(len(txns)), nil
}

type memOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[uuid.UUID]*models.Order)}
}

func (r *memOrderRepo) put(o *models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.orders[o.ID] = &cp
}

func (r *memOrderRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func applyOrderSet(o *models.Order, set bson.M) {
	for k, v := range set {
		switch k {
		case "order_status":
			o.OrderStatus = v.(models.OrderStatus)
		case "payment_status":
			o.PaymentStatus = v.(models.PaymentStatus)
		case "total_amount":
			o.TotalAmount = v.(int64)
		case "loyalty_points":
			o.LoyaltyPoints = v.(int64)
		}
	}
}

func (r *memOrderRepo) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from []models.OrderStatus, to models.OrderStatus, set bson.M) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return repository.ErrStaleStatus
	}
	matched := false
	for _, f := range from {
		if o.OrderStatus == f {
			matched = true
		}
	}
	if !matched {
		return repository.ErrStaleStatus
	}
	if set != nil {
		applyOrderSet(o, set)
	}
	o.OrderStatus = to
	return nil
}

func (r *memOrderRepo) SetFields(ctx context.Context, id uuid.UUID, set bson.M) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	applyOrderSet(o, set)
	return nil
}

func (r *memOrderRepo) AddPaymentRef(ctx context.Context, id, paymentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	o.Payments = append(o.Payments, paymentID)
	return nil
}

func (r *memOrderRepo) RemovePaymentRef(ctx context.Context, id, paymentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return repository.ErrNotFound
	}
	out := o.Payments[:0]
	for _, ref := range o.Payments {
		if ref != paymentID {
			out = append(out, ref)
		}
	}
	o.Payments = out
	return nil
}

type memPhoneRepo struct {
	mu     sync.Mutex
	phones map[uuid.UUID]*models.Phone
}

func newMemPhoneRepo() *memPhoneRepo {
	return &memPhoneRepo{phones: make(map[uuid.UUID]*models.Phone)}
}

func (r *memPhoneRepo) put(p *models.Phone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.phones[p.ID] = &cp
}

func (r *memPhoneRepo) get(id uuid.UUID) models.Phone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.phones[id]
}

func (r *memPhoneRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Phone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.phones[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPhoneRepo) Reserve(ctx context.Context, id uuid.UUID, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.phones[id]
	if !ok || p.Stock-p.Reserved < quantity {
		return repository.ErrInsufficientStock
	}
	p.Reserved += quantity
	return nil
}

func (r *memPhoneRepo) ReleaseReserved(ctx context.Context, id uuid.UUID, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.phones[id]
	if !ok || p.Reserved < quantity {
		return repository.ErrInsufficientReserved
	}
	p.Reserved -= quantity
	return nil
}

func (r *memPhoneRepo) CommitReserved(ctx context.Context, id uuid.UUID, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.phones[id]
	if !ok || p.Reserved < quantity || p.Stock < quantity {
		return repository.ErrInsufficientStock
	}
	p.Stock -= quantity
	p.Reserved -= quantity
	return nil
}

func (r *memPhoneRepo) DecrementStock(ctx context.Context, id uuid.UUID, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.phones[id]
	if !ok || p.Stock-p.Reserved < quantity {
		return repository.ErrInsufficientStock
	}
	p.Stock -= quantity
	return nil
}

func (r *memPhoneRepo) IncrementStock(ctx context.Context, id uuid.UUID, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.phones[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.Stock += quantity
	return nil
}

type memUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[uuid.UUID]*models.User)}
}

func (r *memUserRepo) put(u *models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.ID] = &cp
}

func (r *memUserRepo) get(id uuid.UUID) models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.users[id]
}

func (r *memUserRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) FindAdmins(ctx context.Context) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var admins []models.User
	for _, u := range r.users {
		if u.Role == models.RoleAdmin {
			admins = append(admins, *u)
		}
	}
	return admins, nil
}

func (r *memUserRepo) AdjustLoyaltyPoints(ctx context.Context, id uuid.UUID, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.LoyaltyPoints += delta
	return nil
}

func (r *memUserRepo) PushNotification(ctx context.Context, id, notificationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Notifications = append(u.Notifications, notificationID)
	return nil
}

func (r *memUserRepo) PullNotification(ctx context.Context, id, notificationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	out := u.Notifications[:0]
	for _, ref := range u.Notifications {
		if ref != notificationID {
			out = append(out, ref)
		}
	}
	u.Notifications = out
	return nil
}

// memSink fakes the notification sink; failKinds injects failures for the
// rollback tests.
type memSink struct {
	mu        sync.Mutex
	sent      map[uuid.UUID]string
	removed   []uuid.UUID
	failKinds map[string]bool
}

func newMemSink() *memSink {
	return &memSink{sent: make(map[uuid.UUID]string), failKinds: make(map[string]bool)}
}

func (s *memSink) Notify(ctx context.Context, kind string, recipient uuid.UUID, title, message string, data map[string]interface{}) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKinds[kind] {
		return uuid.Nil, fmt.Errorf("sink failure for %s", kind)
	}
	id := uuid.New()
	s.sent[id] = kind
	return id, nil
}

func (s *memSink) Remove(ctx context.Context, recipient, notificationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sent, notificationID)
	s.removed = append(s.removed, notificationID)
	return nil
}

func (s *memSink) countKind(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.sent {
		if k == kind {
			n++
		}
	}
	return n
}

// --- Fixture ---

type engineFixture struct {
	engine   *PaymentEngine
	payments *memPaymentRepo
	txns     *memTransactionRepo
	orders   *memOrderRepo
	phones   *memPhoneRepo
	users    *memUserRepo
	sink     *memSink
	registry *gateways.Registry

	user    models.User
	admin   models.User
	phone   models.Phone
	order   models.Order
	pricing int64
}

func newEngineFixture(t *testing.T, method models.PaymentMethod) *engineFixture {
	t.Helper()

	f := &engineFixture{
		payments: newMemPaymentRepo(),
		txns:     newMemTransactionRepo(),
		orders:   newMemOrderRepo(),
		phones:   newMemPhoneRepo(),
		users:    newMemUserRepo(),
		sink:     newMemSink(),
	}

	f.user = models.User{ID: uuid.New(), Role: models.RoleCustomer}
	f.admin = models.User{ID: uuid.New(), Role: models.RoleAdmin}
	f.users.put(&f.user)
	f.users.put(&f.admin)

	f.phone = models.Phone{
		ID:       uuid.New(),
		Name:     "Galaxy S25",
		Price:    12500000,
		Currency: models.CurrencyVND,
		Stock:    10,
	}
	f.phones.put(&f.phone)

	f.order = models.Order{
		ID:     uuid.New(),
		UserID: f.user.ID,
		Items: []models.OrderItem{{
			PhoneID:  f.phone.ID,
			Quantity: 2,
			Price:    f.phone.Price,
			Currency: models.CurrencyVND,
		}},
		ShippingFee:   30000,
		PaymentMethod: method,
		OrderStatus:   models.OrderPending,
		PaymentStatus: models.PaymentPending,
	}
	f.orders.put(&f.order)
	f.pricing = 2*f.phone.Price + f.order.ShippingFee

	logger := zap.NewNop()
	stock := NewStockCoordinator(f.phones, logger)
	f.registry = gateways.NewRegistry()
	f.engine = NewPaymentEngine(
		f.payments, f.txns, f.orders, f.phones, f.users,
		stock, f.sink, f.registry, 15*time.Minute, logger,
	)
	return f
}

func (f *engineFixture) createPayment(t *testing.T) *models.Payment {
	t.Helper()
	req := createReq(f)
	resp, svcErr := f.engine.CreatePayment(context.Background(), f.user.ID, &req)
	require.Nil(t, svcErr)
	return resp.Payment
}

func createReq(f *engineFixture) CreatePaymentRequest {
	return CreatePaymentRequest{
		OrderID:       f.order.ID,
		PaymentMethod: f.order.PaymentMethod,
		Amount:        f.pricing,
		Currency:      models.CurrencyVND,
	}
}

// fakeGateway returns canned provider responses for the gateway-order flow.
type fakeGateway struct {
	result    *gateways.CreateResult
	createErr error
	calls     int
}

func (g *fakeGateway) CreatePayment(ctx context.Context, order *models.Order, payment *models.Payment) (*gateways.CreateResult, error) {
	g.calls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.result, nil
}

func (g *fakeGateway) VerifyCallback(payload map[string]string) (*gateways.CallbackResult, error) {
	return nil, gateways.ErrInvalidSignature
}

// stalePaymentRepo serves a fixed snapshot from FindByID while writes still
// land on the live store, modelling a writer racing on an outdated read.
type stalePaymentRepo struct {
	repository.PaymentRepository
	snapshot models.Payment
}

func (r *stalePaymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	cp := r.snapshot
	return &cp, nil
}

// --- Tests ---

func TestCreatePayment(t *testing.T) {
	t.Run("direct method creates pending payment with opening transaction", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)

		payment := f.createPayment(t)
		assert.Equal(t, models.PaymentPending, payment.PaymentStatus)
		assert.Equal(t, f.pricing, payment.Amount)
		assert.False(t, payment.StockReserved)
		assert.Nil(t, payment.ExpiresAt)

		txn, err := f.txns.FindPendingByPayment(context.Background(), payment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.InitiatorUser, txn.Initiator)

		order, err := f.orders.FindByID(context.Background(), f.order.ID)
		require.NoError(t, err)
		assert.Contains(t, order.Payments, payment.ID)
	})

	t.Run("stale order totals are recomputed and persisted", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		stale := f.order
		stale.TotalAmount = 1
		stale.LoyaltyPoints = 0
		f.orders.put(&stale)

		f.createPayment(t)

		order, err := f.orders.FindByID(context.Background(), f.order.ID)
		require.NoError(t, err)
		assert.Equal(t, f.pricing, order.TotalAmount)
		assert.Equal(t, 2*f.pricing, order.LoyaltyPoints)
	})

	t.Run("expiring method reserves stock and sets a deadline", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)

		payment := f.createPayment(t)
		assert.True(t, payment.StockReserved)
		require.NotNil(t, payment.ExpiresAt)
		assert.Equal(t, 2, f.phones.get(f.phone.ID).Reserved)
	})

	t.Run("amount mismatch is rejected before any side effect", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		req := createReq(f)
		req.Amount = f.pricing - 1

		_, svcErr := f.engine.CreatePayment(context.Background(), f.user.ID, &req)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
		assert.Equal(t, 0, f.phones.get(f.phone.ID).Reserved)
	})

	t.Run("currency mismatch is rejected", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		req := createReq(f)
		req.Currency = models.CurrencyUSD

		_, svcErr := f.engine.CreatePayment(context.Background(), f.user.ID, &req)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
	})

	t.Run("gateway method without transaction id is rejected", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodMoMo)
		req := createReq(f)

		_, svcErr := f.engine.CreatePayment(context.Background(), f.user.ID, &req)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
	})

	t.Run("second active payment for the order is a conflict", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		f.createPayment(t)

		req := createReq(f)
		_, svcErr := f.engine.CreatePayment(context.Background(), f.user.ID, &req)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindConflict, svcErr.Kind)
	})

	t.Run("duplicate provider transaction id is a conflict", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodMoMo)
		req := createReq(f)
		req.TransactionID = "MOMO-123"
		req.GatewayResponse = map[string]interface{}{"resultCode": 0}

		_, svcErr := f.engine.CreatePayment(context.Background(), f.user.ID, &req)
		require.Nil(t, svcErr)

		// Same transaction id against a different order.
		other := f.order
		other.ID = uuid.New()
		f.orders.put(&other)
		req2 := req
		req2.OrderID = other.ID

		_, svcErr = f.engine.CreatePayment(context.Background(), f.user.ID, &req2)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindConflict, svcErr.Kind)
	})

	t.Run("insufficient stock at reserve time is rejected", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		short := f.phone
		short.Stock = 1
		f.phones.put(&short)

		req := createReq(f)
		_, svcErr := f.engine.CreatePayment(context.Background(), f.user.ID, &req)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
	})

	t.Run("another user's order reads as not found", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		req := createReq(f)

		_, svcErr := f.engine.CreatePayment(context.Background(), uuid.New(), &req)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindNotFound, svcErr.Kind)
	})
}

func TestCompletePayment(t *testing.T) {
	t.Run("confirm completes payment end to end", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)

		svcErr := f.engine.ConfirmPayment(context.Background(), payment.ID)
		require.Nil(t, svcErr)

		got, err := f.payments.FindByID(context.Background(), payment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentCompleted, got.PaymentStatus)
		assert.True(t, got.StockCommitted)
		assert.True(t, got.LoyaltyCredited)

		assert.Equal(t, 8, f.phones.get(f.phone.ID).Stock)

		order, err := f.orders.FindByID(context.Background(), f.order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderProcessing, order.OrderStatus)
		assert.Equal(t, models.PaymentCompleted, order.PaymentStatus)

		// Loyalty credit is twice the paid amount.
		assert.Equal(t, 2*f.pricing, f.users.get(f.user.ID).LoyaltyPoints)

		assert.Equal(t, 1, f.sink.countKind(models.NotifyPaymentSuccess))
		assert.Equal(t, 1, f.sink.countKind(models.NotifyAdminAlert))

		txn, err := f.txns.FindPendingByPayment(context.Background(), payment.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.Nil(t, txn)
	})

	t.Run("expiring method commits its reservation", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		payment := f.createPayment(t)

		svcErr := f.engine.ConfirmPayment(context.Background(), payment.ID)
		require.Nil(t, svcErr)

		phone := f.phones.get(f.phone.ID)
		assert.Equal(t, 8, phone.Stock)
		assert.Equal(t, 0, phone.Reserved)
	})

	t.Run("second confirm is a conflict and changes nothing", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)
		require.Nil(t, f.engine.ConfirmPayment(context.Background(), payment.ID))

		svcErr := f.engine.ConfirmPayment(context.Background(), payment.ID)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindConflict, svcErr.Kind)

		// No double-decrement, no double-credit, no duplicate notifications.
		assert.Equal(t, 8, f.phones.get(f.phone.ID).Stock)
		assert.Equal(t, 2*f.pricing, f.users.get(f.user.ID).LoyaltyPoints)
		assert.Equal(t, 1, f.sink.countKind(models.NotifyPaymentSuccess))
	})

	t.Run("no loyalty credit when the order redeems points", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		redeeming := f.order
		redeeming.UseLoyaltyPoints = true
		f.orders.put(&redeeming)

		payment := f.createPayment(t)
		require.Nil(t, f.engine.ConfirmPayment(context.Background(), payment.ID))
		assert.Equal(t, int64(0), f.users.get(f.user.ID).LoyaltyPoints)
	})

	t.Run("stock shortfall cancels the order and leaves payment pending", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)

		drained := f.phone
		drained.Stock = 1
		f.phones.put(&drained)

		svcErr := f.engine.ConfirmPayment(context.Background(), payment.ID)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)

		got, err := f.payments.FindByID(context.Background(), payment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPending, got.PaymentStatus)

		order, err := f.orders.FindByID(context.Background(), f.order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderCancelled, order.OrderStatus)

		assert.Equal(t, 1, f.sink.countKind(models.NotifyOutOfStock))
	})

	t.Run("notification failure rolls the whole completion back", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)
		f.sink.failKinds[models.NotifyPaymentSuccess] = true

		svcErr := f.engine.ConfirmPayment(context.Background(), payment.ID)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindCompensation, svcErr.Kind)

		got, err := f.payments.FindByID(context.Background(), payment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPending, got.PaymentStatus)
		assert.False(t, got.StockCommitted)
		assert.False(t, got.LoyaltyCredited)

		assert.Equal(t, 10, f.phones.get(f.phone.ID).Stock)
		assert.Equal(t, int64(0), f.users.get(f.user.ID).LoyaltyPoints)

		order, err := f.orders.FindByID(context.Background(), f.order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderPending, order.OrderStatus)

		// The opening transaction stays open for a retry.
		_, err = f.txns.FindPendingByPayment(context.Background(), payment.ID)
		assert.NoError(t, err)
	})

	t.Run("admin notification failure removes the user notification", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)
		f.sink.failKinds[models.NotifyAdminAlert] = true

		svcErr := f.engine.ConfirmPayment(context.Background(), payment.ID)
		require.NotNil(t, svcErr)
		assert.Equal(t, 0, f.sink.countKind(models.NotifyPaymentSuccess))
		assert.NotEmpty(t, f.sink.removed)
	})
}

func TestApplyGatewayResult(t *testing.T) {
	success := func(payment *models.Payment) *gateways.CallbackResult {
		return &gateways.CallbackResult{
			Status:        gateways.CallbackSuccess,
			PaymentRef:    payment.ID.String(),
			TransactionID: "PROVIDER-1",
			Amount:        payment.Amount,
			Code:          "0",
		}
	}

	t.Run("success callback completes the payment", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		payment := f.createPayment(t)

		svcErr := f.engine.ApplyGatewayResult(context.Background(), success(payment))
		require.Nil(t, svcErr)

		got, err := f.payments.FindByID(context.Background(), payment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentCompleted, got.PaymentStatus)
		assert.Equal(t, "PROVIDER-1", got.TransactionID)
	})

	t.Run("duplicate delivery is acknowledged without effect", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		payment := f.createPayment(t)
		require.Nil(t, f.engine.ApplyGatewayResult(context.Background(), success(payment)))

		svcErr := f.engine.ApplyGatewayResult(context.Background(), success(payment))
		assert.Nil(t, svcErr)

		assert.Equal(t, 8, f.phones.get(f.phone.ID).Stock)
		assert.Equal(t, 1, f.sink.countKind(models.NotifyPaymentSuccess))
	})

	t.Run("amount mismatch on success is rejected", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		payment := f.createPayment(t)

		result := success(payment)
		result.Amount = payment.Amount - 1
		svcErr := f.engine.ApplyGatewayResult(context.Background(), result)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)

		got, _ := f.payments.FindByID(context.Background(), payment.ID)
		assert.Equal(t, models.PaymentPending, got.PaymentStatus)
	})

	t.Run("failed callback releases the reservation", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		payment := f.createPayment(t)

		result := success(payment)
		result.Status = gateways.CallbackFailed
		result.Code = "1006"
		require.Nil(t, f.engine.ApplyGatewayResult(context.Background(), result))

		got, _ := f.payments.FindByID(context.Background(), payment.ID)
		assert.Equal(t, models.PaymentFailed, got.PaymentStatus)
		assert.False(t, got.StockReserved)

		phone := f.phones.get(f.phone.ID)
		assert.Equal(t, 10, phone.Stock)
		assert.Equal(t, 0, phone.Reserved)
	})

	t.Run("expired callback expires payment and cancels order", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		payment := f.createPayment(t)

		result := success(payment)
		result.Status = gateways.CallbackExpired
		require.Nil(t, f.engine.ApplyGatewayResult(context.Background(), result))

		got, _ := f.payments.FindByID(context.Background(), payment.ID)
		assert.Equal(t, models.PaymentExpired, got.PaymentStatus)

		order, _ := f.orders.FindByID(context.Background(), f.order.ID)
		assert.Equal(t, models.OrderCancelled, order.OrderStatus)
		assert.Equal(t, 0, f.phones.get(f.phone.ID).Reserved)
	})

	t.Run("unknown reference is not found", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		svcErr := f.engine.ApplyGatewayResult(context.Background(), &gateways.CallbackResult{
			Status:     gateways.CallbackSuccess,
			PaymentRef: uuid.NewString(),
		})
		require.NotNil(t, svcErr)
		assert.Equal(t, KindNotFound, svcErr.Kind)
	})

	t.Run("reference resolves through the provider transaction id", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodMoMo)
		req := createReq(f)
		req.TransactionID = "MOMO-REQ-77"
		req.GatewayResponse = map[string]interface{}{"resultCode": 0}
		resp, svcErr := f.engine.CreatePayment(context.Background(), f.user.ID, &req)
		require.Nil(t, svcErr)

		result := success(resp.Payment)
		result.PaymentRef = "MOMO-REQ-77"
		require.Nil(t, f.engine.ApplyGatewayResult(context.Background(), result))

		got, _ := f.payments.FindByID(context.Background(), resp.Payment.ID)
		assert.Equal(t, models.PaymentCompleted, got.PaymentStatus)
	})
}

func TestRefundPayment(t *testing.T) {
	completed := func(t *testing.T) (*engineFixture, *models.Payment) {
		t.Helper()
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)
		require.Nil(t, f.engine.ConfirmPayment(context.Background(), payment.ID))
		return f, payment
	}

	t.Run("partial then full refund", func(t *testing.T) {
		f, payment := completed(t)

		got, svcErr := f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: 200000, Reason: "scratch"})
		require.Nil(t, svcErr)
		assert.Equal(t, models.PaymentPartiallyRefunded, got.PaymentStatus)
		assert.Equal(t, int64(200000), got.RefundAmount)
		assert.False(t, got.IsRefunded)

		rest := payment.Amount - 200000
		got, svcErr = f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: rest, Reason: "return"})
		require.Nil(t, svcErr)
		assert.Equal(t, models.PaymentRefunded, got.PaymentStatus)
		assert.True(t, got.IsRefunded)
		assert.Equal(t, int64(0), got.RemainingRefundable())
	})

	t.Run("refund above the remainder is rejected", func(t *testing.T) {
		f, payment := completed(t)

		_, svcErr := f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: 200000})
		require.Nil(t, svcErr)

		_, svcErr = f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: payment.Amount - 200000 + 1})
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
	})

	t.Run("pending payment cannot be refunded", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)

		_, svcErr := f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: 1})
		require.NotNil(t, svcErr)
		assert.Equal(t, KindConflict, svcErr.Kind)
	})

	t.Run("future refund date is rejected", func(t *testing.T) {
		f, payment := completed(t)
		future := time.Now().Add(time.Hour)

		_, svcErr := f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: 1, RefundDate: &future})
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
	})

	t.Run("each refund appends a compensating transaction", func(t *testing.T) {
		f, payment := completed(t)
		_, svcErr := f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: 200000, Reason: "scratch"})
		require.Nil(t, svcErr)

		txns, err := f.txns.FindByPayment(context.Background(), payment.ID)
		require.NoError(t, err)
		// The opening transaction plus one refund entry.
		require.Len(t, txns, 2)
		var refund *models.Transaction
		for i := range txns {
			if txns[i].Amount < 0 {
				refund = &txns[i]
			}
		}
		require.NotNil(t, refund)
		assert.Equal(t, int64(-200000), refund.Amount)
		assert.Equal(t, models.TransactionCompleted, refund.Status)
	})

	t.Run("refund computed from a stale snapshot loses the swap", func(t *testing.T) {
		f, payment := completed(t)

		_, svcErr := f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: 200000, Reason: "scratch"})
		require.Nil(t, svcErr)
		snap, err := f.payments.FindByID(context.Background(), payment.ID)
		require.NoError(t, err)

		// Another refund lands between this racer's read and its write.
		// Both start from Partially Refunded, so only the refund-total
		// compare can reject the stale writer.
		_, svcErr = f.engine.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: 100000, Reason: "dent"})
		require.Nil(t, svcErr)

		racer := NewPaymentEngine(
			&stalePaymentRepo{PaymentRepository: f.payments, snapshot: *snap},
			f.txns, f.orders, f.phones, f.users,
			NewStockCoordinator(f.phones, zap.NewNop()), f.sink,
			f.registry, 15*time.Minute, zap.NewNop(),
		)
		_, svcErr = racer.RefundPayment(context.Background(), payment.ID, &RefundRequest{Amount: 100000, Reason: "dent"})
		require.NotNil(t, svcErr)
		assert.Equal(t, KindConflict, svcErr.Kind)

		current, err := f.payments.FindByID(context.Background(), payment.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(300000), current.RefundAmount)

		txns, err := f.txns.FindByPayment(context.Background(), payment.ID)
		require.NoError(t, err)
		// The opening transaction plus the two applied refunds only.
		require.Len(t, txns, 3)
	})
}

func TestCreateGatewayOrder(t *testing.T) {
	t.Run("provider intent is reserved and persisted with the pay url", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodMoMo)
		gw := &fakeGateway{result: &gateways.CreateResult{
			TransactionRef: "MOMO-REQ-1",
			PayURL:         "https://test-payment.momo.vn/pay/abc123",
			Raw:            map[string]interface{}{"resultCode": 0},
		}}
		f.registry.Register(models.MethodMoMo, gw)

		resp, svcErr := f.engine.CreateGatewayOrder(context.Background(), f.user.ID, f.order.ID, models.MethodMoMo)
		require.Nil(t, svcErr)
		assert.Equal(t, 1, gw.calls)
		assert.Equal(t, "https://test-payment.momo.vn/pay/abc123", resp.PayURL)
		assert.Equal(t, "MOMO-REQ-1", resp.TransactionRef)

		stored, err := f.payments.FindByID(context.Background(), resp.Payment.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPending, stored.PaymentStatus)
		assert.Equal(t, "MOMO-REQ-1", stored.TransactionID)
		assert.True(t, stored.StockReserved)
		require.NotNil(t, stored.ExpiresAt)
		assert.Equal(t, 2, f.phones.get(f.phone.ID).Reserved)

		txns, err := f.txns.FindByPayment(context.Background(), stored.ID)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, models.TransactionPending, txns[0].Status)

		order, err := f.orders.FindByID(context.Background(), f.order.ID)
		require.NoError(t, err)
		assert.Contains(t, order.Payments, stored.ID)
	})

	t.Run("provider failure persists nothing", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodMoMo)
		gw := &fakeGateway{createErr: gateways.ErrProvider}
		f.registry.Register(models.MethodMoMo, gw)

		_, svcErr := f.engine.CreateGatewayOrder(context.Background(), f.user.ID, f.order.ID, models.MethodMoMo)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindProvider, svcErr.Kind)

		_, err := f.payments.FindActiveByOrder(context.Background(), f.order.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.Equal(t, 0, f.phones.get(f.phone.ID).Reserved)
	})

	t.Run("method without an adapter is rejected", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodMoMo)

		_, svcErr := f.engine.CreateGatewayOrder(context.Background(), f.user.ID, f.order.ID, models.MethodMoMo)
		require.NotNil(t, svcErr)
		assert.Equal(t, KindValidation, svcErr.Kind)
	})
}

func TestExpireDuePayments(t *testing.T) {
	t.Run("overdue pending payment is expired", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		payment := f.createPayment(t)

		past := time.Now().UTC().Add(-time.Minute)
		f.payments.mu.Lock()
		f.payments.payments[payment.ID].ExpiresAt = &past
		f.payments.mu.Unlock()

		expired, err := f.engine.ExpireDuePayments(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, expired)

		got, _ := f.payments.FindByID(context.Background(), payment.ID)
		assert.Equal(t, models.PaymentExpired, got.PaymentStatus)

		order, _ := f.orders.FindByID(context.Background(), f.order.ID)
		assert.Equal(t, models.OrderCancelled, order.OrderStatus)
		assert.Equal(t, 0, f.phones.get(f.phone.ID).Reserved)
	})

	t.Run("payment within its deadline is untouched", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodVietQR)
		payment := f.createPayment(t)

		expired, err := f.engine.ExpireDuePayments(context.Background(), 10)
		require.NoError(t, err)
		assert.Equal(t, 0, expired)

		got, _ := f.payments.FindByID(context.Background(), payment.ID)
		assert.Equal(t, models.PaymentPending, got.PaymentStatus)
	})
}

func TestUpdateAndDeletePayment(t *testing.T) {
	t.Run("completed payment cannot be updated", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)
		require.Nil(t, f.engine.ConfirmPayment(context.Background(), payment.ID))

		_, svcErr := f.engine.UpdatePayment(context.Background(), payment.ID, &UpdatePaymentRequest{PaymentMethod: models.MethodInStore})
		require.NotNil(t, svcErr)
		assert.Equal(t, KindConflict, svcErr.Kind)
	})

	t.Run("pending payment method can change", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)

		got, svcErr := f.engine.UpdatePayment(context.Background(), payment.ID, &UpdatePaymentRequest{PaymentMethod: models.MethodInStore})
		require.Nil(t, svcErr)
		assert.Equal(t, models.MethodInStore, got.PaymentMethod)
	})

	t.Run("delete removes the order reference", func(t *testing.T) {
		f := newEngineFixture(t, models.MethodCashOnDelivery)
		payment := f.createPayment(t)

		require.Nil(t, f.engine.DeletePayment(context.Background(), payment.ID))

		order, _ := f.orders.FindByID(context.Background(), f.order.ID)
		assert.NotContains(t, order.Payments, payment.ID)
		_, err := f.payments.FindByID(context.Background(), payment.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}
