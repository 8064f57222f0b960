package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sokoni/internal/domain"
	"sokoni/internal/models"
	"sokoni/pkg/mpesa"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// fakes

type fakePaymentStore struct {
	mu   sync.Mutex
	seq  uint
	rows map[uint]*models.PaymentRequest
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{rows: make(map[uint]*models.PaymentRequest)}
}

// CreateIfNoneInFlight mirrors the repository's transactional guard:
// the existence check and insert happen under one lock.
func (f *fakePaymentStore) CreateIfNoneInFlight(p *models.PaymentRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.OrderID == p.OrderID && !domain.IsTerminalPaymentStatus(row.Status) {
			return false, nil
		}
	}
	f.insertLocked(p)
	return true, nil
}

func (f *fakePaymentStore) insertLocked(p *models.PaymentRequest) {
	f.seq++
	p.ID = f.seq
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	f.rows[p.ID] = &cp
}

// insert seeds a row without the in-flight guard (test helper).
func (f *fakePaymentStore) insert(p *models.PaymentRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertLocked(p)
}

func (f *fakePaymentStore) GetByCheckoutRequestID(checkoutRequestID string) (*models.PaymentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.rows {
		if p.CheckoutRequestID == checkoutRequestID && checkoutRequestID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakePaymentStore) Accept(id uint, merchantRequestID, checkoutRequestID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok || p.Status != domain.PaymentInitiated {
		return false, nil
	}
	p.Status = domain.PaymentPending
	p.MerchantRequestID = merchantRequestID
	p.CheckoutRequestID = checkoutRequestID
	p.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakePaymentStore) Transition(id uint, from, to string, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.rows[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	for k, v := range updates {
		switch k {
		case "result_description":
			p.ResultDescription = v.(string)
		case "receipt_number":
			p.ReceiptNumber = v.(string)
		case "result_code":
			code := v.(int)
			p.ResultCode = &code
		}
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakePaymentStore) ListPendingBefore(cutoff time.Time, limit int) ([]models.PaymentRequest, error) {
	return f.listBefore(domain.PaymentPending, cutoff, limit), nil
}

func (f *fakePaymentStore) ListInitiatedBefore(cutoff time.Time, limit int) ([]models.PaymentRequest, error) {
	return f.listBefore(domain.PaymentInitiated, cutoff, limit), nil
}

func (f *fakePaymentStore) listBefore(status string, cutoff time.Time, limit int) []models.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentRequest
	for _, p := range f.rows {
		if p.Status == status && p.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *p)
		}
	}
	return out
}

// get returns the stored row (test helper).
func (f *fakePaymentStore) get(id uint) models.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

// backdate makes a row look stale to the sweeper.
func (f *fakePaymentStore) backdate(id uint, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].UpdatedAt = time.Now().Add(-d)
}

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[uint]*models.Order
}

func newFakeOrderStore(orders ...*models.Order) *fakeOrderStore {
	f := &fakeOrderStore{orders: make(map[uint]*models.Order)}
	for _, o := range orders {
		f.orders[o.ID] = o
	}
	return f
}

func (f *fakeOrderStore) GetByID(id uint) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) UpdatePaymentStatus(orderID uint, status, receipt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return errors.New("record not found")
	}
	o.PaymentStatus = status
	if receipt != "" {
		o.ReceiptNumber = receipt
	}
	return nil
}

func (f *fakeOrderStore) paymentStatus(orderID uint) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[orderID].PaymentStatus
}

type fakeGateway struct {
	mu        sync.Mutex
	calls     int
	lastPhone string
	lastKES   int64
	resp      *mpesa.STKPushResponse
	err       error
}

func (f *fakeGateway) STKPush(ctx context.Context, phoneNumber string, amountKES int64, accountRef, description string) (*mpesa.STKPushResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastPhone = phoneNumber
	f.lastKES = amountKES
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type fakeNotifier struct {
	completed atomic.Int64
	failed    atomic.Int64
}

func (f *fakeNotifier) NotifyPaymentCompleted(userID uint, orderRef, receipt string) {
	f.completed.Add(1)
}

func (f *fakeNotifier) NotifyPaymentFailed(userID uint, orderRef, reason string) {
	f.failed.Add(1)
}

func newTestService(orders *fakeOrderStore, gw *fakeGateway) (*PaymentService, *fakePaymentStore, *fakeNotifier) {
	payments := newFakePaymentStore()
	notifier := &fakeNotifier{}
	svc := NewPaymentService(payments, orders, gw, notifier, nil)
	return svc, payments, notifier
}

// ---------------------------------------------------------------------------
// tests

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"254712345678", "254712345678", true},
		{"0712345678", "254712345678", true},
		{"+254712345678", "254712345678", true},
		{"254 712 345 678", "254712345678", true},
		{"0112-299-271", "254112299271", true},
		{"712345678", "", false},
		{"255712345678", "", false},
		{"25471234567", "", false},
		{"not-a-phone", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got, tc.in)
		} else {
			assert.ErrorIs(t, err, ErrInvalidPhone, tc.in)
		}
	}
}

func TestInitiate_EndToEnd(t *testing.T) {
	orders := newFakeOrderStore(&models.Order{ID: 1, UserID: 7, Reference: "O1", AmountCents: 50000, PaymentStatus: domain.OrderUnpaid})
	gw := &fakeGateway{resp: &mpesa.STKPushResponse{MerchantRequestID: "m-1", CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc, payments, notifier := newTestService(orders, gw)

	p, err := svc.Initiate(context.Background(), 1, "254712345678")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Equal(t, "ws_CO_1", p.CheckoutRequestID)
	assert.Equal(t, int64(500), gw.lastKES, "50000 cents is 500 whole KES")
	assert.Equal(t, "254712345678", gw.lastPhone)
	assert.Equal(t, domain.OrderProcessing, orders.paymentStatus(1))

	err = svc.Reconcile(context.Background(), &mpesa.CallbackResult{
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        0,
		ResultDesc:        "Success",
		ReceiptNumber:     "ABC123",
	})
	require.NoError(t, err)

	stored := payments.get(p.ID)
	assert.Equal(t, domain.PaymentCompleted, stored.Status)
	assert.Equal(t, "ABC123", stored.ReceiptNumber)
	assert.Equal(t, domain.OrderPaid, orders.paymentStatus(1))

	require.Eventually(t, func() bool { return notifier.completed.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestInitiate_Validation(t *testing.T) {
	orders := newFakeOrderStore(
		&models.Order{ID: 1, Reference: "O1", AmountCents: 50000},
		&models.Order{ID: 2, Reference: "O2", AmountCents: 0},
		&models.Order{ID: 3, Reference: "O3", AmountCents: 100, PaymentStatus: domain.OrderPaid},
	)
	gw := &fakeGateway{resp: &mpesa.STKPushResponse{CheckoutRequestID: "ws_CO_x", ResponseCode: "0"}}
	svc, _, _ := newTestService(orders, gw)

	_, err := svc.Initiate(context.Background(), 99, "254712345678")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = svc.Initiate(context.Background(), 1, "12345")
	assert.ErrorIs(t, err, ErrInvalidPhone)

	_, err = svc.Initiate(context.Background(), 2, "254712345678")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Initiate(context.Background(), 3, "254712345678")
	assert.ErrorIs(t, err, ErrOrderAlreadyPaid)

	assert.Equal(t, 0, gw.calls, "validation failures must not reach the gateway")
}

func TestInitiate_OnePendingAttemptPerOrder(t *testing.T) {
	orders := newFakeOrderStore(&models.Order{ID: 1, Reference: "O1", AmountCents: 50000})
	gw := &fakeGateway{resp: &mpesa.STKPushResponse{MerchantRequestID: "m-1", CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc, payments, _ := newTestService(orders, gw)

	_, err := svc.Initiate(context.Background(), 1, "254712345678")
	require.NoError(t, err)

	_, err = svc.Initiate(context.Background(), 1, "254712345678")
	assert.ErrorIs(t, err, ErrPaymentInFlight)
	assert.Equal(t, 1, gw.calls)

	// once the first attempt is terminal a new one is allowed
	require.NoError(t, svc.Reconcile(context.Background(), &mpesa.CallbackResult{
		CheckoutRequestID: "ws_CO_1", ResultCode: 1032, ResultDesc: "Request cancelled by user",
	}))
	gw.resp = &mpesa.STKPushResponse{MerchantRequestID: "m-2", CheckoutRequestID: "ws_CO_2", ResponseCode: "0"}
	p2, err := svc.Initiate(context.Background(), 1, "254712345678")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, p2.Status)
	assert.Equal(t, uint(2), payments.get(p2.ID).ID)
}

func TestInitiate_ConcurrentSameOrder(t *testing.T) {
	orders := newFakeOrderStore(&models.Order{ID: 1, Reference: "O1", AmountCents: 50000})
	gw := &fakeGateway{resp: &mpesa.STKPushResponse{MerchantRequestID: "m-1", CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc, payments, _ := newTestService(orders, gw)

	const attempts = 8
	start := make(chan struct{})
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Initiate(context.Background(), 1, "254712345678")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded, inFlight := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrPaymentInFlight):
			inFlight++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one initiation may win")
	assert.Equal(t, attempts-1, inFlight)
	assert.Equal(t, 1, gw.calls, "only the winner may reach the gateway")

	nonTerminal := 0
	payments.mu.Lock()
	for _, p := range payments.rows {
		if !domain.IsTerminalPaymentStatus(p.Status) {
			nonTerminal++
		}
	}
	payments.mu.Unlock()
	assert.Equal(t, 1, nonTerminal)
}

func TestInitiate_GatewayRejection(t *testing.T) {
	orders := newFakeOrderStore(&models.Order{ID: 1, Reference: "O1", AmountCents: 50000})
	gw := &fakeGateway{err: &mpesa.RejectedError{StatusCode: 400, Code: "400.002.02", Description: "Invalid Amount"}}
	svc, payments, _ := newTestService(orders, gw)

	_, err := svc.Initiate(context.Background(), 1, "254712345678")
	var rejected *mpesa.RejectedError
	require.ErrorAs(t, err, &rejected)

	stored := payments.get(1)
	assert.Equal(t, domain.PaymentFailed, stored.Status)
	assert.Contains(t, stored.ResultDescription, "Invalid Amount")
	assert.Equal(t, domain.OrderPaymentFailed, orders.paymentStatus(1))
}

func TestReconcile_Idempotent(t *testing.T) {
	orders := newFakeOrderStore(&models.Order{ID: 1, UserID: 7, Reference: "O1", AmountCents: 50000})
	gw := &fakeGateway{resp: &mpesa.STKPushResponse{MerchantRequestID: "m-1", CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc, payments, notifier := newTestService(orders, gw)

	p, err := svc.Initiate(context.Background(), 1, "254712345678")
	require.NoError(t, err)

	result := &mpesa.CallbackResult{CheckoutRequestID: "ws_CO_1", ResultCode: 0, ResultDesc: "Success", ReceiptNumber: "ABC123"}
	require.NoError(t, svc.Reconcile(context.Background(), result))
	require.NoError(t, svc.Reconcile(context.Background(), result))

	stored := payments.get(p.ID)
	assert.Equal(t, domain.PaymentCompleted, stored.Status)
	assert.Equal(t, "ABC123", stored.ReceiptNumber)

	require.Eventually(t, func() bool { return notifier.completed.Load() == 1 },
		time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), notifier.completed.Load(), "redelivery must not notify twice")
}

func TestReconcile_UnknownCheckoutRequestID(t *testing.T) {
	orders := newFakeOrderStore()
	svc, _, notifier := newTestService(orders, &fakeGateway{})

	err := svc.Reconcile(context.Background(), &mpesa.CallbackResult{CheckoutRequestID: "ws_CO_ghost", ResultCode: 0})
	require.NoError(t, err, "unknown callbacks are logged, never failed")
	assert.Equal(t, int64(1), svc.MismatchCount())
	assert.Equal(t, int64(0), notifier.completed.Load())
}

func TestReconcile_Failure(t *testing.T) {
	orders := newFakeOrderStore(&models.Order{ID: 1, UserID: 7, Reference: "O1", AmountCents: 50000})
	gw := &fakeGateway{resp: &mpesa.STKPushResponse{MerchantRequestID: "m-1", CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc, payments, notifier := newTestService(orders, gw)

	p, err := svc.Initiate(context.Background(), 1, "254712345678")
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(context.Background(), &mpesa.CallbackResult{
		CheckoutRequestID: "ws_CO_1", ResultCode: 1032, ResultDesc: "Request cancelled by user",
	}))
	stored := payments.get(p.ID)
	assert.Equal(t, domain.PaymentFailed, stored.Status)
	require.NotNil(t, stored.ResultCode)
	assert.Equal(t, 1032, *stored.ResultCode)
	assert.Equal(t, domain.OrderPaymentFailed, orders.paymentStatus(1))
	require.Eventually(t, func() bool { return notifier.failed.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestSweepExpired(t *testing.T) {
	orders := newFakeOrderStore(&models.Order{ID: 1, UserID: 7, Reference: "O1", AmountCents: 50000})
	gw := &fakeGateway{resp: &mpesa.STKPushResponse{MerchantRequestID: "m-1", CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	svc, payments, notifier := newTestService(orders, gw)

	p, err := svc.Initiate(context.Background(), 1, "254712345678")
	require.NoError(t, err)
	payments.backdate(p.ID, 10*time.Minute)

	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.PaymentTimedOut, payments.get(p.ID).Status)
	assert.Equal(t, domain.OrderPaymentFailed, orders.paymentStatus(1))

	// sweeping again is a no-op
	n, err = svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// a real callback arriving after the sweep is a duplicate no-op
	require.NoError(t, svc.Reconcile(context.Background(), &mpesa.CallbackResult{
		CheckoutRequestID: "ws_CO_1", ResultCode: 0, ResultDesc: "Success", ReceiptNumber: "LATE123",
	}))
	stored := payments.get(p.ID)
	assert.Equal(t, domain.PaymentTimedOut, stored.Status)
	assert.Empty(t, stored.ReceiptNumber)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), notifier.completed.Load())
}

func TestSweepExpired_AbandonedInitiated(t *testing.T) {
	orders := newFakeOrderStore(&models.Order{ID: 1, Reference: "O1", AmountCents: 50000})
	svc, payments, _ := newTestService(orders, &fakeGateway{})

	// a crash between persist and dispatch leaves a bare INITIATED row
	p := &models.PaymentRequest{OrderID: 1, AmountCents: 50000, PhoneNumber: "254712345678", AccountReference: "O1", Status: domain.PaymentInitiated}
	payments.insert(p)
	payments.backdate(p.ID, time.Hour)

	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.PaymentTimedOut, payments.get(p.ID).Status)

	// the order is unblocked for a fresh attempt
	gw := &fakeGateway{resp: &mpesa.STKPushResponse{MerchantRequestID: "m-2", CheckoutRequestID: "ws_CO_2", ResponseCode: "0"}}
	svc2 := NewPaymentService(payments, orders, gw, nil, nil)
	_, err = svc2.Initiate(context.Background(), 1, "254712345678")
	require.NoError(t, err)
}
