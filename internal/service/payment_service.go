package service

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"sokoni/config"
	"sokoni/internal/domain"
	"sokoni/internal/models"
	"sokoni/pkg/mpesa"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderAlreadyPaid = errors.New("order is already paid")
	ErrInvalidAmount    = errors.New("order amount must be positive")
	ErrInvalidPhone     = errors.New("invalid phone number")
	ErrPaymentInFlight  = errors.New("a payment attempt is already in progress for this order")
)

const sweepBatchSize = 100

// PaymentStore is the durable payment-attempt record. Lookups return
// (nil, nil) when nothing matches; CreateIfNoneInFlight, Accept and
// Transition are guarded writes that report false when a concurrent
// writer won.
type PaymentStore interface {
	CreateIfNoneInFlight(p *models.PaymentRequest) (bool, error)
	GetByCheckoutRequestID(checkoutRequestID string) (*models.PaymentRequest, error)
	Accept(id uint, merchantRequestID, checkoutRequestID string) (bool, error)
	Transition(id uint, from, to string, updates map[string]interface{}) (bool, error)
	ListPendingBefore(cutoff time.Time, limit int) ([]models.PaymentRequest, error)
	ListInitiatedBefore(cutoff time.Time, limit int) ([]models.PaymentRequest, error)
}

// OrderStore is the order subsystem as the payment core sees it.
type OrderStore interface {
	GetByID(id uint) (*models.Order, error)
	UpdatePaymentStatus(orderID uint, status, receipt string) error
}

// Gateway is the outbound payment provider (satisfied by *mpesa.Client).
type Gateway interface {
	STKPush(ctx context.Context, phoneNumber string, amountKES int64, accountRef, description string) (*mpesa.STKPushResponse, error)
}

// Notifier delivers payment outcome notifications to the buyer.
type Notifier interface {
	NotifyPaymentCompleted(userID uint, orderRef, receipt string)
	NotifyPaymentFailed(userID uint, orderRef, reason string)
}

type PaymentService struct {
	payments PaymentStore
	orders   OrderStore
	gateway  Gateway
	notifier Notifier

	pendingTimeout   time.Duration
	initiatedTimeout time.Duration

	mismatches atomic.Int64
	now        func() time.Time
}

func NewPaymentService(payments PaymentStore, orders OrderStore, gateway Gateway, notifier Notifier, cfg *config.PaymentConfig) *PaymentService {
	s := &PaymentService{
		payments:         payments,
		orders:           orders,
		gateway:          gateway,
		notifier:         notifier,
		pendingTimeout:   3 * time.Minute,
		initiatedTimeout: 10 * time.Minute,
		now:              time.Now,
	}
	if cfg != nil {
		if cfg.PendingTimeout > 0 {
			s.pendingTimeout = cfg.PendingTimeout
		}
		if cfg.InitiatedTimeout > 0 {
			s.initiatedTimeout = cfg.InitiatedTimeout
		}
	}
	return s
}

var phonePattern = regexp.MustCompile(`^254(7|1)\d{8}$`)

// NormalizePhone converts common Kenyan MSISDN spellings (07…, +2547…,
// 2547…) to the international format the gateway expects.
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.TrimPrefix(s, "+")
	if len(s) == 10 && strings.HasPrefix(s, "0") {
		s = "254" + s[1:]
	}
	if !phonePattern.MatchString(s) {
		return "", ErrInvalidPhone
	}
	return s, nil
}

// Initiate starts an STK push for the order: validates input, enforces
// the one-in-flight-attempt-per-order rule, persists the attempt before
// dispatch so a crash mid-call still leaves a reconcilable record, then
// submits to the gateway and records its acknowledgment.
func (s *PaymentService) Initiate(ctx context.Context, orderID uint, rawPhone string) (*models.PaymentRequest, error) {
	order, err := s.orders.GetByID(orderID)
	if err != nil {
		return nil, ErrOrderNotFound
	}
	if order.PaymentStatus == domain.OrderPaid {
		return nil, ErrOrderAlreadyPaid
	}
	if order.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}
	p := &models.PaymentRequest{
		OrderID:          orderID,
		AmountCents:      order.AmountCents,
		PhoneNumber:      phone,
		AccountReference: order.Reference,
		Status:           domain.PaymentInitiated,
	}
	// the store serializes this per order, so concurrent initiations
	// (double-click, two instances) produce exactly one INITIATED row
	created, err := s.payments.CreateIfNoneInFlight(p)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrPaymentInFlight
	}
	if err := s.orders.UpdatePaymentStatus(orderID, domain.OrderProcessing, ""); err != nil {
		log.Printf("[PAYMENT] order %d status update failed: %v", orderID, err)
	}

	// Daraja only takes whole KES
	amountKES := order.AmountCents / 100
	if amountKES == 0 {
		amountKES = 1
	}
	ack, err := s.gateway.STKPush(ctx, phone, amountKES, order.Reference, "Order "+order.Reference)
	if err != nil {
		if ok, terr := s.payments.Transition(p.ID, domain.PaymentInitiated, domain.PaymentFailed,
			map[string]interface{}{"result_description": err.Error()}); terr != nil || !ok {
			log.Printf("[PAYMENT] payment %d could not be marked failed: ok=%v err=%v", p.ID, ok, terr)
		}
		if oerr := s.orders.UpdatePaymentStatus(orderID, domain.OrderPaymentFailed, ""); oerr != nil {
			log.Printf("[PAYMENT] order %d status update failed: %v", orderID, oerr)
		}
		return nil, err
	}

	ok, err := s.payments.Accept(p.ID, ack.MerchantRequestID, ack.CheckoutRequestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// the sweeper expired the INITIATED row while the call was in flight
		log.Printf("[PAYMENT] payment %d no longer INITIATED after acknowledgment", p.ID)
	}
	p.Status = domain.PaymentPending
	p.MerchantRequestID = ack.MerchantRequestID
	p.CheckoutRequestID = ack.CheckoutRequestID
	log.Printf("[PAYMENT] stk push accepted order=%s amount_kes=%d checkout_request_id=%s", order.Reference, amountKES, ack.CheckoutRequestID)
	return p, nil
}

// Reconcile applies the provider's asynchronous result exactly once.
// Unknown checkout IDs bump the mismatch counter and are otherwise
// ignored; terminal requests treat redelivery as a no-op. The order
// update happens synchronously (one guarded UPDATE), the buyer
// notification is fire-and-forget.
func (s *PaymentService) Reconcile(ctx context.Context, result *mpesa.CallbackResult) error {
	p, err := s.payments.GetByCheckoutRequestID(result.CheckoutRequestID)
	if err != nil {
		return err
	}
	if p == nil {
		n := s.mismatches.Add(1)
		log.Printf("[MPESA callback] no payment request for checkout_request_id=%s (mismatches=%d)", result.CheckoutRequestID, n)
		return nil
	}
	if p.IsTerminal() {
		log.Printf("[MPESA callback] duplicate delivery for checkout_request_id=%s status=%s", result.CheckoutRequestID, p.Status)
		return nil
	}

	updates := map[string]interface{}{
		"result_code":        result.ResultCode,
		"result_description": result.ResultDesc,
	}
	if result.Success() {
		updates["receipt_number"] = result.ReceiptNumber
		ok, err := s.payments.Transition(p.ID, p.Status, domain.PaymentCompleted, updates)
		if err != nil {
			return err
		}
		if !ok {
			log.Printf("[MPESA callback] lost transition race for checkout_request_id=%s", result.CheckoutRequestID)
			return nil
		}
		if err := s.orders.UpdatePaymentStatus(p.OrderID, domain.OrderPaid, result.ReceiptNumber); err != nil {
			log.Printf("[MPESA callback] order %d payment status update failed: %v", p.OrderID, err)
		}
		log.Printf("[MPESA callback] payment %d completed receipt=%s order=%d", p.ID, result.ReceiptNumber, p.OrderID)
		s.notifyAsync(p.OrderID, true, result.ReceiptNumber, "")
		return nil
	}

	ok, err := s.payments.Transition(p.ID, p.Status, domain.PaymentFailed, updates)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[MPESA callback] lost transition race for checkout_request_id=%s", result.CheckoutRequestID)
		return nil
	}
	if err := s.orders.UpdatePaymentStatus(p.OrderID, domain.OrderPaymentFailed, ""); err != nil {
		log.Printf("[MPESA callback] order %d payment status update failed: %v", p.OrderID, err)
	}
	log.Printf("[MPESA callback] payment %d failed result_code=%d desc=%q", p.ID, result.ResultCode, result.ResultDesc)
	s.notifyAsync(p.OrderID, false, "", result.ResultDesc)
	return nil
}

func (s *PaymentService) notifyAsync(orderID uint, success bool, receipt, reason string) {
	if s.notifier == nil {
		return
	}
	go func() {
		order, err := s.orders.GetByID(orderID)
		if err != nil {
			log.Printf("[PAYMENT] notify: order %d lookup failed: %v", orderID, err)
			return
		}
		if success {
			s.notifier.NotifyPaymentCompleted(order.UserID, order.Reference, receipt)
		} else {
			s.notifier.NotifyPaymentFailed(order.UserID, order.Reference, reason)
		}
	}()
}

// SweepExpired moves PENDING rows older than the pending timeout to
// TIMED_OUT, and INITIATED rows that were never dispatched (crash
// between persist and submit) after a longer grace period. A callback
// racing the sweep loses or wins atomically via the guarded transition.
func (s *PaymentService) SweepExpired(ctx context.Context) (int, error) {
	swept := 0
	pending, err := s.payments.ListPendingBefore(s.now().Add(-s.pendingTimeout), sweepBatchSize)
	if err != nil {
		return swept, err
	}
	for _, p := range pending {
		ok, err := s.payments.Transition(p.ID, domain.PaymentPending, domain.PaymentTimedOut,
			map[string]interface{}{"result_description": "STK push expired without a callback"})
		if err != nil {
			log.Printf("[SWEEP] payment %d: %v", p.ID, err)
			continue
		}
		if !ok {
			continue // a late callback resolved it first
		}
		swept++
		if err := s.orders.UpdatePaymentStatus(p.OrderID, domain.OrderPaymentFailed, ""); err != nil {
			log.Printf("[SWEEP] order %d status update failed: %v", p.OrderID, err)
		}
		log.Printf("[SWEEP] payment %d (order %d) timed out waiting for callback", p.ID, p.OrderID)
	}

	initiated, err := s.payments.ListInitiatedBefore(s.now().Add(-s.initiatedTimeout), sweepBatchSize)
	if err != nil {
		return swept, err
	}
	for _, p := range initiated {
		ok, err := s.payments.Transition(p.ID, domain.PaymentInitiated, domain.PaymentTimedOut,
			map[string]interface{}{"result_description": "abandoned before dispatch"})
		if err != nil || !ok {
			continue
		}
		swept++
		if err := s.orders.UpdatePaymentStatus(p.OrderID, domain.OrderPaymentFailed, ""); err != nil {
			log.Printf("[SWEEP] order %d status update failed: %v", p.OrderID, err)
		}
		log.Printf("[SWEEP] payment %d (order %d) abandoned before dispatch", p.ID, p.OrderID)
	}
	return swept, nil
}

// Run drives the timeout sweep until ctx is canceled.
func (s *PaymentService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.SweepExpired(ctx); err != nil {
				log.Printf("[SWEEP] %v", err)
			} else if n > 0 {
				log.Printf("[SWEEP] timed out %d payment request(s)", n)
			}
		}
	}
}

// MismatchCount is the number of callbacks received for an unknown
// CheckoutRequestID since startup. Operators alert on this going up.
func (s *PaymentService) MismatchCount() int64 {
	return s.mismatches.Load()
}
