package domain

// PaymentRequest lifecycle. INITIATED and PENDING are the only
// non-terminal states; a request that reaches any other state is
// immutable from then on.
const (
	PaymentInitiated = "INITIATED"
	PaymentPending   = "PENDING"
	PaymentCompleted = "COMPLETED"
	PaymentFailed    = "FAILED"
	PaymentTimedOut  = "TIMED_OUT"
)

func IsTerminalPaymentStatus(status string) bool {
	return status == PaymentCompleted || status == PaymentFailed || status == PaymentTimedOut
}

// Order payment status as seen by the storefront.
const (
	OrderUnpaid        = "UNPAID"
	OrderProcessing    = "PROCESSING"
	OrderPaid          = "PAID"
	OrderPaymentFailed = "PAYMENT_FAILED"
)

const (
	RoleAdmin    = "ADMIN"
	RoleCustomer = "CUSTOMER"
)

const (
	NotifPaymentCompleted = "PAYMENT_COMPLETED"
	NotifPaymentFailed    = "PAYMENT_FAILED"
)
