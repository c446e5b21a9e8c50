package payment

import "errors"

var (
	ErrUnknownPlan         = errors.New("unknown plan code")
	ErrInvalidMethod       = errors.New("unsupported payment method")
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOrderOwner       = errors.New("order belongs to another user")
	ErrGateway             = errors.New("payment gateway error")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrUnknownGateway      = errors.New("unknown webhook gateway")
	ErrNotRefundable       = errors.New("order is not refundable")
	ErrInvalidRefundAmount = errors.New("invalid refund amount")
)
