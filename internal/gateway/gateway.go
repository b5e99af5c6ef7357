package gateway

import (
	"context"
	"errors"
)

var (
	ErrInvalidConfig = errors.New("gateway_invalid_config")
	ErrUpstream      = errors.New("gateway_upstream_error")
)

// InitiateInput describes one STK push request.
type InitiateInput struct {
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

// InitiateResult carries the provider identifiers for the push.
type InitiateResult struct {
	// ProviderRef is the checkout request identifier the provider echoes
	// back on its webhook; it becomes the transaction ID.
	ProviderRef     string
	MerchantRef     string
	CustomerMessage string
}

// Gateway triggers a payment prompt on the customer's phone. The outcome
// arrives asynchronously on the provider webhook, never on this call.
type Gateway interface {
	Initiate(ctx context.Context, in InitiateInput) (InitiateResult, error)
}
