package model

import "context"

type paymentRefKey struct{}

// WithPaymentRef attaches the buyer's payment reference, such as the hash of
// an on-chain value transfer, to ctx.
func WithPaymentRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, paymentRefKey{}, ref)
}

// PaymentRef returns the payment reference carried by ctx.
func PaymentRef(ctx context.Context) (string, bool) {
	ref, ok := ctx.Value(paymentRefKey{}).(string)
	return ref, ok && ref != ""
}
