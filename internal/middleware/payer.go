// Package middleware carries the HTTP cross-cutting concerns of the
// gateway: payer identification, per-payer rate limiting, CORS, and
// request logging.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/agentmarket/onechat/internal/payment"
)

type contextKey string

const payerKey contextKey = "payer"

// WithPayer adds a payer address to the context.
func WithPayer(ctx context.Context, payer string) context.Context {
	return context.WithValue(ctx, payerKey, strings.ToLower(payer))
}

// PayerFromContext extracts the payer address from the context.
func PayerFromContext(ctx context.Context) (string, error) {
	payer, ok := ctx.Value(payerKey).(string)
	if !ok || payer == "" {
		return "", errors.New("payer context missing")
	}
	return payer, nil
}

// PayerMiddleware decodes the X-Payment header and injects the payer
// address into the request context. Requests without a header pass
// through untouched: free endpoints need no payer, and paid handlers
// run full verification themselves.
func PayerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("X-Payment")
		if header != "" {
			if payload, err := payment.DecodeHeader(header); err == nil {
				ctx := WithPayer(r.Context(), payload.Payload.Authorization.From)
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}
