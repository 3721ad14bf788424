package ai

import (
	"context"
)

// Gateway combines a Responder with the rate limiter. It never calls out when
// the limiter refuses, returning ErrRateLimited so the dispatcher can answer
// deterministically without spending quota.
type Gateway struct {
	responder Responder
	limiter   *Limiter
}

func NewGateway(r Responder, l *Limiter) *Gateway {
	return &Gateway{responder: r, limiter: l}
}

// Ask answers the viewer's question through the rate limit. Errors are one of
// ErrRateLimited or ErrUnavailable (possibly wrapped).
func (g *Gateway) Ask(ctx context.Context, viewerID, viewerName, question string) (string, error) {
	if g.responder == nil {
		return "", ErrUnavailable
	}
	if g.limiter != nil && !g.limiter.Allow(viewerID) {
		return "", ErrRateLimited
	}
	return g.responder.Ask(ctx, viewerName, question)
}
