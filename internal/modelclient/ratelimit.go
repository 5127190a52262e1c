package modelclient

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"github.com/taskmesh/orchestrator/internal/kinds"
	"github.com/taskmesh/orchestrator/internal/outcome"
)

// RateLimited wraps a Client with a per-process token-bucket limiter so a
// burst of concurrent agent steps does not exceed a backend's requests-per-
// second budget ahead of the backend's own transient-error retry. Unlike the
// teacher's AdaptiveRateLimiter this does not probe/back off against
// observed rate-limit responses or coordinate across a cluster — §6.2 calls
// for per-client limiting only, and this core runs the model client inside a
// single orchestratord process per deployment.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limiter allowing rps requests per second
// and up to burst requests in a single instant.
func NewRateLimited(next Client, rps float64, burst int) *RateLimited {
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

var _ Client = (*RateLimited)(nil)

func (c *RateLimited) Structured(ctx context.Context, req *StructuredRequest) outcome.Result[json.RawMessage] {
	if err := c.limiter.Wait(ctx); err != nil {
		return outcome.ErrFromCause[json.RawMessage](kinds.KindTransient, "rate limiter wait canceled", err)
	}
	return c.next.Structured(ctx, req)
}

func (c *RateLimited) Generate(ctx context.Context, req *GenerateRequest) outcome.Result[*GenerateResponse] {
	if err := c.limiter.Wait(ctx); err != nil {
		return outcome.ErrFromCause[*GenerateResponse](kinds.KindTransient, "rate limiter wait canceled", err)
	}
	return c.next.Generate(ctx, req)
}
