// Package ratelimit provides an adaptive token-bucket middleware for
// modelclient.Client: it estimates the token cost of each request, blocks
// callers until budget is available, and backs off its effective
// tokens-per-minute rate when the provider reports it is rate limited.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/csvanalyst/agent-server/internal/modelclient"
)

// ErrRateLimited is the sentinel a modelclient.Client implementation should
// wrap its error with when the provider reports it is being throttled, so
// Limiter can back off its local budget in response.
var ErrRateLimited = errors.New("model provider rate limited the request")

// Limiter applies an AIMD-style adaptive token bucket on top of a
// modelclient.Client. It is process-local: one instance per server process,
// wrapping the outbound client once before handing it to the agent engine.
type Limiter struct {
	mu sync.Mutex

	bucket *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// New constructs a Limiter with an initial tokens-per-minute budget and an
// upper bound. maxTPM is clamped up to initialTPM if it is smaller.
func New(initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		bucket:       rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns client with the limiter's Complete call enforced in front of
// it.
func (l *Limiter) Wrap(client modelclient.Client) modelclient.Client {
	return &limitedClient{next: client, limiter: l}
}

type limitedClient struct {
	next    modelclient.Client
	limiter *Limiter
}

func (c *limitedClient) Complete(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
	if err := c.limiter.bucket.WaitN(ctx, estimateTokens(req)); err != nil {
		return modelclient.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *Limiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM applies newTPM to the bucket. Callers must hold l.mu.
func (l *Limiter) setTPM(newTPM float64) {
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.bucket.SetLimit(rate.Limit(newTPM / 60.0))
	l.bucket.SetBurst(int(newTPM))
}

// estimateTokens is a cheap heuristic for a request's token cost: it counts
// characters across every message's text and tool results, converts using a
// fixed ratio, and adds a fixed buffer for system-prompt and provider
// framing overhead.
func estimateTokens(req modelclient.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Text)
		for _, tr := range m.ToolResults {
			charCount += len(tr.Content)
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
