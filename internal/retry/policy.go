package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/dunamismax/actflow/internal/runway"
)

// Decision is the outcome of one retry consultation: either wait
// After and try again, or give up.
type Decision struct {
	Retry bool
	After time.Duration
}

func giveUp() Decision {
	return Decision{}
}

// Policy is a pure decision function over (error kind, attempt
// number). It holds no clocks and performs no sleeping itself.
type Policy struct {
	// MaxAttempts bounds transient retries. The attempt that pushes a
	// job past this count is the one that gives up.
	MaxAttempts int
	// RateLimitCeiling bounds rate-limited retries. Deliberately high:
	// throttling is not the job's fault.
	RateLimitCeiling int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	// JitterFraction adds up to this fraction of the delay on top, to
	// spread out resubmission when many jobs fail together.
	JitterFraction float64

	// rnd is injectable for deterministic tests.
	rnd func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		RateLimitCeiling: 50,
		BaseDelay:        2 * time.Second,
		MaxDelay:         60 * time.Second,
		JitterFraction:   0.2,
	}
}

// Decide maps an error kind and the current attempt count to a retry
// decision. attempt is the number of submission attempts already made.
func (p Policy) Decide(kind runway.ErrorKind, attempt int) Decision {
	switch kind {
	case runway.KindRateLimited:
		ceiling := p.RateLimitCeiling
		if ceiling <= 0 {
			ceiling = 50
		}
		if attempt >= ceiling {
			return giveUp()
		}
		return Decision{Retry: true, After: p.backoff(attempt)}
	case runway.KindTransient:
		maxAttempts := p.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		if attempt >= maxAttempts {
			return giveUp()
		}
		return Decision{Retry: true, After: p.backoff(attempt)}
	default:
		return giveUp()
	}
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}

	// Clamp the exponent so the shift cannot overflow.
	exp := attempt
	if exp > 20 {
		exp = 20
	}
	delay := time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(exp)),
		float64(maxDelay),
	))

	if p.JitterFraction > 0 {
		rnd := p.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		delay += time.Duration(rnd() * p.JitterFraction * float64(delay))
	}
	return delay
}
