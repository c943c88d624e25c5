package job

import "time"

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff computes the delay before a retry attempt.
type Backoff struct {
	Kind BackoffKind
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff doubles from one second and caps at five minutes.
var DefaultBackoff = Backoff{
	Kind: BackoffExponential,
	Base: time.Second,
	Max:  5 * time.Minute,
}

// Next returns the delay after the given failed attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	var d time.Duration
	switch b.Kind {
	case BackoffLinear:
		d = time.Duration(attempt) * base
	case BackoffExponential:
		d = base
		for i := 1; i < attempt; i++ {
			d *= 2
			if b.Max > 0 && d >= b.Max {
				d = b.Max
				break
			}
		}
	default:
		d = base
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
