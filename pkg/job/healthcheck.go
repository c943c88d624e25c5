package job

import (
	"context"
	"errors"
	"fmt"
)

// Healthcheck returns a readiness check that fails when the queue is
// unreachable or the dead letter backlog crosses the threshold.
func Healthcheck(q *Queue, deadLetterThreshold int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		counts, err := q.CountByStatus(ctx)
		if err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		if deadLetterThreshold > 0 && counts[StatusDeadLetter] >= deadLetterThreshold {
			return fmt.Errorf("%w: %d jobs in dead letter", ErrHealthcheckFailed, counts[StatusDeadLetter])
		}
		return nil
	}
}
