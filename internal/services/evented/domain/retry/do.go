package retry

import "context"

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted; the last error is returned in the latter case. attempt is
// 0 on the first call.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil || Classify(err) != Retryable {
			return err
		}
		delay, ok := p.NextDelay(attempt)
		if !ok {
			return err
		}
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}
