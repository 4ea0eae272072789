package probe

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryChecker repeats a failing check. The last result is returned, with
// the message annotated when every attempt failed.
type RetryChecker struct {
	Inner    Checker
	Attempts int
	Backoff  time.Duration
}

func (r *RetryChecker) Check(ctx context.Context, target string) CheckResult {
	attempts := max(r.Attempts, 1)
	b := retrypolicy.NewBuilder[CheckResult]().
		HandleIf(func(res CheckResult, err error) bool { return err == nil && !res.Success }).
		WithMaxRetries(attempts - 1)
	if r.Backoff > 0 {
		b = b.WithDelay(r.Backoff)
	}

	var last CheckResult
	_, _ = failsafe.With[CheckResult](b.Build()).WithContext(ctx).Get(func() (CheckResult, error) {
		last = r.Inner.Check(ctx, target)
		return last, nil
	})
	if !last.Success && attempts > 1 {
		last.Message += " (after retries)"
	}
	return last
}
