package daytona

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/JoeProAI/neural-weights-hub/internal/domain"
)

// ErrStateTimeout is returned when a sandbox does not reach the wanted
// state within the wait budget.
var ErrStateTimeout = errors.New("sandbox did not reach target state in time")

// WaitForState polls the sandbox until it reports target, fails, or the
// budget is spent. Every poll shares the budget's deadline, so a hung request
// cannot outlive it. The last observed sandbox is returned in every case
// where at least one poll succeeded.
func (c *Client) WaitForState(ctx context.Context, id string, target domain.SandboxState, interval, budget time.Duration) (*Sandbox, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if budget <= 0 {
		budget = 30 * time.Second
	}
	backoff := retry.WithMaxDuration(budget, retry.NewConstant(interval))
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var last *Sandbox
	err := retry.Do(waitCtx, backoff, func(ctx context.Context) error {
		sb, err := c.Get(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		last = sb
		switch sb.State() {
		case target:
			return nil
		case domain.StateError:
			return fmt.Errorf("sandbox %s entered state %s", id, sb.State())
		}
		return retry.RetryableError(fmt.Errorf("%w: state %s", ErrStateTimeout, sb.State()))
	})
	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
		state := domain.StateUnknown
		if last != nil {
			state = last.State()
		}
		return last, fmt.Errorf("%w: state %s after %s", ErrStateTimeout, state, budget)
	}
	return last, err
}
