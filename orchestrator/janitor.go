package orchestrator

import (
	"context"
	"errors"
	"time"

	"eduhelper/state"
)

// RunJanitor sweeps expired conversations every interval until ctx ends.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := o.Sweep(ctx)
			if err != nil {
				o.logger.Warn("State sweep failed: %v", err)
			} else if n > 0 {
				o.logger.Info("State sweep removed %d expired conversations", n)
			}
		}
	}
}

// Sweep removes expired conversations, refunds their admissions and
// notifies their users. Users with an event in flight are skipped until
// the next sweep.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	now := o.now()
	expired, err := o.deps.States.Expired(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    []error
	)
	for _, c := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := o.sweepOne(ctx, c.UserID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func (o *Orchestrator) sweepOne(ctx context.Context, userID string, now time.Time) (bool, error) {
	release, ok := o.gate.TryAcquireSweep(userID)
	if !ok {
		return false, nil
	}
	defer release()

	// Reload under the gate; the user may have moved on since the listing
	conv, err := o.deps.States.Load(ctx, userID)
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !conv.Expired(now) {
		return false, nil
	}
	if err := o.expire(ctx, conv); err != nil {
		return false, err
	}

	log := o.logger.With("user_id", userID, "task_id", conv.TaskID, "stage", string(conv.Stage))
	log.Info("Expired conversation removed")
	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.Send(ctx, Reply{UserID: userID, Text: msgExpired}); err != nil {
			log.Warn("Failed to send expiry notice: %v", err)
		}
	}
	return true, nil
}
