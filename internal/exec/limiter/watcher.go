package limiter

import (
	"context"
	"fmt"
	"time"

	"runlab/internal/exec/model"
)

const defaultPollInterval = 250 * time.Millisecond

// Breach reports one enforced limit violation.
type Breach struct {
	Reason model.FailureReason
	Detail string
}

// UsageFunc samples current resource usage of the watched sandbox.
type UsageFunc func() (model.ResourceUsage, error)

// KillFunc force-terminates the watched sandbox process tree.
type KillFunc func()

// WatchConfig tunes the watcher.
type WatchConfig struct {
	// PollInterval is the usage sampling period; a trade-off between
	// termination promptness and overhead.
	PollInterval time.Duration
}

// Watch enforces the limits against a running sandbox, independently of the
// coordinator. It samples usage on every tick, and on the first breach kills
// the process tree and delivers exactly one Breach on the returned channel.
// The channel is closed when watching stops, breach or not. The wall clock
// starts at the call. Cancelling ctx runs one final check before the close,
// so a breach that lands inside the last poll interval is still reported.
func Watch(ctx context.Context, limits model.ResourceLimits, usage UsageFunc, kill KillFunc, cfg WatchConfig) <-chan Breach {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	out := make(chan Breach, 1)
	start := time.Now()

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				if breach, ok := check(limits, start, usage); ok {
					kill()
					out <- breach
				}
				return
			case <-ticker.C:
			}

			if breach, ok := check(limits, start, usage); ok {
				kill()
				out <- breach
				return
			}
		}
	}()
	return out
}

func check(limits model.ResourceLimits, start time.Time, usage UsageFunc) (Breach, bool) {
	if limits.WallTimeMs > 0 {
		elapsed := time.Since(start)
		if elapsed >= time.Duration(limits.WallTimeMs)*time.Millisecond {
			return Breach{
				Reason: model.ReasonWallTimeout,
				Detail: fmt.Sprintf("wall clock %dms exceeded limit %dms", elapsed.Milliseconds(), limits.WallTimeMs),
			}, true
		}
	}

	sample, err := usage()
	if err != nil {
		// Sampling failures are transient (the process may have just exited);
		// the wall-clock check above still guarantees termination.
		return Breach{}, false
	}

	if limits.MemoryMB > 0 && sample.PeakMemoryKB > limits.MemoryMB*1024 {
		return Breach{
			Reason: model.ReasonResourceExceeded,
			Detail: fmt.Sprintf("peak memory %dKB exceeded limit %dMB", sample.PeakMemoryKB, limits.MemoryMB),
		}, true
	}
	if limits.CPUTimeMs > 0 && sample.CPUTimeMs > limits.CPUTimeMs {
		return Breach{
			Reason: model.ReasonResourceExceeded,
			Detail: fmt.Sprintf("cpu time %dms exceeded limit %dms", sample.CPUTimeMs, limits.CPUTimeMs),
		}, true
	}
	return Breach{}, false
}
