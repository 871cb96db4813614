// Package adaptive derives batch sizes, inter-batch delays, and timeout
// budgets from the current network profile. Bulk loaders process work in the
// derived batch size and pause between batches so constrained links are not
// saturated.
package adaptive

import (
	"context"
	"time"

	"sheetbox/internal/netprobe"
)

// Plan is the loading strategy derived from a network profile.
type Plan struct {
	BatchSize           int
	Delay               time.Duration // pause between batches
	Quality             string        // asset quality hint: low, medium, high
	EnableOptimizations bool          // throttling and reduced-quality loads
}

// PlanFor derives the loading plan for a profile. Data-saver mode and
// high-RTT links are treated as slow regardless of nominal bandwidth.
func PlanFor(p netprobe.Profile) Plan {
	speed := p.Speed
	if p.SaveData {
		speed = netprobe.SpeedSlow
	}

	switch speed {
	case netprobe.SpeedSlow:
		return Plan{BatchSize: 2, Delay: 500 * time.Millisecond, Quality: "low", EnableOptimizations: true}
	case netprobe.SpeedMedium:
		return Plan{BatchSize: 5, Delay: 200 * time.Millisecond, Quality: "medium", EnableOptimizations: true}
	default:
		return Plan{BatchSize: 10, Delay: 50 * time.Millisecond, Quality: "high", EnableOptimizations: false}
	}
}

// TimeoutFor returns the network request timeout budget for a speed tier.
func TimeoutFor(speed netprobe.Speed) time.Duration {
	switch speed {
	case netprobe.SpeedSlow:
		return 30 * time.Second
	case netprobe.SpeedMedium:
		return 15 * time.Second
	default:
		return 8 * time.Second
	}
}

// ValidationBatchSize returns how many cached entries the coordinator
// validates per batch at a given speed.
func ValidationBatchSize(speed netprobe.Speed) int {
	switch speed {
	case netprobe.SpeedSlow:
		return 2
	case netprobe.SpeedMedium:
		return 5
	default:
		return 10
	}
}

// Batches processes items in plan-sized batches, pausing the plan's delay
// between batches. Cancelling ctx stops further batches without error — the
// caller's teardown is not a failure mode.
func Batches[T any](ctx context.Context, items []T, plan Plan, fn func(ctx context.Context, batch []T) error) error {
	size := plan.BatchSize
	if size < 1 {
		size = 1
	}

	for start := 0; start < len(items); start += size {
		if ctx.Err() != nil {
			return nil
		}

		end := start + size
		if end > len(items) {
			end = len(items)
		}
		if err := fn(ctx, items[start:end]); err != nil {
			return err
		}

		if end < len(items) && plan.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(plan.Delay):
			}
		}
	}
	return nil
}
