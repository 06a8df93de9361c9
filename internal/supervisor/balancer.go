package supervisor

import (
	"github.com/loykin/horizon/internal/queue"
)

// simpleSplit spreads total workers over n queues, remainder going to the
// first queues in declaration order.
func simpleSplit(total, n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	base, rem := total/n, total%n
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}

// autoTarget returns the desired count for a pool currently at cur given its backlog.
// The result is always within [MinProcesses, MaxProcesses].
func autoTarget(cur int, b queue.Backlog, o Options) int {
	target := cur
	switch {
	case b.Pending > 0 && b.OldestAge > o.ScaleUpPressure && cur < o.MaxProcesses:
		target = cur + min(o.BalanceMaxShift, o.MaxProcesses-cur)
	case b.Pending == 0 && cur > o.MinProcesses:
		target = cur - min(o.BalanceMaxShift, cur-o.MinProcesses)
	}
	return clamp(target, o.MinProcesses, o.MaxProcesses)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
