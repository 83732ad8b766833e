// Package scheduler implements the schedule-decision logic (C4): whether
// any member of the policy's schedule set is a defined class in the current
// evaluation context.
package scheduler

import (
	"github.com/0lmi/execd/internal/evalctx"
	"github.com/0lmi/execd/internal/execlog"
)

// ShouldRun reports whether the agent should run on this tick: true at the
// first schedule member that is a defined class in ctx, false if schedule is
// empty or none of its members are defined. Ordering within schedule does
// not affect the result since membership is existential; logging the
// matching class is the only observable side effect of iteration order.
func ShouldRun(ctx *evalctx.Context, schedule map[string]struct{}, log *execlog.Logger) bool {
	for class := range schedule {
		if ctx.IsDefined(class) {
			if log != nil {
				log.Trace("schedule matched", "class", class)
			}
			return true
		}
	}
	return false
}
