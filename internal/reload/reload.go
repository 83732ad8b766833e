// Package reload implements the reload controller (C9): on every pulse it
// decides whether the on-disk policy has moved since the state was last
// validated, and whether that movement warrants an environment reload (the
// default, cheap, class-preserving refresh) or a full reload (rebuilding the
// evaluation context and configs from scratch, gated on ArePromisesValid).
package reload

import (
	"time"

	"github.com/0lmi/execd/internal/evalctx"
	"github.com/0lmi/execd/internal/execlog"
	"github.com/0lmi/execd/internal/policy"
	"github.com/0lmi/execd/internal/runagent"
)

// Controller holds the mutable state a reload decision is made against and
// acted upon: the active policy, the evaluation context it populates, and
// the timestamp of the last validated load.
type Controller struct {
	store  policy.Store
	path   string
	log    *execlog.Logger
	ctx    *evalctx.Context
	active *policy.Policy

	lastValidatedAt time.Time
}

// New builds a Controller around an already-loaded initial policy, as
// produced by the daemon at startup (a failed initial load is fatal there,
// not a reload-controller concern).
func New(store policy.Store, path string, ctx *evalctx.Context, initial *policy.Policy, log *execlog.Logger) *Controller {
	return &Controller{
		store:           store,
		path:            path,
		log:             log,
		ctx:             ctx,
		active:          initial,
		lastValidatedAt: initial.LoadedAt,
	}
}

// Active returns the currently effective policy.
func (c *Controller) Active() *policy.Policy { return c.active }

// Outcome describes what a Tick call did, so the daemon main loop can react
// (e.g. re-apply the runagent ACL after a full reload that changed it).
type Outcome struct {
	// Reloaded is true if either kind of reload occurred.
	Reloaded bool
	// Full is true if the reload rebuilt the evaluation context and
	// configs from scratch, rather than merely refreshing time classes.
	Full bool
	// AllowUsersChanged is true if RunagentAllowUsers differs from the
	// set in effect before this tick, and carries the pre-reload set so
	// the caller can diff it against the new Listener.AllowedUsers().
	AllowUsersChanged bool
	PreviousAllowUsers map[string]struct{}
}

// Tick runs one reload decision. explicitRequest is the value of
// gate.ReloadRequested() observed by the caller before calling Tick; the
// caller is responsible for clearing the gate's flag afterward regardless
// of outcome, since a rejected reload still consumes the request.
func (c *Controller) Tick(explicitRequest bool) Outcome {
	validatedAt, err := c.store.ValidatedAt(c.path)
	if err != nil {
		c.log.Degrading("failed to stat policy for reload check", "path", c.path, "error", err)
		return Outcome{}
	}

	policyMoved := validatedAt.After(c.lastValidatedAt)
	if !policyMoved && !explicitRequest {
		return Outcome{}
	}

	if !policyMoved && explicitRequest {
		// An explicit SIGHUP with no on-disk change is an environment
		// reload: time classes are recomputed on every pulse anyway, so
		// this is a no-op beyond acknowledging the request.
		c.log.Transient("reload requested with no policy change, refreshing environment only")
		return Outcome{Reloaded: true, Full: false}
	}

	if !c.store.ArePromisesValid(c.path) {
		c.log.ReloadRejected("new policy failed validation, keeping previous policy in effect", "path", c.path)
		return Outcome{}
	}

	next, err := c.store.Load(c.path)
	if err != nil {
		c.log.ReloadRejected("new policy failed to load after passing validation, keeping previous policy in effect", "path", c.path, "error", err)
		return Outcome{}
	}

	previousUsers := c.active.ExecdConfig().RunagentAllowUsers
	usersChanged := !runagent.UsersEqual(previousUsers, next.ExecdConfig().RunagentAllowUsers)

	c.ctx.Clear()
	c.active = next
	c.lastValidatedAt = validatedAt

	c.log.Transient("full reload committed", "path", c.path, "validated_at", validatedAt)

	return Outcome{
		Reloaded:           true,
		Full:               true,
		AllowUsersChanged:  usersChanged,
		PreviousAllowUsers: previousUsers,
	}
}
