// Package evalctx implements the evaluation context (C2) and the
// wall-clock time-class derivation (C1) that the scheduler tests against.
package evalctx

import "fmt"

// frame is one scope level: a set of hard classes plus scoped variables.
type frame struct {
	classes map[string]struct{}
	vars    map[string]interface{}
}

func newFrame() *frame {
	return &frame{
		classes: make(map[string]struct{}),
		vars:    make(map[string]interface{}),
	}
}

// Context is a bag of hard classes plus scoped (scope, name) -> value
// variables, supporting push/pop nested evaluation frames. Class membership
// is a set; an inner-frame lookup shadows outer frames; Pop restores the
// pre-Push state exactly.
//
// sticky and negated hold the command-line-defined (-D) and command-line-
// negated (-N) classes. They live outside the frame stack and survive
// Clear, matching the original daemon's treatment of CLI-defined/negated
// classes as permanent for the life of the process, independent of the
// per-tick environment rebuild.
type Context struct {
	frames  []*frame
	sticky  map[string]struct{}
	negated map[string]struct{}
}

// New returns a Context with a single base frame.
func New() *Context {
	return &Context{
		frames:  []*frame{newFrame()},
		sticky:  make(map[string]struct{}),
		negated: make(map[string]struct{}),
	}
}

// Push adds a new scoped frame on top of the context.
func (c *Context) Push() {
	c.frames = append(c.frames, newFrame())
}

// Pop removes the most recently pushed frame. Popping the base frame is a
// programming error and panics, mirroring the invariant that Pop always
// restores exactly the pre-Push state.
func (c *Context) Pop() {
	if len(c.frames) <= 1 {
		panic("evalctx: Pop called with no pushed frame")
	}
	c.frames = c.frames[:len(c.frames)-1]
}

// PutHard inserts a hard class into the current (innermost) frame.
func (c *Context) PutHard(class string) {
	c.top().classes[class] = struct{}{}
}

// IsDefined reports whether class is defined in any frame, searching from
// the innermost frame outward. A negated class (SetNegated) is always
// reported as undefined, overriding both the sticky defines and every
// frame; a sticky class (PutHardSticky) is reported as defined regardless
// of frame state or Clear.
func (c *Context) IsDefined(class string) bool {
	if _, ok := c.negated[class]; ok {
		return false
	}
	if _, ok := c.sticky[class]; ok {
		return true
	}
	for i := len(c.frames) - 1; i >= 0; i-- {
		if _, ok := c.frames[i].classes[class]; ok {
			return true
		}
	}
	return false
}

// PutHardSticky permanently defines class for the lifetime of the Context,
// surviving Clear. Used for command-line -D/--define classes, which the
// original daemon treats as defined unconditionally for the whole run.
func (c *Context) PutHardSticky(class string) {
	c.sticky[class] = struct{}{}
}

// SetNegated replaces the permanently-negated class set, surviving Clear.
// Used for command-line -N/--negate classes: IsDefined always reports false
// for a negated class, regardless of anything else in the Context.
func (c *Context) SetNegated(classes map[string]struct{}) {
	negated := make(map[string]struct{}, len(classes))
	for class := range classes {
		negated[class] = struct{}{}
	}
	c.negated = negated
}

// PutVar sets a scoped variable in the current frame.
func (c *Context) PutVar(scope, name string, value interface{}) {
	c.top().vars[key(scope, name)] = value
}

// GetVar looks up a scoped variable, searching from the innermost frame
// outward so an inner frame shadows outer ones.
func (c *Context) GetVar(scope, name string) (interface{}, bool) {
	k := key(scope, name)
	for i := len(c.frames) - 1; i >= 0; i-- {
		if v, ok := c.frames[i].vars[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// Clear resets the context to a single empty base frame, discarding all
// classes, variables, and pushed frames. Used on both environment reload
// and full reload (spec C9).
func (c *Context) Clear() {
	c.frames = []*frame{newFrame()}
}

func (c *Context) top() *frame {
	return c.frames[len(c.frames)-1]
}

func key(scope, name string) string {
	return fmt.Sprintf("%s.%s", scope, name)
}
