package sawmill

import (
	"context"
	"fmt"

	"github.com/jward/sawmill/internal/core"
	"github.com/jward/sawmill/internal/glob"
)

// Action is the handle a running rule or top-level action uses to declare
// dependencies and talk to the build. An Action must not be shared between
// goroutines: parallelism comes from needing many paths in one call.
type Action struct {
	ex *core.Execution
}

// Need brings paths up to date before returning. Paths within one call
// are unordered and build in parallel; consecutive calls form an ordered
// sequence, and rebuild checking replays them in that order.
func (a *Action) Need(paths ...string) error {
	_, err := a.apply(paths)
	return err
}

func (a *Action) apply(paths []string) ([]ModTime, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	keys := make([]core.Key, len(paths))
	for i, p := range paths {
		keys[i] = newFileKey(p)
	}
	values, err := a.ex.Apply(keys)
	if err != nil {
		return nil, err
	}
	stamps := make([]ModTime, len(values))
	for i, v := range values {
		st, ok := v.(ModTime)
		if !ok {
			return nil, fmt.Errorf("unexpected answer for %s: %T", paths[i], v)
		}
		stamps[i] = st
	}
	return stamps, nil
}

// Needed declares paths as dependencies while asserting they were already
// up to date. With lint off it is exactly Need. With lint on, each path
// is probed before the need, and any difference between that probe and
// the answer the need returns means the dependency graph let this rule
// start too early; the build fails on the first offending path.
func (a *Action) Needed(paths ...string) error {
	if !a.ex.Lint() {
		return a.Need(paths...)
	}
	pre := make([]ModTime, len(paths))
	for i, p := range paths {
		st, _, err := statFile(normalize(p))
		if err != nil {
			return err
		}
		pre[i] = st
	}
	post, err := a.apply(paths)
	if err != nil {
		return err
	}
	for i := range paths {
		if pre[i].Equal(post[i]) {
			continue
		}
		kind := "File change"
		if pre[i].IsNone() {
			kind = "File created"
		}
		return &BuildError{
			Title: "lint: needed file was not already up to date",
			Fields: []Field{
				{Name: "File", Value: normalize(paths[i])},
				{Name: "Error", Value: kind},
			},
			Detail: fmt.Sprintf("before: %s, after: %s", pre[i], post[i]),
		}
	}
	return nil
}

// TrackRead records that the rule read the given paths. With lint on,
// every tracked read must be covered by a declared dependency or a
// TrackAllow by the time the rule finishes. No-op when lint is off.
func (a *Action) TrackRead(paths ...string) {
	for _, p := range paths {
		a.ex.TrackRead(newFileKey(p))
	}
}

// TrackWrite records that the rule wrote the given paths. With lint on,
// every tracked write must be the rule's own target or a path nothing
// else in the build referenced, checked after the build settles. No-op
// when lint is off.
func (a *Action) TrackWrite(paths ...string) {
	for _, p := range paths {
		a.ex.TrackWrite(newFileKey(p))
	}
}

// TrackAllow exempts paths matching any of the patterns from tracking
// checks for the rest of this rule's execution. Patterns use the same
// glob language as rules. No-op when lint is off.
func (a *Action) TrackAllow(patterns ...string) {
	for _, raw := range patterns {
		p := normalize(raw)
		a.ex.TrackAllow(func(k core.Key) bool {
			return glob.Match(p, k.ID())
		})
	}
}

// Context returns the context of the enclosing build, for running
// commands and other cancellable work inside rules.
func (a *Action) Context() context.Context {
	return a.ex.Context()
}

// Lint reports whether this build runs with lint checking enabled.
func (a *Action) Lint() bool {
	return a.ex.Lint()
}
