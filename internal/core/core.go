// Package core implements the memoizing rebuild engine underneath the
// public API. For every key asked for during a run it decides whether the
// answer recorded by an earlier run is still valid, and reruns the
// matching rule when it is not. The core knows nothing about files:
// everything kind-specific goes through the registered RuleKind.
package core

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jward/sawmill/internal/database"
)

// Key identifies one buildable question. Implementations must be
// comparable structs so keys can be used directly as map keys.
type Key interface {
	// Kind names the RuleKind this key belongs to.
	Kind() string
	// ID is the kind-specific identity, stable across runs.
	ID() string
}

// Value is the answer produced by building a Key.
type Value any

// RuleKind supplies the per-kind capabilities the core needs: probing the
// current answer outside the build, comparing answers, and round-tripping
// keys and values through the build database.
type RuleKind interface {
	Kind() string
	// Stored probes the answer as it exists right now, normally from the
	// filesystem. ok is false when nothing is there; that is not an error.
	Stored(k Key) (Value, bool, error)
	// Equal reports whether a recorded answer and a probed one are
	// interchangeable. Kinds may make this non-reflexive: a kind whose
	// absent value never equals anything forces a rerun every time.
	Equal(a, b Value) bool
	EncodeValue(v Value) ([]byte, error)
	DecodeValue(data []byte) (Value, error)
	DecodeKey(id string) (Key, error)
}

// Handler builds one key and returns its answer.
type Handler func(ex *Execution, k Key) (Value, error)

// Rule is one registered way of building keys of a kind. Higher Priority
// wins; two matching rules at the same priority are an error.
type Rule struct {
	Label    string
	Priority int
	Match    func(Key) bool
	Run      Handler
}

// Core holds the kind registry, the rule table, and the top-level actions
// for one configured build.
type Core struct {
	db      *database.DB
	log     zerolog.Logger
	jobs    int64
	lint    bool
	kinds   map[string]RuleKind
	rules   map[string][]Rule
	actions []func(*Execution) error
}

// New creates a core writing state through db, running at most jobs rules
// at once.
func New(db *database.DB, jobs int, lint bool, log zerolog.Logger) *Core {
	if jobs < 1 {
		jobs = 1
	}
	return &Core{
		db:    db,
		log:   log,
		jobs:  int64(jobs),
		lint:  lint,
		kinds: make(map[string]RuleKind),
		rules: make(map[string][]Rule),
	}
}

// AddKind registers the capabilities for one key kind. Later registrations
// of the same kind replace earlier ones.
func (c *Core) AddKind(k RuleKind) {
	c.kinds[k.Kind()] = k
}

// AddRule appends a rule for keys of the given kind.
func (c *Core) AddRule(kind string, r Rule) {
	c.rules[kind] = append(c.rules[kind], r)
}

// AddAction registers a top-level action to run when Run is called.
// Actions run in parallel with each other.
func (c *Core) AddAction(fn func(*Execution) error) {
	c.actions = append(c.actions, fn)
}

// Lint reports whether lint checking is enabled.
func (c *Core) Lint() bool {
	return c.lint
}

// selectRule picks the handler for k. The highest matching priority wins
// outright; more than one match within that priority is ambiguous and
// fails rather than silently picking one.
func (c *Core) selectRule(k Key) (Rule, error) {
	var best []Rule
	for _, r := range c.rules[k.Kind()] {
		if !r.Match(k) {
			continue
		}
		switch {
		case len(best) == 0 || r.Priority > best[0].Priority:
			best = append(best[:0], r)
		case r.Priority == best[0].Priority:
			best = append(best, r)
		}
	}
	switch len(best) {
	case 0:
		return Rule{}, &BuildError{
			Title:  "no rule matches the target",
			Fields: []Field{{"Target", k.ID()}},
		}
	case 1:
		return best[0], nil
	}
	labels := make([]string, len(best))
	for i, r := range best {
		labels[i] = r.Label
	}
	sort.Strings(labels)
	return Rule{}, &BuildError{
		Title:  "multiple rules match the target",
		Fields: []Field{{"Target", k.ID()}, {"Rules", strings.Join(labels, ", ")}},
	}
}
