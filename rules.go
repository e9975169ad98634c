package sawmill

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jward/sawmill/internal/core"
	"github.com/jward/sawmill/internal/glob"
)

// Rule priorities form three tiers. A literal name beats any pattern, and
// any user rule beats the source-file fallback. Ties within a tier are
// ambiguous and fail the target.
const (
	priorityFallback = 0
	priorityWildcard = 1
	priorityLiteral  = 2
)

// RunFunc builds one file target. The target path is passed in normalized
// form; the rule must leave the file on disk when it returns.
type RunFunc func(a *Action, target string) error

// Rules collects the rule set and the wanted targets for one build. All
// registration happens inside the configure callback of [Engine.Build];
// Rules is not safe for use after that callback returns.
type Rules struct {
	core *core.Core
}

// Want declares paths as goals of the build. Each Want call becomes one
// top-level action; separate calls proceed in parallel.
func (r *Rules) Want(paths ...string) {
	if len(paths) == 0 {
		return
	}
	targets := make([]string, len(paths))
	copy(targets, paths)
	r.core.AddAction(func(ex *core.Execution) error {
		return (&Action{ex: ex}).Need(targets...)
	})
}

// Func registers an arbitrary top-level action, run in parallel with all
// other actions and wants.
func (r *Rules) Func(fn func(a *Action) error) {
	r.core.AddAction(func(ex *core.Execution) error {
		return fn(&Action{ex: ex})
	})
}

// Rule registers run for targets matching pattern. A pattern without
// wildcards matches exactly one target name and outranks wildcard rules
// for it.
func (r *Rules) Rule(pattern string, run RunFunc) {
	pattern = normalize(pattern)
	if glob.IsSimple(pattern) {
		r.addFileRule("rule "+pattern, priorityLiteral,
			func(name string) bool { return name == pattern }, run)
		return
	}
	r.addFileRule("rule "+pattern, priorityWildcard,
		func(name string) bool { return glob.Match(pattern, name) }, run)
}

// RuleMatch registers run for every target test accepts. Predicate rules
// always rank with wildcard rules: there is no way to tell a predicate
// matches only one name.
func (r *Rules) RuleMatch(test func(target string) bool, run RunFunc) {
	r.addFileRule("predicate rule", priorityWildcard, test, run)
}

// RulePatterns registers run under several patterns at once. The patterns
// are partitioned: wildcard-free ones form a literal-tier rule matched by
// name, the rest form a wildcard-tier rule matched by glob. A target
// hitting the literal half therefore still beats other wildcard rules,
// exactly as if it had been registered alone.
func (r *Rules) RulePatterns(patterns []string, run RunFunc) {
	var simple, wild []string
	for _, p := range patterns {
		p = normalize(p)
		if glob.IsSimple(p) {
			simple = append(simple, p)
		} else {
			wild = append(wild, p)
		}
	}
	if len(simple) > 0 {
		set := make(map[string]bool, len(simple))
		for _, p := range simple {
			set[p] = true
		}
		r.addFileRule("rule "+strings.Join(simple, ", "), priorityLiteral,
			func(name string) bool { return set[name] }, run)
	}
	if len(wild) > 0 {
		r.addFileRule("rule "+strings.Join(wild, ", "), priorityWildcard,
			func(name string) bool {
				for _, p := range wild {
					if glob.Match(p, name) {
						return true
					}
				}
				return false
			}, run)
	}
}

// Phony registers a target that never corresponds to a file. A phony runs
// at most once per build but is never considered up to date across
// builds: its stamp is the none stamp, which equals nothing.
func (r *Rules) Phony(name string, run func(a *Action) error) {
	target := normalize(name)
	r.core.AddRule("file", core.Rule{
		Label:    "phony " + target,
		Priority: priorityLiteral,
		Match:    func(k core.Key) bool { return k.ID() == target },
		Run: func(ex *core.Execution, k core.Key) (core.Value, error) {
			if err := run(&Action{ex: ex}); err != nil {
				return nil, err
			}
			return noTime, nil
		},
	})
}

// addFileRule wraps run in the file rule protocol: the target's parent
// directory is created before the rule runs, and the target must exist on
// disk when it returns.
func (r *Rules) addFileRule(label string, priority int, match func(string) bool, run RunFunc) {
	r.core.AddRule("file", core.Rule{
		Label:    label,
		Priority: priority,
		Match:    func(k core.Key) bool { return match(k.ID()) },
		Run: func(ex *core.Execution, k core.Key) (core.Value, error) {
			name := k.ID()
			if dir := path.Dir(name); dir != "." && dir != "/" {
				if err := os.MkdirAll(filepath.FromSlash(dir), 0o755); err != nil {
					return nil, fmt.Errorf("create output directory for %s: %w", name, err)
				}
			}
			if err := run(&Action{ex: ex}, name); err != nil {
				return nil, err
			}
			st, ok, err := statFile(name)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &BuildError{
					Title:  "rule finished without creating its target",
					Fields: []Field{{Name: "Target", Value: name}, {Name: "Rule", Value: label}},
				}
			}
			return st, nil
		},
	})
}

// registerFallback installs the lowest-priority rule: a target no rule
// builds must already exist on disk, in which case its stamp is the
// answer. This is how plain source files enter the dependency graph.
func (r *Rules) registerFallback() {
	r.core.AddRule("file", core.Rule{
		Label:    "source file",
		Priority: priorityFallback,
		Match:    func(core.Key) bool { return true },
		Run: func(ex *core.Execution, k core.Key) (core.Value, error) {
			st, ok, err := statFile(k.ID())
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &BuildError{
					Title:  "no rule builds the file and it does not exist",
					Fields: []Field{{Name: "Target", Value: k.ID()}},
				}
			}
			return st, nil
		},
	})
}
