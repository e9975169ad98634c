// Package sawmill is a file-centric incremental build engine. Builds are
// expressed as rules that produce target files from dependency files; the
// engine records what every rule needed, persists those observations in a
// SQLite database, and on later runs reruns only the rules whose inputs
// actually changed.
//
// # Model
//
// Every target is a file path. Asking for a path yields its stamp, the
// file's modification time. A previously built target is reused when two
// things hold: none of its recorded dependencies changed after it was
// built, and the file on disk still carries the recorded stamp. Either
// check failing reruns the matching rule. A rerun that produces an
// identical answer stops the rebuild from spreading to consumers (early
// cutoff).
//
// # Usage
//
// Create an Engine, then configure rules and goals per build:
//
//	e, err := sawmill.New(".sawmill/build.db")
//	if err != nil { ... }
//	defer e.Close()
//
//	err = e.Build(ctx, func(r *sawmill.Rules) {
//		r.Rule("out/*.o", func(a *sawmill.Action, out string) error {
//			src := "src/" + strings.TrimSuffix(path.Base(out), ".o") + ".c"
//			if err := a.Need(src); err != nil {
//				return err
//			}
//			return compile(a.Context(), src, out)
//		})
//		r.Phony("clean", func(a *sawmill.Action) error {
//			return os.RemoveAll("out")
//		})
//		r.Want("out/main.o")
//	})
//
// # Rule selection
//
// Rules are chosen by priority tier: a rule registered under the exact
// target name beats any wildcard pattern, and wildcard patterns beat the
// built-in fallback that treats existing files as sources. Two matching
// rules in the same tier fail the target as ambiguous rather than pick
// one.
//
// # Lint mode
//
// With [WithLint] the engine verifies the declared dependency graph
// against what rules actually do: [Action.Needed] asserts a dependency
// was already up to date before it was declared, and [Action.TrackRead]
// and [Action.TrackWrite] record file accesses to be checked against the
// declarations. Violations fail the build with a [BuildError].
package sawmill
