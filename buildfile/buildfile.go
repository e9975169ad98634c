// Package buildfile loads build descriptions written in Risor. A build
// file declares rules, phonies, and wanted targets; evaluation only
// collects declarations, and Install registers them against an engine
// build. Scripts never run commands themselves: recipes execute inside
// the engine, where dependencies are tracked.
package buildfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/risor-io/risor"

	"github.com/jward/sawmill"
	"github.com/jward/sawmill/internal/glob"
)

// DefaultName is the build file looked for when none is given.
const DefaultName = "build.risor"

type ruleDecl struct {
	patterns []string
	deps     []string
	commands []string
}

type phonyDecl struct {
	name     string
	deps     []string
	commands []string
}

// Program is the set of declarations collected from one build file.
type Program struct {
	rules   []ruleDecl
	phonies []phonyDecl
	wants   []string
}

// Load reads and evaluates the build file at path.
func Load(ctx context.Context, path string) (*Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read build file: %w", err)
	}
	p, err := LoadSource(ctx, string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadSource evaluates a build file from source text.
func LoadSource(ctx context.Context, source string) (*Program, error) {
	p := &Program{}
	var opts []risor.Option
	for name, fn := range hostFunctions(p) {
		opts = append(opts, risor.WithGlobal(name, fn))
	}
	if _, err := risor.Eval(ctx, source, opts...); err != nil {
		return nil, fmt.Errorf("evaluate build file: %w", err)
	}
	return p, nil
}

// Wants returns the targets the build file asks for by default.
func (p *Program) Wants() []string {
	return p.wants
}

// Install registers every declaration against r. Extra wanted targets,
// typically from the command line, override the build file's own wants.
func (p *Program) Install(r *sawmill.Rules, wants ...string) {
	for _, d := range p.rules {
		run := func(a *sawmill.Action, out string) error {
			return runRecipe(a, d, out)
		}
		if len(d.patterns) == 1 {
			r.Rule(d.patterns[0], run)
		} else {
			r.RulePatterns(d.patterns, run)
		}
	}
	for _, d := range p.phonies {
		r.Phony(d.name, func(a *sawmill.Action) error {
			if err := a.Need(d.deps...); err != nil {
				return err
			}
			return runCommands(a.Context(), d.commands, d.name, d.deps)
		})
	}
	if len(wants) == 0 {
		wants = p.wants
	}
	if len(wants) > 0 {
		r.Want(wants...)
	}
}

// runRecipe is the body of every scripted file rule: need the expanded
// dependencies, then run the commands.
func runRecipe(a *sawmill.Action, d ruleDecl, out string) error {
	ins := expandDeps(d, out)
	if err := a.Need(ins...); err != nil {
		return err
	}
	return runCommands(a.Context(), d.commands, out, ins)
}

// expandDeps substitutes the stem matched by the rule's pattern into the
// dependency templates: a rule for "out/*.o" depending on "src/*.c"
// building out/widget.o needs src/widget.c.
func expandDeps(d ruleDecl, out string) []string {
	stem := ""
	for _, pat := range d.patterns {
		if s, ok := glob.Stem(pat, out); ok {
			stem = s
			break
		}
	}
	ins := make([]string, len(d.deps))
	for i, dep := range d.deps {
		ins[i] = glob.Expand(dep, stem)
	}
	return ins
}

// runCommands executes each command line through the shell after
// substituting $out and $in.
func runCommands(ctx context.Context, commands []string, out string, ins []string) error {
	for _, raw := range commands {
		line := expandVars(raw, out, ins)
		cmd := exec.CommandContext(ctx, "sh", "-c", line)
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(buf.String())
			if msg != "" {
				return fmt.Errorf("command %q: %w: %s", line, err, msg)
			}
			return fmt.Errorf("command %q: %w", line, err)
		}
	}
	return nil
}

func expandVars(command, out string, ins []string) string {
	command = strings.ReplaceAll(command, "$out", out)
	command = strings.ReplaceAll(command, "$in", strings.Join(ins, " "))
	return command
}
