package buildfile

import (
	"context"
	"fmt"

	"github.com/risor-io/risor/object"

	"github.com/jward/sawmill"
)

// hostFunctions builds the globals exposed to build files. Risor scripts
// cannot construct Go structs, so declarations come in as plain strings
// and lists and are assembled on the Go side.
func hostFunctions(p *Program) map[string]any {
	return map[string]any{
		"rule":    makeRuleFn(p),
		"phony":   makePhonyFn(p),
		"want":    makeWantFn(p),
		"sources": makeSourcesFn(),
	}
}

// rule(target, deps, commands) declares a file rule. target is a pattern
// or a list of patterns; deps are dependency templates sharing the
// pattern's stem; commands run through the shell with $out and $in
// substituted.
func makeRuleFn(p *Program) *object.Builtin {
	return object.NewBuiltin("rule", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 3 {
			return object.NewArgsError("rule", 3, len(args))
		}
		patterns, err := toStringList(args[0])
		if err != nil {
			return object.Errorf("rule: target: %v", err)
		}
		if len(patterns) == 0 {
			return object.Errorf("rule: at least one target pattern required")
		}
		deps, err := toStringList(args[1])
		if err != nil {
			return object.Errorf("rule: deps: %v", err)
		}
		commands, err := toStringList(args[2])
		if err != nil {
			return object.Errorf("rule: commands: %v", err)
		}
		p.rules = append(p.rules, ruleDecl{patterns: patterns, deps: deps, commands: commands})
		return object.Nil
	})
}

// phony(name, deps, commands) declares a target with no file behind it.
func makePhonyFn(p *Program) *object.Builtin {
	return object.NewBuiltin("phony", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 3 {
			return object.NewArgsError("phony", 3, len(args))
		}
		name, err := toString(args[0])
		if err != nil {
			return object.Errorf("phony: name: %v", err)
		}
		deps, err := toStringList(args[1])
		if err != nil {
			return object.Errorf("phony: deps: %v", err)
		}
		commands, err := toStringList(args[2])
		if err != nil {
			return object.Errorf("phony: commands: %v", err)
		}
		p.phonies = append(p.phonies, phonyDecl{name: name, deps: deps, commands: commands})
		return object.Nil
	})
}

// want(targets) declares the default goals of the build file.
func makeWantFn(p *Program) *object.Builtin {
	return object.NewBuiltin("want", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("want", 1, len(args))
		}
		targets, err := toStringList(args[0])
		if err != nil {
			return object.Errorf("want: %v", err)
		}
		p.wants = append(p.wants, targets...)
		return object.Nil
	})
}

// sources(root, patterns...) lists source files under root, honoring
// ignore files, so build files can compute their wants.
func makeSourcesFn() *object.Builtin {
	return object.NewBuiltin("sources", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 1 {
			return object.NewArgsError("sources", 1, len(args))
		}
		root, err := toString(args[0])
		if err != nil {
			return object.Errorf("sources: root: %v", err)
		}
		patterns := make([]string, 0, len(args)-1)
		for _, arg := range args[1:] {
			pat, err := toString(arg)
			if err != nil {
				return object.Errorf("sources: pattern: %v", err)
			}
			patterns = append(patterns, pat)
		}
		files, err := sawmill.Sources(root, patterns...)
		if err != nil {
			return object.Errorf("sources: %v", err)
		}
		items := make([]object.Object, len(files))
		for i, f := range files {
			items[i] = object.NewString(f)
		}
		return object.NewList(items)
	})
}

// --- Argument extraction helpers ---

func toString(obj object.Object) (string, error) {
	if s, ok := obj.(*object.String); ok {
		return s.Value(), nil
	}
	return "", fmt.Errorf("expected string, got %s", obj.Type())
}

// toStringList accepts a list of strings or a bare string, which counts
// as a one-element list.
func toStringList(obj object.Object) ([]string, error) {
	switch v := obj.(type) {
	case *object.String:
		return []string{v.Value()}, nil
	case *object.List:
		items := v.Value()
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, err := toString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case *object.NilType:
		return nil, nil
	}
	return nil, fmt.Errorf("expected string or list of strings, got %s", obj.Type())
}
