// Package depscan discovers the header dependencies of C and C++ sources
// by parsing them with tree-sitter. Compile rules use it after running
// the compiler: headers the compiler already saw are declared with
// Needed, which also verifies the build graph ordered them correctly.
package depscan

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
)

// extToLanguage maps file extensions to grammar names. Headers default to
// the C grammar; the include syntax is identical under the C++ one.
var extToLanguage = map[string]string{
	".c":   "c",
	".h":   "c",
	".cc":  "cpp",
	".cpp": "cpp",
	".cxx": "cpp",
	".hh":  "cpp",
	".hpp": "cpp",
	".hxx": "cpp",
}

func grammarFor(lang string) (*sitter.Language, bool) {
	switch lang {
	case "c":
		return c.GetLanguage(), true
	case "cpp":
		return cpp.GetLanguage(), true
	}
	return nil, false
}

// includeQuery matches quoted include directives. Angle-bracket includes
// name system headers outside the build tree and are not reported.
const includeQuery = `(preproc_include path: (string_literal) @path)`

// Includes returns the headers p includes with quoted directives,
// resolved relative to the including file and slash-normalized, in
// source order without duplicates.
func Includes(ctx context.Context, p string) ([]string, error) {
	lang, ok := extToLanguage[strings.ToLower(filepath.Ext(p))]
	if !ok {
		return nil, fmt.Errorf("scan %s: not a C or C++ source", p)
	}
	src, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p, err)
	}
	raw, err := Scan(ctx, src, lang)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p, err)
	}

	dir := path.Dir(filepath.ToSlash(p))
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, inc := range raw {
		resolved := path.Clean(path.Join(dir, inc))
		if seen[resolved] {
			continue
		}
		seen[resolved] = true
		out = append(out, resolved)
	}
	return out, nil
}

// Scan extracts the quoted include operands from source text. lang is
// "c" or "cpp".
func Scan(ctx context.Context, src []byte, lang string) ([]string, error) {
	grammar, ok := grammarFor(lang)
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	defer tree.Close()

	q, err := sitter.NewQuery([]byte(includeQuery), grammar)
	if err != nil {
		return nil, fmt.Errorf("compile include query: %w", err)
	}
	defer q.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q, tree.RootNode())

	var out []string
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		match = cursor.FilterPredicates(match, src)
		for _, capture := range match.Captures {
			text := capture.Node.Content(src)
			out = append(out, strings.Trim(text, `"`))
		}
	}
	return out, nil
}
