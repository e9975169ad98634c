package core

import (
	"fmt"
	"strings"
)

// Field is one labeled line of a BuildError.
type Field struct {
	Name  string
	Value string
}

// BuildError is the structured failure report for anything that goes
// wrong during a build: a missing rule, a failing recipe, a dependency
// cycle, a lint violation. Title states what went wrong, Fields pin it to
// the targets and rules involved, and Detail carries underlying error
// text when there is any.
type BuildError struct {
	Title  string
	Fields []Field
	Detail string
}

func (e *BuildError) Error() string {
	var b strings.Builder
	b.WriteString(e.Title)
	width := 0
	for _, f := range e.Fields {
		if len(f.Name) > width {
			width = len(f.Name)
		}
	}
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "\n  %-*s %s", width+1, f.Name+":", f.Value)
	}
	if e.Detail != "" {
		b.WriteString("\n")
		b.WriteString(e.Detail)
	}
	return b.String()
}
