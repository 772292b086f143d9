// Package task defines the tasks a recipe is turned into and runs them in
// dependency order.
//
// Three kinds of tasks exist: preprocessing tasks produce the preprocessed
// files of one variable group, resume tasks reuse the preprocessed files of
// an earlier run, and diagnostic tasks run a diagnostic script on the
// output of their ancestors.
package task

import (
	"context"
	"fmt"
	"strings"
)

// Separator joins the diagnostic name and the variable group or script
// name in a task name.
const Separator = "/"

// Kind identifies the type of a task.
type Kind string

// Task kinds.
const (
	KindPreprocessing Kind = "preprocessing"
	KindResume        Kind = "resume"
	KindDiagnostic    Kind = "diagnostic"
)

// Output is one entry of the output manifest of a task.
type Output struct {
	Filename   string         `yaml:"filename" json:"filename"`
	Attributes map[string]any `yaml:"attributes" json:"attributes"`
}

// Task is a unit of work of a recipe.
type Task interface {
	Name() string
	Kind() Kind
	Ancestors() []Task
	SetAncestors(ancestors []Task)
	// Priority is a scheduling hint; lower runs first.
	Priority() int
	SetPriority(p int)
	// Run executes the task. inputs are the output files of the ancestors;
	// the returned files are handed to the task's descendants.
	Run(ctx context.Context, inputs []string) ([]string, error)
	// Outputs lists the files the task produces with their attributes.
	Outputs() ([]Output, error)
	String() string
}

type base struct {
	name      string
	ancestors []Task
	priority  int
}

func (b *base) Name() string          { return b.name }
func (b *base) Ancestors() []Task     { return b.ancestors }
func (b *base) SetAncestors(a []Task) { b.ancestors = a }
func (b *base) Priority() int         { return b.priority }
func (b *base) SetPriority(p int)     { b.priority = p }

func (b *base) ancestorNames() []string {
	names := make([]string, len(b.ancestors))
	for i, a := range b.ancestors {
		names[i] = a.Name()
	}
	return names
}

// Name returns the name of the task for diagnostic and group (or script).
func Name(diagnostic, member string) string {
	return diagnostic + Separator + member
}

// SplitName splits a task name into its diagnostic and member.
func SplitName(name string) (diagnostic, member string) {
	diagnostic, member, _ = strings.Cut(name, Separator)
	return diagnostic, member
}

func describeAncestors(b *base) string {
	names := b.ancestorNames()
	if len(names) == 0 {
		return "ancestors: none"
	}
	return fmt.Sprintf("ancestors:\n%s", indent(strings.Join(names, "\n")))
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
