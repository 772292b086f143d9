package task

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/leapstack-labs/esmflow/internal/dag"
)

// Set is an ordered collection of tasks. Tasks are identified by name;
// adding a task twice keeps the first.
type Set struct {
	tasks []Task
	seen  map[string]bool
}

// NewSet creates a set holding the given tasks.
func NewSet(tasks ...Task) *Set {
	s := &Set{seen: make(map[string]bool)}
	for _, t := range tasks {
		s.Add(t)
	}
	return s
}

// Add appends t unless a task of the same name is present.
func (s *Set) Add(t Task) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[t.Name()] {
		return
	}
	s.seen[t.Name()] = true
	s.tasks = append(s.tasks, t)
}

// Tasks returns the tasks in insertion order.
func (s *Set) Tasks() []Task { return s.tasks }

// Len returns the number of tasks.
func (s *Set) Len() int { return len(s.tasks) }

// Flatten returns the set with all ancestors of its tasks, each once.
func (s *Set) Flatten() *Set {
	out := NewSet()
	var visit func(t Task)
	visit = func(t Task) {
		if out.seen[t.Name()] {
			return
		}
		out.Add(t)
		for _, a := range t.Ancestors() {
			visit(a)
		}
	}
	for _, t := range s.tasks {
		visit(t)
	}
	return out
}

// Independent returns the tasks that are not an ancestor of another task in
// the set. Running them runs the whole set.
func (s *Set) Independent() *Set {
	reachable := make(map[string]bool)
	var mark func(t Task)
	mark = func(t Task) {
		for _, a := range t.Ancestors() {
			if !reachable[a.Name()] {
				reachable[a.Name()] = true
				mark(a)
			}
		}
	}
	for _, t := range s.tasks {
		mark(t)
	}
	out := NewSet()
	for _, t := range s.tasks {
		if !reachable[t.Name()] {
			out.Add(t)
		}
	}
	return out
}

// Graph returns the dependency graph of the flattened set.
func (s *Set) Graph() (*dag.Graph[Task], error) {
	g := dag.New[Task]()
	flat := s.Flatten()
	for _, t := range flat.tasks {
		g.AddNode(t.Name(), t)
	}
	for _, t := range flat.tasks {
		for _, a := range t.Ancestors() {
			if err := g.AddEdge(a.Name(), t.Name()); err != nil {
				return nil, fmt.Errorf("task %s: %w", t.Name(), err)
			}
		}
	}
	if cyclic, path := g.HasCycle(); cyclic {
		return nil, fmt.Errorf("tasks form a cycle: %s", strings.Join(path, " -> "))
	}
	return g, nil
}

func (s *Set) String() string {
	parts := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		parts[i] = t.String()
	}
	return strings.Join(parts, "\n\n")
}

// Index maps task names to tasks.
type Index map[string]Task

// Match returns the names matching a shell-style pattern, sorted.
func (idx Index) Match(pattern string) []string {
	re, err := globRegexp(pattern)
	if err != nil {
		return nil
	}
	var names []string
	for name := range idx {
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MatchName reports whether name matches a shell-style pattern. Unlike
// path.Match, '*' also matches the separator. A malformed pattern matches
// nothing; use CheckPattern to report it.
func MatchName(pattern, name string) bool {
	re, err := globRegexp(pattern)
	return err == nil && re.MatchString(name)
}

// CheckPattern returns an error if pattern has a malformed character class.
func CheckPattern(pattern string) error {
	_, err := globRegexp(pattern)
	return err
}

// globRegexp translates a pattern using '*', '?', '[seq]' and '[!seq]'.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			class := ""
			if end >= 0 {
				class = pattern[i+1 : i+1+end]
			}
			if strings.TrimPrefix(class, "!") == "" {
				sb.WriteString(`\[`)
				continue
			}
			i += end + 1
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			sb.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}
