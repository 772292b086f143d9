package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Use errors.Is against these to classify a RecipeError.
var (
	// ErrConfiguration marks fatal problems in the recipe or session settings.
	ErrConfiguration = errors.New("recipe configuration error")
	// ErrInputFilesNotFound marks a dataset or ancillary without input data.
	ErrInputFilesNotFound = errors.New("input files not found")
	// ErrTaskConstruction marks the aggregate failure raised after all
	// variable groups have been attempted.
	ErrTaskConstruction = errors.New("could not create all tasks")
)

// RecipeError is returned for every failure raised while resolving a recipe.
type RecipeError struct {
	Kind error
	Msg  string
	// Failed holds the underlying failures of an aggregate error.
	Failed []error
	// Guidance lists what the user can do about it.
	Guidance []string
}

func (e *RecipeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return e.Msg
}

// Unwrap exposes the kind and, for aggregate errors, every failure.
func (e *RecipeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	return append(errs, e.Failed...)
}

// Report renders the error with its failures and guidance, one per line.
func (e *RecipeError) Report() string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	for _, f := range e.Failed {
		sb.WriteString("\n- ")
		sb.WriteString(f.Error())
	}
	if len(e.Guidance) > 0 {
		sb.WriteString("\n\nHow to fix:")
		for i, g := range e.Guidance {
			fmt.Fprintf(&sb, "\n  %d. %s", i+1, g)
		}
	}
	return sb.String()
}

// Configf returns a configuration error.
func Configf(format string, args ...any) error {
	return &RecipeError{Kind: ErrConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// FilesNotFoundf returns a data-availability error.
func FilesNotFoundf(format string, args ...any) error {
	return &RecipeError{Kind: ErrInputFilesNotFound, Msg: fmt.Sprintf(format, args...)}
}

// NewAggregate bundles task construction failures into a single error.
func NewAggregate(failed []error) *RecipeError {
	return &RecipeError{
		Kind:   ErrTaskConstruction,
		Msg:    "Could not create all tasks",
		Failed: failed,
	}
}

// OnlyFilesNotFound reports whether every failure is a missing-data error.
func (e *RecipeError) OnlyFilesNotFound() bool {
	if len(e.Failed) == 0 {
		return false
	}
	for _, f := range e.Failed {
		if !errors.Is(f, ErrInputFilesNotFound) {
			return false
		}
	}
	return true
}

// AnyFilesNotFound reports whether at least one failure is a missing-data error.
func (e *RecipeError) AnyFilesNotFound() bool {
	for _, f := range e.Failed {
		if errors.Is(f, ErrInputFilesNotFound) {
			return true
		}
	}
	return false
}

// Message returns the message of a RecipeError, or err.Error() otherwise.
func Message(err error) string {
	var re *RecipeError
	if errors.As(err, &re) {
		return re.Error()
	}
	return err.Error()
}
