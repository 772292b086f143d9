// Package core defines the shared language of the esmflow system.
//
// This package contains:
//   - Error kinds raised while turning a recipe into tasks (RecipeError)
//   - Run and task bookkeeping entities (Run, TaskRun, OutputRecord)
//   - The Store interface implemented by internal/state
//
// The Golden Rule: pkg/core imports ONLY the standard library.
// All other packages depend on core, not the reverse.
package core
