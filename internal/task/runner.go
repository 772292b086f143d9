package task

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Observer is notified when tasks start and finish. Calls are made from the
// scheduling goroutine, never concurrently.
type Observer interface {
	TaskStarted(t Task)
	TaskFinished(t Task, outputs []string, err error, elapsed time.Duration)
}

type taskResult struct {
	task    Task
	outputs []string
	err     error
	elapsed time.Duration
}

// Run executes the flattened set. A task starts once all its ancestors have
// finished and receives their output files as input. At most maxParallel
// tasks run at once (the number of CPUs when maxParallel <= 0); among ready
// tasks the lowest priority starts first. The first failure cancels the
// remaining tasks. Run returns the output files per task name.
func (s *Set) Run(ctx context.Context, maxParallel int, obs Observer) (map[string][]string, error) {
	if _, err := s.Graph(); err != nil {
		return nil, err
	}
	tasks := s.Flatten().Tasks()
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallel)
	done := make(chan taskResult, len(tasks))

	pending := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		pending[t.Name()] = t
	}
	outputs := make(map[string][]string, len(tasks))
	running := 0
	var failed error

	for len(pending) > 0 || running > 0 {
		if failed == nil && egctx.Err() == nil {
			for _, t := range readyTasks(pending, outputs) {
				if running >= maxParallel {
					break
				}
				delete(pending, t.Name())
				inputs := ancestorOutputs(t, outputs)
				running++
				if obs != nil {
					obs.TaskStarted(t)
				}
				eg.Go(func() error {
					start := time.Now()
					out, err := t.Run(egctx, inputs)
					done <- taskResult{task: t, outputs: out, err: err, elapsed: time.Since(start)}
					return err
				})
			}
		}
		if running == 0 {
			if failed == nil && egctx.Err() == nil && len(pending) > 0 {
				failed = fmt.Errorf("%d tasks cannot be scheduled", len(pending))
			}
			break
		}

		r := <-done
		running--
		if obs != nil {
			obs.TaskFinished(r.task, r.outputs, r.err, r.elapsed)
		}
		if r.err != nil {
			if failed == nil {
				failed = fmt.Errorf("task %s failed: %w", r.task.Name(), r.err)
			}
			continue
		}
		outputs[r.task.Name()] = r.outputs
	}

	_ = eg.Wait()
	if failed == nil {
		failed = ctx.Err()
	}
	return outputs, failed
}

// readyTasks returns the pending tasks whose ancestors have all finished,
// ordered by priority and name.
func readyTasks(pending map[string]Task, finished map[string][]string) []Task {
	var ready []Task
	for _, t := range pending {
		ok := true
		for _, a := range t.Ancestors() {
			if _, done := finished[a.Name()]; !done {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority() != ready[j].Priority() {
			return ready[i].Priority() < ready[j].Priority()
		}
		return ready[i].Name() < ready[j].Name()
	})
	return ready
}

func ancestorOutputs(t Task, finished map[string][]string) []string {
	var inputs []string
	for _, a := range t.Ancestors() {
		inputs = append(inputs, finished[a.Name()]...)
	}
	return inputs
}
