package buildsys

import (
	"sort"

	"github.com/gammazero/toposort"
	"github.com/rotisserie/eris"
)

// collectTasks returns every task reachable from the list, including inline tasks that only
// appear as commands of other tasks.
func collectTasks(tasks TaskList) map[string]*Task {
	all := make(map[string]*Task, len(tasks))

	var visit func(task *Task)
	visit = func(task *Task) {
		if _, seen := all[task.Short]; seen {
			return
		}
		all[task.Short] = task

		for _, cmd := range task.Cmds {
			if ref, ok := cmd.(TaskCmdTaskRef); ok && ref.Task != nil {
				visit(ref.Task)
			}
		}
	}

	for _, name := range tasks.Names(true) {
		visit(tasks[name])
	}
	return all
}

// Validate checks that every dependency exists and that the graph has no cycles. It returns
// all tasks in a valid execution order.
func Validate(tasks TaskList) ([]string, error) {
	all := collectTasks(tasks)

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	var edges []toposort.Edge
	for _, name := range names {
		task := all[name]
		for _, dep := range task.Deps {
			if _, ok := tasks[dep]; !ok {
				return nil, eris.Errorf("task %s depends on unknown task %s", name, dep)
			}
		}

		hasIncoming := false
		for _, dep := range task.Deps {
			edges = append(edges, toposort.Edge{dep, name})
			hasIncoming = true
		}

		for _, cmd := range task.Cmds {
			if ref, ok := cmd.(TaskCmdTaskRef); ok && ref.Task != nil {
				edges = append(edges, toposort.Edge{ref.Task.Short, name})
				hasIncoming = true
			}
		}

		if !hasIncoming {
			// make sure isolated tasks show up in the result
			edges = append(edges, toposort.Edge{nil, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, eris.Wrapf(err, "the task graph contains a cycle")
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	return order, nil
}

// Plan returns the tasks that running targets (in that order) would execute, dependencies
// first. Every task appears once. Inline tasks are not listed separately.
func Plan(tasks TaskList, targets ...string) ([]string, error) {
	if _, err := Validate(tasks); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	plan := make([]string, 0)

	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}

		task, ok := tasks[name]
		if !ok {
			return eris.Errorf("task %s not found", name)
		}

		seen[name] = true
		for _, dep := range task.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		plan = append(plan, name)
		return nil
	}

	for _, target := range targets {
		if err := visit(target); err != nil {
			return nil, err
		}
	}
	return plan, nil
}
