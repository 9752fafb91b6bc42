// Package cwd keeps a working directory per execution context.
//
// The execution context is identified by a TaskID carried in a
// context.Context. Contexts without a task share TaskID 0.
package cwd

import (
	"context"
	"fmt"
	"path"
	"sync"
	"syscall"
)

// PathMax is the longest working directory accepted by Set.
const PathMax = 1024

// TaskID identifies an execution context.
type TaskID uint64

type taskKey struct{}

// WithTask returns a context bound to task id.
func WithTask(ctx context.Context, id TaskID) context.Context {
	return context.WithValue(ctx, taskKey{}, id)
}

// TaskFrom returns the task bound to ctx.
func TaskFrom(ctx context.Context) (TaskID, bool) {
	id, ok := ctx.Value(taskKey{}).(TaskID)
	return id, ok
}

func taskOf(ctx context.Context) TaskID {
	if ctx == nil {
		return 0
	}
	id, _ := TaskFrom(ctx)
	return id
}

// Table stores the working directories of all tasks.
type Table struct {
	mu   sync.Mutex
	dirs map[TaskID]string
}

// New creates an empty table.
func New() *Table {
	return &Table{dirs: make(map[TaskID]string)}
}

// Get returns the working directory of the task in ctx, "/" if it never
// changed it.
func (t *Table) Get(ctx context.Context) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.dirs[taskOf(ctx)]; ok {
		return d
	}
	return "/"
}

// Set changes the working directory of the task in ctx. p must be absolute.
func (t *Table) Set(ctx context.Context, p string) error {
	if len(p) > PathMax {
		return fmt.Errorf("cwd: %w", syscall.ENAMETOOLONG)
	}
	if !path.IsAbs(p) {
		return fmt.Errorf("cwd: %q is not absolute: %w", p, syscall.EINVAL)
	}
	p = path.Clean(p)
	t.mu.Lock()
	t.dirs[taskOf(ctx)] = p
	t.mu.Unlock()
	return nil
}

// Cleanup releases the entry of task id.
func (t *Table) Cleanup(id TaskID) {
	t.mu.Lock()
	delete(t.dirs, id)
	t.mu.Unlock()
}

// Len returns the number of allocated entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirs)
}

// Resolve returns p as an absolute, cleaned path relative to the working
// directory of the task in ctx.
func (t *Table) Resolve(ctx context.Context, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("cwd: empty path: %w", syscall.ENOENT)
	}
	if !path.IsAbs(p) {
		p = path.Join(t.Get(ctx), p)
	}
	p = path.Clean(p)
	if len(p) > PathMax {
		return "", fmt.Errorf("cwd: %w", syscall.ENAMETOOLONG)
	}
	return p, nil
}
