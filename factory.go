// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package resq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// A Runner is an executable job that produces no result.
type Runner interface {
	Run(ctx context.Context) error
}

// A Caller is an executable job that produces a result.
// The result is handed to JobSuccess listeners.
type Caller interface {
	Call(ctx context.Context) (interface{}, error)
}

// The RunnerFunc type is an adapter to allow the use of ordinary functions as a Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls fn(ctx).
func (fn RunnerFunc) Run(ctx context.Context) error {
	return fn(ctx)
}

// The CallerFunc type is an adapter to allow the use of ordinary functions as a Caller.
type CallerFunc func(ctx context.Context) (interface{}, error)

// Call calls fn(ctx).
func (fn CallerFunc) Call(ctx context.Context) (interface{}, error) {
	return fn(ctx)
}

// A JobFactory turns a decoded job into an executable.
//
// Materialize should return a Runner, a Caller, or one of the function
// shapes func(), func() error, func(context.Context) error and
// func(context.Context) (interface{}, error). Anything else fails the job
// with ErrNotExecutable.
type JobFactory interface {
	Materialize(job *Job) (interface{}, error)
}

// The JobFactoryFunc type is an adapter to allow the use of ordinary functions as a JobFactory.
type JobFactoryFunc func(job *Job) (interface{}, error)

// Materialize calls fn(job).
func (fn JobFactoryFunc) Materialize(job *Job) (interface{}, error) {
	return fn(job)
}

// Errors returned when a job cannot be materialized.
var (
	// ErrUnpermittedJob indicates that the job class is not registered.
	ErrUnpermittedJob = errors.New("resq: job class is not permitted")

	// ErrNotExecutable indicates that a factory produced a value that cannot be run.
	ErrNotExecutable = errors.New("resq: materialized job is not executable")
)

// A Constructor builds the executable for a job of a registered class.
type Constructor func(job *Job) (interface{}, error)

// Registry is a JobFactory that looks job classes up in an explicit
// name to constructor map.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry allocates and returns a new Registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register registers the constructor for the given class name.
// If a constructor already exists for name, Register panics.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		panic("resq: invalid class name")
	}
	if ctor == nil {
		panic("resq: nil constructor")
	}
	if _, exist := r.ctors[name]; exist {
		panic("resq: multiple registrations for " + name)
	}
	r.ctors[name] = ctor
}

// RegisterFunc registers a job function for the given class name.
// The function receives the job as its argument source.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, job *Job) error) {
	if fn == nil {
		panic("resq: nil job function")
	}
	r.Register(name, func(job *Job) (interface{}, error) {
		return RunnerFunc(func(ctx context.Context) error {
			return fn(ctx, job)
		}), nil
	})
}

// Names returns the sorted list of registered class names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Materialize looks up the constructor for job.Class and calls it.
func (r *Registry) Materialize(job *Job) (interface{}, error) {
	if !job.Valid() {
		return nil, ErrInvalidJob
	}
	r.mu.RLock()
	ctor, ok := r.ctors[job.Class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnpermittedJob, job.Class)
	}
	return ctor(job)
}

// executable is the single shape the worker runs.
type executable func(ctx context.Context) (interface{}, error)

// toExecutable adapts a materialized value to an executable.
func toExecutable(v interface{}) (executable, error) {
	switch x := v.(type) {
	case Caller:
		return x.Call, nil
	case Runner:
		return func(ctx context.Context) (interface{}, error) { return nil, x.Run(ctx) }, nil
	case func(context.Context) (interface{}, error):
		return x, nil
	case func(context.Context) error:
		return func(ctx context.Context) (interface{}, error) { return nil, x(ctx) }, nil
	case func() error:
		return func(context.Context) (interface{}, error) { return nil, x() }, nil
	case func():
		return func(context.Context) (interface{}, error) { x(); return nil, nil }, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrNotExecutable, v)
}
