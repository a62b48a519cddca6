package job

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/prefect421/conveyor/fault"
)

// HandlerFunc is a type-erased task handler. The typed Definition[T] is
// converted to a HandlerFunc at registration time by closing over JSON
// unmarshal, payload validation, and the typed handler.
type HandlerFunc func(ctx context.Context, rt *Runtime) error

// entry pairs a handler with its submit-time payload check and options.
type entry struct {
	handler  HandlerFunc
	validate func(payload []byte) error
	opts     Options
}

// Registry maps task types to type-erased handler functions and their
// per-type options. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	check   *validator.Validate
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		check:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterDefinition registers a typed task definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T, runs struct-tag validation, and calls the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	var zero T
	isStruct := reflect.TypeOf(zero) != nil && reflect.TypeOf(zero).Kind() == reflect.Struct

	decode := func(payload []byte) (T, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return t, fault.Wrap(fault.ClassValidation, "invalid_payload",
					fmt.Errorf("unmarshal payload for task %q: %w", def.Type, err))
			}
		}
		if isStruct {
			if err := r.check.Struct(t); err != nil {
				return t, fault.Wrap(fault.ClassValidation, "invalid_payload",
					fmt.Errorf("validate payload for task %q: %w", def.Type, err))
			}
		}
		return t, nil
	}

	handler := func(ctx context.Context, rt *Runtime) error {
		t, err := decode(rt.Job.Payload)
		if err != nil {
			return err
		}
		return def.Handler(ctx, rt, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Type] = entry{
		handler: handler,
		validate: func(payload []byte) error {
			_, err := decode(payload)
			return err
		},
		opts: def.Opts,
	}
}

// Get returns the handler for the given task type.
// Returns false if no handler is registered.
func (r *Registry) Get(taskType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskType]
	return e.handler, ok
}

// Options returns the registered options for the given task type.
func (r *Registry) Options(taskType string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[taskType]
	return e.opts, ok
}

// ValidatePayload checks a raw payload against the task type's schema
// without executing anything. Used at submit time so malformed payloads
// are rejected before a job record exists.
func (r *Registry) ValidatePayload(taskType string, payload []byte) error {
	r.mu.RLock()
	e, ok := r.entries[taskType]
	r.mu.RUnlock()
	if !ok {
		return fault.New(fault.ClassValidation, "unknown_task", "task type %q not registered", taskType)
	}
	return e.validate(payload)
}

// Types returns all registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
