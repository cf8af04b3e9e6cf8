// ABOUTME: Static registry mapping command class identifiers to constructors.
// ABOUTME: Binds stored JSON parameters onto freshly constructed commands.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/job"
)

// Command is an executable unit of work. Exported fields are its parameters
// and are bound from JSON; collaborators are injected by the constructor.
type Command interface {
	// Validate checks bound parameters before execution.
	Validate() error

	// Execute runs the command for the caller in ctx.
	Execute(ctx context.Context) (*job.Result, error)
}

// Allocator is implemented by commands that create an entity. Allocate runs
// on the request path so the caller learns the new entity's id before the
// job runs; Rollback undoes it when the job cannot be submitted.
// AllocatedID is the id Allocate assigned, or zero before allocation.
type Allocator interface {
	Allocate(ctx context.Context) (instanceType string, instanceID int64, err error)
	Rollback(ctx context.Context) error
	AllocatedID() int64
}

// Targeted is implemented by commands acting on an existing entity.
type Targeted interface {
	Instance() (instanceType string, instanceID int64)
}

// Limited is implemented by commands whose jobs hold a concurrency token
// while queued or running.
type Limited interface {
	Resource(ctx context.Context) (*job.ResourceKey, error)
}

// Constructor builds a command with its collaborators and zero parameters.
type Constructor func() Command

// Registry maps command class identifiers to constructors. It is filled at
// startup and read-only afterwards.
type Registry struct {
	entries map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Constructor)}
}

// Register adds a command class. It panics on an empty name or a duplicate,
// both of which are programming errors.
func (r *Registry) Register(name string, c Constructor) {
	if name == "" || c == nil {
		panic("dispatch: invalid registration")
	}
	if _, dup := r.entries[name]; dup {
		panic("dispatch: duplicate command " + name)
	}
	r.entries[name] = c
}

// New constructs the command registered under name.
func (r *Registry) New(name string) (Command, error) {
	c, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, apierr.ErrUnknownCommand)
	}
	return c(), nil
}

// Names returns the registered command classes, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind decodes params onto cmd and validates the result. Unknown fields are
// rejected. Failures wrap apierr.ErrMalformedParameters.
func Bind(params json.RawMessage, cmd Command) error {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return fmt.Errorf("%w: %v", apierr.ErrMalformedParameters, err)
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", apierr.ErrMalformedParameters, err)
	}
	return nil
}
