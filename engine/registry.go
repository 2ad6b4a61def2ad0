package engine

import (
	"context"
	"fmt"

	"billflow/task"
)

// Handler processes one claimed task of a single family. Process must either
// finalize (entity advanced, task deleted, follow-ons inserted, all in one
// transaction) or leave no durable trace so redelivery can try again.
type Handler interface {
	Process(ctx context.Context, t task.Task) error
}

// HandlerFunc adapts a plain function, typically a service method value, to
// Handler.
type HandlerFunc func(ctx context.Context, t task.Task) error

func (f HandlerFunc) Process(ctx context.Context, t task.Task) error { return f(ctx, t) }

// Registration binds a handler to the backoff curve of its family.
type Registration struct {
	Handler Handler
	Policy  task.Policy
}

// Registry is the table-driven dispatch map keyed by task type.
type Registry struct {
	regs map[task.Type]Registration
}

func NewRegistry() *Registry {
	return &Registry{regs: make(map[task.Type]Registration)}
}

// Register binds typ to h. Registering a type twice is a wiring bug and
// panics during bootstrap.
func (r *Registry) Register(typ task.Type, h Handler, policy task.Policy) {
	if _, dup := r.regs[typ]; dup {
		panic(fmt.Sprintf("engine: duplicate handler registration for %q", typ))
	}
	r.regs[typ] = Registration{Handler: h, Policy: policy}
}

// Lookup returns the registration for typ.
func (r *Registry) Lookup(typ task.Type) (Registration, bool) {
	reg, ok := r.regs[typ]
	return reg, ok
}

// Types returns the registered task families.
func (r *Registry) Types() []task.Type {
	out := make([]task.Type, 0, len(r.regs))
	for typ := range r.regs {
		out = append(out, typ)
	}
	return out
}
