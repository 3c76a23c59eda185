package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ghuser/commandbus/pkg/logger"
)

// Handler processes one decoded command inside the command's scope.
// Returning nil commits the scope's transaction; returning an error rolls it
// back. Long operations must observe ctx.
type Handler interface {
	Handle(ctx context.Context, scope *Scope, cmd any) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, scope *Scope, cmd any) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, scope *Scope, cmd any) error {
	return f(ctx, scope, cmd)
}

// Registration binds a wire-level command type name to its decoder and
// handler.
type Registration struct {
	CommandType string
	Decode      func(payload []byte) (any, error)
	Handler     Handler
}

// Registry resolves command type names to registrations. Lookup is
// deterministic: the first registration for a type wins and later
// duplicates are ignored with a warning.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Registration
	log    logger.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		byType: make(map[string]Registration),
		log:    log,
	}
}

// Register adds reg. A registration with an empty type name or nil handler
// is rejected.
func (r *Registry) Register(reg Registration) error {
	if reg.CommandType == "" {
		return fmt.Errorf("consumer: registration has empty command type")
	}
	if reg.Handler == nil {
		return fmt.Errorf("consumer: registration for %s has nil handler", reg.CommandType)
	}
	if reg.Decode == nil {
		return fmt.Errorf("consumer: registration for %s has nil decoder", reg.CommandType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[reg.CommandType]; exists {
		r.log.Warn("consumer: duplicate handler registration ignored",
			"command_type", reg.CommandType)
		return nil
	}
	r.byType[reg.CommandType] = reg
	return nil
}

// Resolve looks up the registration for commandType.
func (r *Registry) Resolve(commandType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byType[commandType]
	return reg, ok
}

// JSONDecoder returns a decoder that unmarshals a payload into T and hands
// the handler a *T.
func JSONDecoder[T any]() func([]byte) (any, error) {
	return func(payload []byte) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("consumer: decode command: %w", err)
		}
		return &v, nil
	}
}
