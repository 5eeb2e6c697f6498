// Package tools is the boundary to side-effecting capabilities: the
// workspace filesystem, version control, the code host and external MCP
// tool servers.
//
// Failures are returned as errors wrapping ErrNotConnected or
// ErrActionFailed, both of which match pipeline.ErrAdapterFailure. The
// agentic loop records them as step failures.
package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

const instrumentationName = "github.com/fyrsmithlabs/shipline/internal/tools"

var (
	// ErrNotConnected means no capability with that name is registered or
	// its connection is gone.
	ErrNotConnected = fmt.Errorf("capability not connected: %w", pipeline.ErrAdapterFailure)

	// ErrActionFailed means the capability ran the action and it failed.
	ErrActionFailed = fmt.Errorf("action failed: %w", pipeline.ErrAdapterFailure)

	// ErrUnsupportedAction means the capability does not implement the action.
	ErrUnsupportedAction = fmt.Errorf("unsupported action: %w", ErrActionFailed)
)

// Result is the outcome of a successful action.
type Result struct {
	Message   string         `json:"message"`
	Resources []string       `json:"resources,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Capability performs actions against one external system.
type Capability interface {
	Name() string
	Actions() []string
	Invoke(ctx context.Context, action string, args map[string]any) (Result, error)
}

// Invoker is what the engine consumes.
type Invoker interface {
	Invoke(ctx context.Context, capability, action string, args map[string]any) (Result, error)
}

// Registry routes invocations to registered capabilities.
type Registry struct {
	mu      sync.RWMutex
	caps    map[string]Capability
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
	timeout time.Duration
}

var _ Invoker = (*Registry)(nil)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithInvokeTimeout bounds every invocation. Zero leaves calls unbounded.
func WithInvokeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		caps:   make(map[string]Capability),
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.metrics = NewMetrics(r.logger)
	return r
}

// Register adds a capability. Names must be unique.
func (r *Registry) Register(c Capability) error {
	if c == nil || c.Name() == "" {
		return fmt.Errorf("capability must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[c.Name()]; ok {
		return fmt.Errorf("capability %s: %w", c.Name(), pipeline.ErrConflict)
	}
	r.caps[c.Name()] = c
	return nil
}

// Capabilities returns registered capability names, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for n := range r.caps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke runs action on the named capability.
func (r *Registry) Invoke(ctx context.Context, capability, action string, args map[string]any) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "tools.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("capability", capability),
		attribute.String("action", action),
	)

	r.mu.RLock()
	c, ok := r.caps[capability]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%s: %w", capability, ErrNotConnected)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := c.Invoke(ctx, action, args)
	r.metrics.RecordInvocation(ctx, capability, action, time.Since(start), err)
	if err != nil {
		if !errors.Is(err, pipeline.ErrAdapterFailure) {
			err = fmt.Errorf("%s.%s: %w: %v", capability, action, ErrActionFailed, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug("tool action failed",
			zap.String("capability", capability),
			zap.String("action", action),
			zap.Error(err))
		return Result{}, err
	}
	return res, nil
}

// Close closes every capability that holds a connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, c := range r.caps {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// stringArg returns args[key] as a string.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: missing argument %q", ErrActionFailed, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %q must be a string", ErrActionFailed, key)
	}
	return s, nil
}

// optionalString returns args[key] as a string or def.
func optionalString(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}
