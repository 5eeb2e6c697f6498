package services

import (
	"context"
	"errors"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/agentloop"
	"github.com/fyrsmithlabs/shipline/internal/approval"
	"github.com/fyrsmithlabs/shipline/internal/config"
	"github.com/fyrsmithlabs/shipline/internal/coordinator"
	"github.com/fyrsmithlabs/shipline/internal/events"
	"github.com/fyrsmithlabs/shipline/internal/ledger"
	"github.com/fyrsmithlabs/shipline/internal/logging"
	"github.com/fyrsmithlabs/shipline/internal/pipeline"
	"github.com/fyrsmithlabs/shipline/internal/reasoning"
	"github.com/fyrsmithlabs/shipline/internal/redact"
	"github.com/fyrsmithlabs/shipline/internal/tools"
	"github.com/fyrsmithlabs/shipline/internal/workflows"
)

// Registry provides access to the wired shipline components.
// Use accessor methods to retrieve individual components.
type Registry interface {
	Config() *config.Config
	Store() ledger.Store
	Events() events.Broadcaster
	Scrubber() redact.Scrubber
	Gates() *approval.Manager
	Reasoner() *reasoning.Reasoner
	Tools() *tools.Registry
	Policy() tools.PolicySource
	Loop() *agentloop.Engine
	Coordinator() *coordinator.Coordinator

	// NATS is nil unless a NATS backend is configured.
	NATS() *nats.Conn
	// Temporal and Launcher are nil unless temporal is enabled.
	Temporal() client.Client
	Launcher() *workflows.Launcher

	// Activities binds the workflow activities to this process.
	Activities() *workflows.Activities
	// TaskHook starts the durable workflow of a created task. It is nil
	// when the coordinator drives stages itself.
	TaskHook() func(ctx context.Context, task *pipeline.Task) error

	// Close releases every component, newest first.
	Close() error
}

// Options overrides parts of the wiring.
type Options struct {
	// Version is reported to MCP tool servers.
	Version string

	// Completer replaces the configured LLM endpoint.
	Completer reasoning.Completer

	// Temporal replaces dialing temporal.host_port. The registry does not
	// close a client it did not dial.
	Temporal client.Client
}

// registry is the concrete implementation of Registry.
type registry struct {
	cfg         *config.Config
	logger      *logging.Logger
	store       ledger.Store
	events      events.Broadcaster
	scrubber    redact.Scrubber
	gates       *approval.Manager
	reasoner    *reasoning.Reasoner
	tools       *tools.Registry
	policy      tools.PolicySource
	loop        *agentloop.Engine
	coordinator *coordinator.Coordinator
	natsServer  *natsserver.Server
	natsConn    *nats.Conn
	temporal    client.Client
	launcher    *workflows.Launcher

	closers []func() error
}

func (r *registry) Config() *config.Config                { return r.cfg }
func (r *registry) Store() ledger.Store                   { return r.store }
func (r *registry) Events() events.Broadcaster            { return r.events }
func (r *registry) Scrubber() redact.Scrubber             { return r.scrubber }
func (r *registry) Gates() *approval.Manager              { return r.gates }
func (r *registry) Reasoner() *reasoning.Reasoner         { return r.reasoner }
func (r *registry) Tools() *tools.Registry                { return r.tools }
func (r *registry) Policy() tools.PolicySource            { return r.policy }
func (r *registry) Loop() *agentloop.Engine               { return r.loop }
func (r *registry) Coordinator() *coordinator.Coordinator { return r.coordinator }
func (r *registry) NATS() *nats.Conn                      { return r.natsConn }
func (r *registry) Temporal() client.Client               { return r.temporal }
func (r *registry) Launcher() *workflows.Launcher         { return r.launcher }

func (r *registry) Activities() *workflows.Activities {
	return &workflows.Activities{Driver: r.coordinator, Gates: r.gates}
}

func (r *registry) TaskHook() func(ctx context.Context, task *pipeline.Task) error {
	if r.launcher == nil {
		return nil
	}
	return func(ctx context.Context, task *pipeline.Task) error {
		runID, err := r.launcher.Start(ctx, task.ID)
		if err != nil {
			return err
		}
		r.logger.Debug(logging.WithTask(ctx, task.ID, task.Owner), "pipeline workflow started",
			zap.String("workflow.run_id", runID))
		return nil
	}
}

// onClose registers fn to run on Close.
func (r *registry) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *registry) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
