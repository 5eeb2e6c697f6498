package services

import (
	"context"
	"fmt"
	"time"

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

const natsReadyTimeout = 10 * time.Second

// Build wires every component described by cfg. On error the components
// built so far are closed.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	r := &registry{cfg: cfg, logger: logger}
	if err := r.build(ctx, opts); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *registry) build(ctx context.Context, opts Options) error {
	for _, step := range []struct {
		name string
		fn   func(context.Context, Options) error
	}{
		{"nats", r.connectNATS},
		{"store", r.buildStore},
		{"events", r.buildEvents},
		{"gates", r.buildGates},
		{"reasoning", r.buildReasoner},
		{"tools", r.buildTools},
		{"pipeline", r.buildPipeline},
		{"temporal", r.connectTemporal},
	} {
		if err := step.fn(ctx, opts); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	r.logger.Info(ctx, "components ready",
		zap.String("store", r.cfg.Store.Backend),
		zap.String("events", r.cfg.Events.Backend),
		zap.Strings("capabilities", r.tools.Capabilities()),
		zap.Bool("temporal", r.launcher != nil),
	)
	return nil
}

func (r *registry) usesNATS() bool {
	return r.cfg.Store.Backend == config.StoreJetStream || r.cfg.Events.Backend == config.EventsNATS
}

func (r *registry) connectNATS(ctx context.Context, _ Options) error {
	if !r.usesNATS() {
		return nil
	}
	url := r.cfg.NATS.URL
	if r.cfg.NATS.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			NoLog:     true,
			NoSigs:    true,
			JetStream: true,
			StoreDir:  r.cfg.NATS.StoreDir,
		})
		if err != nil {
			return fmt.Errorf("create embedded server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(natsReadyTimeout) {
			srv.Shutdown()
			return fmt.Errorf("embedded server not ready after %s", natsReadyTimeout)
		}
		r.natsServer = srv
		r.onClose(func() error {
			srv.Shutdown()
			srv.WaitForShutdown()
			return nil
		})
		url = srv.ClientURL()
		r.logger.Info(ctx, "embedded NATS server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.Name("shipline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	r.natsConn = nc
	r.onClose(func() error {
		nc.Close()
		return nil
	})
	return nil
}

func (r *registry) buildStore(_ context.Context, _ Options) error {
	switch r.cfg.Store.Backend {
	case config.StoreJetStream:
		js, err := r.natsConn.JetStream()
		if err != nil {
			return fmt.Errorf("jetstream context: %w", err)
		}
		kv, err := ledger.NewKVStore(js, r.cfg.Store.Bucket)
		if err != nil {
			return err
		}
		r.store = kv
	default:
		r.store = ledger.NewMemoryStore()
	}
	return nil
}

func (r *registry) buildEvents(_ context.Context, _ Options) error {
	z := r.logger.Underlying()
	var b events.Broadcaster
	switch r.cfg.Events.Backend {
	case config.EventsNATS:
		nb, err := events.NewNATSBroadcaster(r.natsConn, r.cfg.Events.SubjectPrefix, r.cfg.Engine.SubscriberBuffer, z)
		if err != nil {
			return err
		}
		b = nb
	default:
		hub := events.NewHub(events.WithBuffer(r.cfg.Engine.SubscriberBuffer), events.WithLogger(z))
		r.onClose(func() error {
			hub.Close()
			return nil
		})
		b = hub
	}

	r.scrubber = redact.Nop{}
	if r.cfg.Events.RedactSecrets {
		allow, err := redact.LoadAllowlist(r.cfg.Events.Allowlist)
		if err != nil {
			return err
		}
		scrubber, err := redact.NewGitleaksScrubber(allow)
		if err != nil {
			return err
		}
		r.scrubber = scrubber
		b = events.NewRedacting(b, scrubber)
	}
	r.events = b
	return nil
}

func (r *registry) buildGates(_ context.Context, _ Options) error {
	gates, err := approval.NewManager(r.store, r.events,
		approval.WithTimeout(r.cfg.Engine.ApprovalTimeout.Duration()),
		approval.WithLogger(r.logger.Underlying()),
	)
	if err != nil {
		return err
	}
	r.gates = gates
	return nil
}

func (r *registry) buildReasoner(_ context.Context, opts Options) error {
	completer := opts.Completer
	if completer == nil {
		rc := r.cfg.Reasoning
		lc, err := reasoning.NewLangChainCompleter(reasoning.LangChainConfig{
			BaseURL:           rc.BaseURL,
			Model:             rc.Model,
			Token:             rc.Token.Value(),
			RequestsPerMinute: rc.RequestsPerMinute,
			Burst:             rc.Burst,
			Temperature:       rc.Temperature,
		})
		if err != nil {
			return err
		}
		completer = lc
	}
	reasoner, err := reasoning.NewReasoner(completer,
		reasoning.WithLogger(r.logger.Underlying()),
		reasoning.WithCallTimeout(r.cfg.Engine.AdapterTimeout.Duration()),
	)
	if err != nil {
		return err
	}
	r.reasoner = reasoner
	return nil
}

func (r *registry) buildTools(ctx context.Context, opts Options) error {
	tc := r.cfg.Tools
	z := r.logger.Underlying()

	reg := tools.NewRegistry(tools.WithLogger(z), tools.WithInvokeTimeout(r.cfg.Engine.AdapterTimeout.Duration()))
	r.tools = reg
	r.onClose(reg.Close)

	ws, err := tools.NewWorkspace(tc.WorkspaceRoot)
	if err != nil {
		return err
	}
	if err := reg.Register(ws); err != nil {
		return err
	}

	if tc.Git.Enabled {
		g, err := tools.NewGit(tools.GitConfig{
			Path:        ws.Root(),
			Remote:      tc.Git.Remote,
			AuthorName:  tc.Git.AuthorName,
			AuthorEmail: tc.Git.AuthorEmail,
			Token:       tc.GitHub.Token.Value(),
		})
		if err != nil {
			return err
		}
		if err := reg.Register(g); err != nil {
			return err
		}
	}

	if tc.GitHub.Enabled() {
		gc, err := tools.NewGitHubClient(ctx, tc.GitHub.Token.Value())
		if err != nil {
			return err
		}
		gh, err := tools.NewGitHub(gc, tools.GitHubConfig{
			Token:      tc.GitHub.Token.Value(),
			Owner:      tc.GitHub.Owner,
			Repo:       tc.GitHub.Repo,
			BaseBranch: tc.GitHub.BaseBranch,
			Retry:      tools.DefaultRetryConfig(),
			Logger:     z,
		})
		if err != nil {
			return err
		}
		if err := reg.Register(gh); err != nil {
			return err
		}
	}

	for _, s := range tc.MCP {
		c, err := tools.ConnectMCPCommand(ctx, tools.MCPServerConfig{Name: s.Name, Command: s.Command, Args: s.Args}, opts.Version)
		if err != nil {
			return fmt.Errorf("mcp server %s: %w", s.Name, err)
		}
		if err := reg.Register(c); err != nil {
			_ = c.Close()
			return err
		}
	}

	if tc.PolicyFile == "" {
		r.policy = tools.StaticPolicy{}
		return nil
	}
	w, err := tools.NewPolicyWatcher(tc.PolicyFile, z)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	r.onClose(func() error {
		w.Stop()
		return nil
	})
	r.policy = w
	return nil
}

// stageMarker forwards to the coordinator, which is built after the loop
// engine that marks its stages.
type stageMarker struct {
	c *coordinator.Coordinator
}

func (m *stageMarker) MarkWaiting(ctx context.Context, taskID string, stage pipeline.Stage) error {
	return m.c.MarkWaiting(ctx, taskID, stage)
}

func (m *stageMarker) MarkResumed(ctx context.Context, taskID string, stage pipeline.Stage) error {
	return m.c.MarkResumed(ctx, taskID, stage)
}

func (r *registry) buildPipeline(_ context.Context, _ Options) error {
	marker := &stageMarker{}
	loop, err := agentloop.New(agentloop.Config{MaxIterations: r.cfg.Engine.MaxIterations}, agentloop.Deps{
		Reasoner:   r.reasoner,
		Tools:      r.tools,
		Gates:      r.gates,
		Iterations: r.store,
		Events:     r.events,
		Policy:     r.policy,
		Marker:     marker,
		Logger:     r.logger.Underlying(),
	})
	if err != nil {
		return err
	}
	r.loop = loop

	runners, err := coordinator.DefaultRunners(coordinator.RunnerDeps{
		Reasoner:     r.reasoner,
		Gates:        r.gates,
		Loop:         loop,
		Tools:        r.tools,
		BranchPrefix: r.cfg.Tools.BranchPrefix,
	})
	if err != nil {
		return err
	}
	coord, err := coordinator.New(r.store, r.events,
		coordinator.WithLogger(r.logger),
		coordinator.WithRunners(runners),
		coordinator.WithAutoRun(!r.cfg.Temporal.Enabled),
	)
	if err != nil {
		return err
	}
	marker.c = coord
	r.coordinator = coord
	r.onClose(func() error {
		coord.Close()
		return nil
	})
	return nil
}

func (r *registry) connectTemporal(ctx context.Context, opts Options) error {
	tc := r.cfg.Temporal
	if !tc.Enabled {
		return nil
	}
	c := opts.Temporal
	if c == nil {
		dialed, err := client.Dial(client.Options{
			HostPort:  tc.HostPort,
			Namespace: tc.Namespace,
			Logger:    newTemporalLogger(r.logger.Underlying()),
		})
		if err != nil {
			return fmt.Errorf("dial %s: %w", tc.HostPort, err)
		}
		r.onClose(func() error {
			dialed.Close()
			return nil
		})
		c = dialed
	}
	launcher, err := workflows.NewLauncher(c, workflows.LauncherConfig{TaskQueue: tc.TaskQueue})
	if err != nil {
		return err
	}
	r.temporal = c
	r.launcher = launcher
	r.logger.Info(ctx, "temporal driver enabled",
		zap.String("host_port", tc.HostPort),
		zap.String("task_queue", tc.TaskQueue),
	)
	return nil
}
