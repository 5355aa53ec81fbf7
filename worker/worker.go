// Package worker is the runtime of a process that lost the election. It
// offers one stage kind to the coordinator, answers listing requests, builds
// its pipeline when bound and reports statistics while the stage runs.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/stagegrid/control"
	"github.com/c360/stagegrid/datachannel"
	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/fileset"
	"github.com/c360/stagegrid/pipeline"
	"github.com/c360/stagegrid/stage"
)

// DefaultStatisticsInterval is how often a running stage reports.
const DefaultStatisticsInterval = time.Second

// Channel is the worker side of the control channel.
type Channel interface {
	Listen(ctx context.Context, h control.Handler) error
	Register(ctx context.Context, kind string) error
	Send(ctx context.Context, msg control.Message) error
}

// Config configures a Runtime
type Config struct {
	Kind               string
	StatisticsInterval time.Duration
	PipelineOptions    []pipeline.Option
}

// Runtime handles the control upcalls of a worker.
type Runtime struct {
	cfg      Config
	ch       Channel
	registry *stage.Registry
	env      *stage.Environment
	server   *datachannel.Server
	logger   *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	pipeline *pipeline.Pipeline
	started  bool
	err      error
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a runtime offering cfg.Kind. The data server must already be
// started so its address can be advertised.
func New(cfg Config, ch Channel, registry *stage.Registry, env *stage.Environment, server *datachannel.Server) (*Runtime, error) {
	if cfg.Kind == "" {
		return nil, errors.WrapInvalid(errors.ErrConfiguration, "Runtime", "New", "stage kind required")
	}
	if _, ok := registry.Lookup(cfg.Kind); !ok {
		return nil, errors.WrapFatal(errors.ErrUnknownStageKind, "Runtime", "New", "resolve kind "+cfg.Kind)
	}
	if cfg.StatisticsInterval <= 0 {
		cfg.StatisticsInterval = DefaultStatisticsInterval
	}
	return &Runtime{
		cfg:      cfg,
		ch:       ch,
		registry: registry,
		env:      env,
		server:   server,
		logger:   env.Logger.With("component", "worker", "kind", cfg.Kind),
		done:     make(chan struct{}),
	}, nil
}

// Start listens for control frames and registers with the coordinator.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	if err := r.ch.Listen(ctx, r); err != nil {
		return err
	}
	if err := r.ch.Register(ctx, r.cfg.Kind); err != nil {
		return err
	}
	r.logger.Info("Registered with coordinator")
	return nil
}

// Done is closed once the bound stage has finished and its final statistics
// were sent.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Wait blocks until the stage has finished or ctx ends. It returns the
// stage or build error, if any.
func (r *Runtime) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) finish(err error) {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

// Register implements control.Handler. Workers never receive REGISTER.
func (r *Runtime) Register(from descriptor.NodeID, kind, _ string) {
	r.logger.Warn("EEP: unexpected registration on worker", "from", from.String(), "offered", kind)
}

// Registered implements control.Handler. It builds the pipeline for the
// assignment.
func (r *Runtime) Registered(a descriptor.Assignment) {
	r.mu.Lock()
	if r.pipeline != nil {
		r.mu.Unlock()
		r.logger.Warn("EEP: duplicate assignment ignored", "stage", a.Descriptor.Name)
		return
	}
	r.mu.Unlock()

	p, err := pipeline.Build(a, r.registry, r.env, r.server, r.cfg.PipelineOptions...)
	if err != nil {
		r.logger.Error("Pipeline build failed", "stage", a.Descriptor.Name, "error", err)
		// report done so the coordinator's barrier is not held up
		r.report(descriptor.Statistics{Slot: a.Descriptor.Slot, Kind: a.Descriptor.Kind, Done: true})
		r.finish(err)
		return
	}

	r.mu.Lock()
	r.pipeline = p
	r.mu.Unlock()
	r.logger.Info("Bound to stage", "stage", a.Descriptor.Name, "slot", a.Descriptor.Slot,
		"inputs", len(a.Inputs), "outputs", len(a.Outputs))
}

// ManagementMessage implements control.Handler.
func (r *Runtime) ManagementMessage(from descriptor.NodeID, msg control.Message) {
	switch msg.Type {
	case control.MsgListingRequest:
		if msg.Fileset == nil {
			r.logger.Warn("EEP: listing request without fileset", "from", from.String())
			return
		}
		reply := fileset.Scan(*msg.Fileset)
		r.logger.Debug("Listing", "fileset", msg.Fileset.Name, "reply", reply.String())
		if err := r.ch.Send(r.context(), control.ListingReplyMessage(reply)); err != nil {
			r.logger.Error("Listing reply failed", "error", err)
		}

	case control.MsgStart:
		r.start()

	default:
		r.logger.Warn("EEP: unexpected management message", "type", string(msg.Type), "from", from.String())
	}
}

func (r *Runtime) context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *Runtime) start() {
	r.mu.Lock()
	p, started := r.pipeline, r.started
	if p != nil {
		r.started = true
	}
	r.mu.Unlock()

	switch {
	case p == nil:
		r.logger.Warn("EEP: start received before assignment")
		return
	case started:
		r.logger.Warn("EEP: duplicate start ignored")
		return
	}

	go r.run(r.context(), p)
}

func (r *Runtime) run(ctx context.Context, p *pipeline.Pipeline) {
	reportDone := make(chan struct{})
	reporterExited := make(chan struct{})
	go func() {
		defer close(reporterExited)
		ticker := time.NewTicker(r.cfg.StatisticsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.report(p.Counters().Snapshot())
			case <-reportDone:
				return
			}
		}
	}()

	err := p.Run(ctx)
	close(reportDone)
	<-reporterExited

	// final report carries done
	r.report(p.Counters().Snapshot())
	r.finish(err)
}

func (r *Runtime) report(s descriptor.Statistics) {
	if err := r.ch.Send(r.context(), control.StatisticsMessage(s)); err != nil {
		r.logger.Warn("Statistics report failed", "slot", s.Slot, "error", err)
	}
}
