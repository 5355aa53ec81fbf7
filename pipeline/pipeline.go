// Package pipeline wires one bound stage instance into the data plane.
//
// The input side is a null queue when the stage has no input, a simple queue
// fed by one Reader for a single producer, or a fan-in (roundrobin) or
// multi-done queue (merge) fed by one Reader per producer. The output side is
// a null queue, a simple queue drained by one Writer, or a fan-out drained by
// one Writer per consumer.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/c360/stagegrid/datachannel"
	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/flowqueue"
	"github.com/c360/stagegrid/pkg/retry"
	"github.com/c360/stagegrid/stage"
)

// DefaultCapacity is used for bindings without a capacity.
const DefaultCapacity = 16

// Option configures Build
type Option func(*buildOptions)

type buildOptions struct {
	dialRetry *retry.Config
}

// WithDialRetry overrides the writers' connect retry policy.
func WithDialRetry(cfg retry.Config) Option {
	return func(o *buildOptions) { o.dialRetry = &cfg }
}

// Pipeline is a wired stage instance ready to run.
type Pipeline struct {
	assignment descriptor.Assignment
	stage      stage.Stage
	in         flowqueue.Queue[stage.Item]
	out        flowqueue.Queue[stage.Item]
	readers    []*datachannel.Reader[stage.Item]
	writers    []*datachannel.Writer[stage.Item]
	counters   *descriptor.Counters
	logger     *slog.Logger
}

// Build creates the stage for a and registers its inbound endpoints on srv.
// A stage reads at most one queue and writes at most one queue.
func Build(a descriptor.Assignment, registry *stage.Registry, env *stage.Environment,
	srv *datachannel.Server, opts ...Option) (*Pipeline, error) {
	o := &buildOptions{}
	for _, opt := range opts {
		opt(o)
	}

	desc := a.Descriptor
	if len(a.Inputs) > 1 || len(a.Outputs) > 1 {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: stage %q binds %d inputs and %d outputs, at most one each", errors.ErrConfiguration,
				desc.Name, len(a.Inputs), len(a.Outputs)),
			"Pipeline", "Build", "check bindings")
	}

	s, err := registry.Create(desc, env)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		assignment: a,
		stage:      s,
		in:         flowqueue.NewNull[stage.Item](),
		out:        flowqueue.NewNull[stage.Item](),
		counters:   descriptor.NewCounters(desc.Slot, desc.Kind),
		logger:     env.Logger.With("component", "pipeline", "stage", desc.Name, "slot", desc.Slot),
	}

	channelOpts := func(queue string, index int) []datachannel.Option {
		opts := []datachannel.Option{datachannel.WithLogger(env.Logger)}
		if env.Metrics != nil {
			opts = append(opts, datachannel.WithMetrics(env.Metrics, fmt.Sprintf("%s_%s_%d", desc.Name, queue, index)))
		}
		if o.dialRetry != nil {
			opts = append(opts, datachannel.WithDialRetry(*o.dialRetry))
		}
		return opts
	}

	if len(a.Inputs) == 1 {
		if err := p.wireInput(a.Inputs[0], env, srv, channelOpts); err != nil {
			return nil, err
		}
	}
	if len(a.Outputs) == 1 {
		if err := p.wireOutput(a.Outputs[0], env, channelOpts); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func capacity(b descriptor.QueueBinding) int {
	if b.Capacity > 0 {
		return b.Capacity
	}
	return DefaultCapacity
}

func (p *Pipeline) queueOptions(env *stage.Environment, side string) []flowqueue.Option {
	if env.Metrics == nil {
		return nil
	}
	return []flowqueue.Option{flowqueue.WithMetrics(env.Metrics, p.assignment.Descriptor.Name+"_"+side)}
}

func (p *Pipeline) wireInput(b descriptor.QueueBinding, env *stage.Environment, srv *datachannel.Server,
	channelOpts func(string, int) []datachannel.Option) error {
	if srv == nil {
		return errors.WrapFatal(errors.ErrConfiguration, "Pipeline", "Build", "input without data server")
	}
	producers := len(b.Peers)
	if producers == 0 {
		return errors.WrapFatal(fmt.Errorf("%w: queue %q has no producers", errors.ErrConfiguration, b.Queue),
			"Pipeline", "Build", "wire input")
	}

	// one target queue per producer
	targets := make([]flowqueue.Queue[stage.Item], producers)
	switch {
	case producers == 1:
		q, err := flowqueue.New[stage.Item](capacity(b), p.queueOptions(env, "in")...)
		if err != nil {
			return err
		}
		p.in, targets[0] = q, q
	case b.Mode == descriptor.ModeMerge:
		q, err := flowqueue.New[stage.Item](capacity(b), p.queueOptions(env, "in")...)
		if err != nil {
			return err
		}
		md := flowqueue.NewMultiDone[stage.Item](q, producers)
		for i := range targets {
			targets[i] = md.Producer()
		}
		p.in = md
	case b.Mode == descriptor.ModeRoundRobin || b.Mode == "":
		fi, err := flowqueue.NewFanIn[stage.Item](producers, capacity(b), p.queueOptions(env, "in")...)
		if err != nil {
			return err
		}
		for i := range targets {
			targets[i] = fi.Producer(i)
		}
		p.in = fi
	default:
		return errors.WrapFatal(fmt.Errorf("%w: queue %q has unknown mode %q", errors.ErrConfiguration, b.Queue, b.Mode),
			"Pipeline", "Build", "wire input")
	}

	for i, target := range targets {
		ep, err := srv.Endpoint(datachannel.Path(b.Queue, i))
		if err != nil {
			return errors.WrapFatal(err, "Pipeline", "Build", "register endpoint")
		}
		p.readers = append(p.readers,
			datachannel.NewReader[stage.Item](ep, target, env.Codec, channelOpts(b.Queue, i)...))
	}
	return nil
}

func (p *Pipeline) wireOutput(b descriptor.QueueBinding, env *stage.Environment,
	channelOpts func(string, int) []datachannel.Option) error {
	consumers := len(b.Peers)
	if consumers == 0 {
		return errors.WrapFatal(fmt.Errorf("%w: queue %q has no consumers", errors.ErrConfiguration, b.Queue),
			"Pipeline", "Build", "wire output")
	}

	sources := make([]flowqueue.Queue[stage.Item], consumers)
	if consumers == 1 {
		q, err := flowqueue.New[stage.Item](capacity(b), p.queueOptions(env, "out")...)
		if err != nil {
			return err
		}
		p.out, sources[0] = q, q
	} else {
		fo, err := flowqueue.NewFanOut[stage.Item](consumers, capacity(b), p.queueOptions(env, "out")...)
		if err != nil {
			return err
		}
		for i := range sources {
			sources[i] = fo.Consumer(i)
		}
		p.out = fo
	}

	for i, peer := range b.Peers {
		url := datachannel.URL(peer.Address, datachannel.Path(b.Queue, b.Index))
		opts := append(channelOpts(b.Queue, i), datachannel.WithSendRate(b.Rate))
		p.writers = append(p.writers,
			datachannel.NewWriter[stage.Item](url, sources[i], env.Codec, opts...))
	}
	return nil
}

// Counters returns the live statistics of the stage instance.
func (p *Pipeline) Counters() *descriptor.Counters { return p.counters }

// Assignment returns the assignment the pipeline was built from.
func (p *Pipeline) Assignment() descriptor.Assignment { return p.assignment }

// Run starts the readers and writers, runs the stage and waits until every
// item has been handed to the data plane. The counters are marked done when
// Run returns. Data-plane failures are logged; the stage error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	// data-plane failures end their stream and are not returned
	var g errgroup.Group
	for _, r := range p.readers {
		g.Go(func() error {
			if err := r.Run(ctx); err != nil {
				p.logger.Warn("Data reader stopped", "error", err)
			}
			return nil
		})
	}
	for _, w := range p.writers {
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				p.logger.Warn("Data writer stopped", "error", err)
			}
			return nil
		})
	}

	p.logger.Info("Stage started", "readers", len(p.readers), "writers", len(p.writers))
	err := p.stage.Run(ctx, flowqueue.GetOnly(p.in), flowqueue.PutOnly(p.out), p.counters)
	p.out.SetDone()
	if err != nil {
		p.logger.Error("Stage failed", "error", err)
	}

	// unread input would block the readers
	g.Go(func() error {
		discarded := 0
		for {
			_, err := p.in.Get()
			if err != nil {
				if flowqueue.Failed(err) {
					p.logger.Warn("Stopped discarding input", "error", err)
					break
				}
				if flowqueue.Drained(p.in, err) {
					break
				}
				continue
			}
			discarded++
		}
		if discarded > 0 {
			p.logger.Warn("Discarded unread input", "count", discarded)
		}
		return nil
	})

	_ = g.Wait()
	p.counters.MarkDone()
	p.logger.Info("Stage finished", "items", p.counters.Snapshot().Items)
	return err
}
