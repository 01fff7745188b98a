package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/sanverite/probe-gateway/internal/core"
	"github.com/sanverite/probe-gateway/internal/probe"
	"github.com/sanverite/probe-gateway/internal/stream"
)

// Defaults for the outbound pool.
const (
	DefaultMaxConcurrent = 64
	DefaultMaxQueued     = 256
)

// KindScanStream labels recorded streaming scans.
const KindScanStream = "scan_stream"

// Admitter is implemented by *admission.Controller.
type Admitter interface {
	Allow(ctx context.Context, identity string) bool
}

// Recorder receives every finished probe. *core.State implements it.
type Recorder interface {
	Record(core.Record)
}

// Scanner is implemented by *probe.ScanExecutor.
type Scanner interface {
	probe.Executor
	Stream(ctx context.Context, r probe.ScanRequest) (*stream.Session, *probe.Failure)
}

// Options wires a Gateway.
type Options struct {
	Admission Admitter
	HTTP      probe.Executor
	Port      probe.Executor
	Scan      Scanner
	Recorder  Recorder // optional
	Limits    probe.Limits

	// MaxConcurrent bounds probes running at once.
	MaxConcurrent int
	// MaxQueued bounds probes waiting for a worker; beyond it requests
	// fail with probe.Overloaded.
	MaxQueued int

	Logger *log.Logger
}

// Stats describes the outbound pool.
type Stats struct {
	Running  int
	Waiting  int
	Capacity int
}

// Gateway validates, admits, executes and records probe requests.
// It is safe for concurrent use.
type Gateway struct {
	opts Options
	pool *ants.Pool
	log  *log.Logger
}

// New builds a Gateway. Close releases its worker pool.
func New(opts Options) (*Gateway, error) {
	if opts.Admission == nil || opts.HTTP == nil || opts.Port == nil || opts.Scan == nil {
		return nil, errors.New("gateway: admission and all executors are required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxQueued <= 0 {
		opts.MaxQueued = DefaultMaxQueued
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	pool, err := ants.NewPool(opts.MaxConcurrent,
		ants.WithMaxBlockingTasks(opts.MaxQueued),
		ants.WithLogger(opts.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("gateway: worker pool: %w", err)
	}
	return &Gateway{opts: opts, pool: pool, log: opts.Logger}, nil
}

// Close stops accepting work and waits up to timeout for running probes.
func (g *Gateway) Close(timeout time.Duration) error {
	return g.pool.ReleaseTimeout(timeout)
}

// Stats reports pool occupancy.
func (g *Gateway) Stats() Stats {
	return Stats{Running: g.pool.Running(), Waiting: g.pool.Waiting(), Capacity: g.pool.Cap()}
}

// ProbeHTTP performs an HTTP probe for identity.
func (g *Gateway) ProbeHTTP(ctx context.Context, identity string, req probe.HTTPRequest) probe.Result {
	return g.run(ctx, identity, req, g.opts.HTTP)
}

// ProbePort performs a TCP connect probe for identity.
func (g *Gateway) ProbePort(ctx context.Context, identity string, req probe.PortRequest) probe.Result {
	return g.run(ctx, identity, req, g.opts.Port)
}

// ScanPorts runs a batch scan for identity.
func (g *Gateway) ScanPorts(ctx context.Context, identity string, req probe.ScanRequest) probe.Result {
	req.Streaming = false
	return g.run(ctx, identity, req, g.opts.Scan)
}

// StreamScan starts a streaming scan for identity. The session is bound to
// ctx: cancelling it kills the scanner. The outcome is recorded once the
// session is done.
func (g *Gateway) StreamScan(ctx context.Context, identity string, req probe.ScanRequest) (*stream.Session, *probe.Failure) {
	req.Streaming = true
	if f := g.admit(ctx, identity, req); f != nil {
		g.record(identity, probe.Fail(req, f), KindScanStream)
		return nil, f
	}
	s, f := g.opts.Scan.Stream(ctx, req)
	if f != nil {
		g.record(identity, probe.Fail(req, f), KindScanStream)
		return nil, f
	}
	go g.recordSession(identity, req.Host, s)
	return s, nil
}

func (g *Gateway) recordSession(identity, host string, s *stream.Session) {
	<-s.Done()
	sum := s.Summary()
	rec := core.Record{
		ID:         sum.ID,
		Kind:       KindScanStream,
		Target:     host,
		Identity:   identity,
		Started:    sum.Started,
		DurationMs: sum.Duration.Milliseconds(),
	}
	switch sum.State {
	case stream.StateCompleted:
		rec.OK = true
	case stream.StateTimedOut:
		rec.ErrorKind = string(probe.TimeoutError)
		rec.Message = "scan timed out"
	case stream.StateSpawnFailed:
		rec.ErrorKind = string(probe.ConfigurationError)
		rec.Message = "scanner could not be started"
	default:
		rec.ErrorKind = string(sum.State)
		rec.Message = "client disconnected"
	}
	if g.opts.Recorder != nil {
		g.opts.Recorder.Record(rec)
	}
}

// admit runs validation then admission.
func (g *Gateway) admit(ctx context.Context, identity string, req probe.Request) *probe.Failure {
	if f := req.Validate(g.opts.Limits); f != nil {
		return f
	}
	if !g.opts.Admission.Allow(ctx, identity) {
		return probe.RateLimited()
	}
	return nil
}

func (g *Gateway) run(ctx context.Context, identity string, req probe.Request, exec probe.Executor) probe.Result {
	var res probe.Result
	if f := g.admit(ctx, identity, req); f != nil {
		res = probe.Fail(req, f)
	} else {
		res = g.submit(ctx, req, exec)
	}
	g.record(identity, res, string(res.Kind))
	return res
}

// submit hands the probe to the pool and waits for its result or for ctx.
//
// A full pool parks Submit in the MaxQueued wait queue, which does not watch
// ctx. Submit therefore runs on its own goroutine so the caller can leave
// early; a task whose caller has gone returns without executing.
func (g *Gateway) submit(ctx context.Context, req probe.Request, exec probe.Executor) probe.Result {
	if err := ctx.Err(); err != nil {
		return probe.Fail(req, probe.FromError("probe abandoned: ", err))
	}
	out := make(chan probe.Result, 1)
	task := func() {
		if err := ctx.Err(); err != nil {
			out <- probe.Fail(req, probe.FromError("probe abandoned: ", err))
			return
		}
		out <- g.execute(ctx, req, exec)
	}
	submitted := make(chan error, 1)
	go func() { submitted <- g.pool.Submit(task) }()

	select {
	case err := <-submitted:
		switch {
		case errors.Is(err, ants.ErrPoolOverload):
			g.log.Printf("gateway: pool overloaded, rejecting %s probe", req.Kind())
			return probe.Fail(req, &probe.Failure{Kind: probe.Overloaded, Message: "too many probes in flight, try again later"})
		case errors.Is(err, ants.ErrPoolClosed):
			return probe.Fail(req, &probe.Failure{Kind: probe.Overloaded, Message: "gateway is shutting down"})
		case err != nil:
			return probe.Fail(req, &probe.Failure{Kind: probe.Overloaded, Message: err.Error()})
		}
	case <-ctx.Done():
		return probe.Fail(req, probe.FromError("probe abandoned: ", ctx.Err()))
	}
	select {
	case res := <-out:
		return res
	case <-ctx.Done():
		return probe.Fail(req, probe.FromError("probe abandoned: ", ctx.Err()))
	}
}

// execute contains executor panics to the current request.
func (g *Gateway) execute(ctx context.Context, req probe.Request, exec probe.Executor) (res probe.Result) {
	defer func() {
		if v := recover(); v != nil {
			g.log.Printf("gateway: panic in %s probe of %q: %v\n%s", req.Kind(), req.Target(), v, debug.Stack())
			res = probe.Fail(req, &probe.Failure{Kind: probe.UpstreamError, Message: "internal error while probing"})
		}
	}()
	return exec.Execute(ctx, req)
}

func (g *Gateway) record(identity string, res probe.Result, kind string) {
	if g.opts.Recorder == nil {
		return
	}
	rec := core.Record{
		ID:         res.ID,
		Kind:       kind,
		Target:     res.Target,
		Identity:   identity,
		OK:         res.OK(),
		Started:    res.Started,
		DurationMs: res.Duration.Milliseconds(),
	}
	if f := res.Failure; f != nil {
		rec.ErrorKind = string(f.Kind)
		rec.Reason = f.Reason
		rec.Message = f.Message
	}
	g.opts.Recorder.Record(rec)
}
