package gateway

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sanverite/probe-gateway/internal/core"
	"github.com/sanverite/probe-gateway/internal/probe"
	"github.com/sanverite/probe-gateway/internal/stream"
)

type fakeAdmitter struct {
	allow bool
	calls atomic.Int32
}

func (a *fakeAdmitter) Allow(context.Context, string) bool {
	a.calls.Add(1)
	return a.allow
}

// execFunc adapts a function to probe.Executor.
type execFunc func(ctx context.Context, req probe.Request) probe.Result

func (f execFunc) Execute(ctx context.Context, req probe.Request) probe.Result { return f(ctx, req) }

func okExec(calls *atomic.Int32) execFunc {
	return func(_ context.Context, req probe.Request) probe.Result {
		calls.Add(1)
		return probe.Result{ID: "r1", Kind: req.Kind(), Target: req.Target(), Port: &probe.PortResult{Open: true, State: probe.PortOpen}}
	}
}

type fakeScanner struct {
	execFunc
	stream func(ctx context.Context, r probe.ScanRequest) (*stream.Session, *probe.Failure)
}

func (s fakeScanner) Stream(ctx context.Context, r probe.ScanRequest) (*stream.Session, *probe.Failure) {
	return s.stream(ctx, r)
}

type fixture struct {
	gw    *Gateway
	adm   *fakeAdmitter
	state *core.State
	calls *atomic.Int32
}

func newFixture(t *testing.T, exec probe.Executor, mutate func(*Options)) *fixture {
	t.Helper()
	calls := new(atomic.Int32)
	if exec == nil {
		exec = okExec(calls)
	}
	f := &fixture{adm: &fakeAdmitter{allow: true}, state: core.NewState(10), calls: calls}
	opts := Options{
		Admission: f.adm,
		HTTP:      exec,
		Port:      exec,
		Scan: fakeScanner{execFunc: okExec(calls), stream: func(context.Context, probe.ScanRequest) (*stream.Session, *probe.Failure) {
			return nil, &probe.Failure{Kind: probe.ConfigurationError, Message: "nmap binary not found on server"}
		}},
		Recorder: f.state,
		Limits:   probe.Limits{MaxTimeout: time.Minute, MaxScanTimeout: 5 * time.Minute},
		Logger:   log.New(io.Discard, "", 0),
	}
	if mutate != nil {
		mutate(&opts)
	}
	gw, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close(time.Second) })
	f.gw = gw
	return f
}

var portReq = probe.PortRequest{Host: "example.com", Port: 443, Timeout: time.Second}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}

func TestProbe_Success(t *testing.T) {
	f := newFixture(t, nil, nil)
	res := f.gw.ProbePort(context.Background(), "198.51.100.7", portReq)
	if !res.OK() || res.Port == nil || !res.Port.Open {
		t.Fatalf("got %+v", res)
	}
	snap := f.state.GetSnapshot()
	if len(snap.Recent) != 1 || snap.Recent[0].Identity != "198.51.100.7" || !snap.Recent[0].OK {
		t.Fatalf("recorded %+v", snap.Recent)
	}
	if snap.Counters["port"][core.OutcomeOK] != 1 {
		t.Fatalf("counters %v", snap.Counters)
	}
}

func TestProbe_ValidationBeforeAdmission(t *testing.T) {
	f := newFixture(t, nil, nil)
	res := f.gw.ScanPorts(context.Background(), "c1", probe.ScanRequest{Host: "scanme.example", TopPorts: 1500, Timeout: time.Second})
	if res.OK() || res.Failure.Reason != probe.ReasonInvalidRequest {
		t.Fatalf("got %+v want invalid_request", res.Failure)
	}
	if f.adm.calls.Load() != 0 {
		t.Fatalf("admission consulted for an invalid request")
	}
	if f.calls.Load() != 0 {
		t.Fatalf("executor ran for an invalid request")
	}
	if got := f.state.GetSnapshot().Counters["scan"][probe.ReasonInvalidRequest]; got != 1 {
		t.Fatalf("invalid request not recorded: %d", got)
	}
}

func TestProbe_RateLimited(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.adm.allow = false
	res := f.gw.ProbeHTTP(context.Background(), "c1", probe.HTTPRequest{URL: "http://example.com", Timeout: time.Second})
	if res.OK() || res.Failure.Kind != probe.ClientError || res.Failure.Reason != probe.ReasonRateLimited {
		t.Fatalf("got %+v want rate_limited", res.Failure)
	}
	if f.calls.Load() != 0 {
		t.Fatalf("executor ran for a denied request")
	}
	if res.Target != "http://example.com" {
		t.Fatalf("target got %q", res.Target)
	}
}

func TestProbe_PanicContained(t *testing.T) {
	var n atomic.Int32
	exec := execFunc(func(_ context.Context, req probe.Request) probe.Result {
		if n.Add(1) == 1 {
			panic("boom")
		}
		return probe.Result{Kind: req.Kind(), Port: &probe.PortResult{}}
	})
	f := newFixture(t, exec, nil)
	res := f.gw.ProbePort(context.Background(), "c1", portReq)
	if res.OK() || res.Failure.Kind != probe.UpstreamError {
		t.Fatalf("got %+v want upstream_error", res.Failure)
	}
	if res := f.gw.ProbePort(context.Background(), "c1", portReq); !res.OK() {
		t.Fatalf("gateway unusable after panic: %+v", res.Failure)
	}
}

func TestProbe_Abandoned(t *testing.T) {
	exec := execFunc(func(ctx context.Context, req probe.Request) probe.Result {
		<-ctx.Done()
		return probe.Result{Kind: req.Kind()}
	})
	f := newFixture(t, exec, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := f.gw.ProbePort(ctx, "c1", portReq)
	if res.OK() || res.Failure.Kind != probe.TimeoutError {
		t.Fatalf("got %+v want timeout_error", res.Failure)
	}
}

func TestProbe_Overloaded(t *testing.T) {
	release := make(chan struct{})
	exec := execFunc(func(_ context.Context, req probe.Request) probe.Result {
		<-release
		return probe.Result{Kind: req.Kind(), Port: &probe.PortResult{}}
	})
	f := newFixture(t, exec, func(o *Options) {
		o.MaxConcurrent = 1
		o.MaxQueued = 1
	})

	results := make(chan probe.Result, 2)
	go func() { results <- f.gw.ProbePort(context.Background(), "c1", portReq) }()
	waitFor(t, func() bool { return f.gw.Stats().Running == 1 })
	go func() { results <- f.gw.ProbePort(context.Background(), "c2", portReq) }()
	waitFor(t, func() bool { return f.gw.Stats().Waiting == 1 })

	res := f.gw.ProbePort(context.Background(), "c3", portReq)
	if res.OK() || res.Failure.Kind != probe.Overloaded {
		t.Fatalf("got %+v want overloaded", res.Failure)
	}

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if !r.OK() {
				t.Fatalf("queued probe failed: %+v", r.Failure)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("queued probes did not finish")
		}
	}
}

func TestStreamScan_FailureRecorded(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, fail := f.gw.StreamScan(context.Background(), "c1", probe.ScanRequest{Host: "scanme.example", TopPorts: 10, Timeout: time.Second})
	if fail == nil || fail.Kind != probe.ConfigurationError {
		t.Fatalf("got %v want configuration_error", fail)
	}
	if got := f.state.GetSnapshot().Counters[KindScanStream][string(probe.ConfigurationError)]; got != 1 {
		t.Fatalf("stream failure not recorded: %d", got)
	}

	f.adm.allow = false
	if _, fail := f.gw.StreamScan(context.Background(), "c1", probe.ScanRequest{Host: "scanme.example", TopPorts: 10, Timeout: time.Second}); fail == nil || fail.Reason != probe.ReasonRateLimited {
		t.Fatalf("got %v want rate_limited", fail)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProbe_QueuedCallerLeavesEarly(t *testing.T) {
	release := make(chan struct{})
	var ran atomic.Int32
	exec := execFunc(func(_ context.Context, req probe.Request) probe.Result {
		ran.Add(1)
		<-release
		return probe.Result{Kind: req.Kind(), Port: &probe.PortResult{}}
	})
	f := newFixture(t, exec, func(o *Options) {
		o.MaxConcurrent = 1
		o.MaxQueued = 1
	})

	first := make(chan probe.Result, 1)
	go func() { first <- f.gw.ProbePort(context.Background(), "c1", portReq) }()
	waitFor(t, func() bool { return f.gw.Stats().Running == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	queued := make(chan probe.Result, 1)
	go func() { queued <- f.gw.ProbePort(ctx, "c2", portReq) }()
	waitFor(t, func() bool { return f.gw.Stats().Waiting == 1 })

	cancel()
	select {
	case res := <-queued:
		if res.OK() || res.Failure.Kind != probe.UpstreamError {
			t.Fatalf("got %+v want upstream_error", res.Failure)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued caller still waiting after cancel")
	}

	close(release)
	<-first
	waitFor(t, func() bool { return f.gw.Stats().Running == 0 && f.gw.Stats().Waiting == 0 })
	if n := ran.Load(); n != 1 {
		t.Fatalf("executor ran %d times want 1", n)
	}
}
