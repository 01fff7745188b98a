package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// PortExecutor performs TCP connect probes. No application data is sent.
type PortExecutor struct {
	guard  TargetGuard
	dialer *net.Dialer
}

// NewPortExecutor returns a PortExecutor using a zero net.Dialer.
func NewPortExecutor(g TargetGuard) *PortExecutor {
	return &PortExecutor{guard: g, dialer: &net.Dialer{}}
}

// Execute connects to host:port within the request timeout and reports
// latency, or why the port is not open.
func (e *PortExecutor) Execute(ctx context.Context, req Request) Result {
	r, ok := req.(PortRequest)
	if !ok {
		panic(fmt.Sprintf("probe: PortExecutor cannot run %T", req))
	}
	res := begin(KindPort, r.Host)
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if f := checkTarget(ctx, e.guard, r.Host); f != nil {
		return res.fail(f)
	}

	t0 := time.Now()
	conn, err := e.dialer.DialContext(ctx, "tcp", net.JoinHostPort(r.Host, strconv.Itoa(r.Port)))
	latency := millis(time.Since(t0))
	if err != nil {
		res.Port = classifyDial(err)
		return res.done()
	}
	_ = conn.Close()
	res.Port = &PortResult{Open: true, State: PortOpen, LatencyMs: latency}
	return res.done()
}

// classifyDial maps a dial error onto closed (refused) or filtered.
func classifyDial(err error) *PortResult {
	switch {
	case isTimeout(err):
		return &PortResult{State: PortFiltered, Error: "timeout"}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &PortResult{State: PortClosed, Error: "connection refused"}
	default:
		return &PortResult{State: PortFiltered, Error: err.Error()}
	}
}
