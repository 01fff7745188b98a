package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sanverite/probe-gateway/internal/proc"
	"github.com/sanverite/probe-gateway/internal/stream"
)

// MaxScanOutput caps captured stdout and stderr of a batch scan.
const MaxScanOutput = 1 << 20

// ErrScannerNotFound is returned by Locator when the binary is not on PATH.
var ErrScannerNotFound = errors.New("scanner binary not found")

// Locator finds the scanner binary once per process. The cached answer is
// read-only afterwards and shared without further locking.
type Locator struct {
	name     string
	lookPath func(string) (string, error)

	once sync.Once
	path string
	err  error
}

// NewLocator returns a Locator for name (a bare name searched on PATH, or a path).
func NewLocator(name string) *Locator {
	return &Locator{name: name, lookPath: exec.LookPath}
}

// Name returns the configured binary name without directories.
func (l *Locator) Name() string { return filepath.Base(l.name) }

// Path returns the resolved binary path.
func (l *Locator) Path() (string, error) {
	l.once.Do(func() {
		p, err := l.lookPath(l.name)
		if err != nil {
			l.err = fmt.Errorf("%w: %s: %v", ErrScannerNotFound, l.name, err)
			return
		}
		l.path = p
	})
	return l.path, l.err
}

// ScanArgs is the only argument vector ever passed to the scanner:
// TCP connect scan, bounded top-N port set, open ports only, and the host
// as the single positional argument. No shell is involved.
func ScanArgs(bin string, topPorts int, host string) []string {
	return []string{bin, "-sT", "--top-ports", strconv.Itoa(topPorts), "--open", host}
}

// ScanExecutor runs the external scanner in batch or streaming mode.
type ScanExecutor struct {
	guard   TargetGuard
	locator *Locator
	engine  *stream.Engine
}

// NewScanExecutor wires the guard, the binary locator and the streaming engine.
func NewScanExecutor(g TargetGuard, l *Locator, e *stream.Engine) *ScanExecutor {
	return &ScanExecutor{guard: g, locator: l, engine: e}
}

func (e *ScanExecutor) notFound() *Failure {
	return &Failure{Kind: ConfigurationError, Message: e.locator.Name() + " binary not found on server"}
}

// Execute runs a batch scan to completion or until the request timeout,
// killing the scanner's process group at the deadline. The process is
// always reaped before Execute returns. A timed-out scan keeps the output
// gathered so far.
func (e *ScanExecutor) Execute(ctx context.Context, req Request) Result {
	r, ok := req.(ScanRequest)
	if !ok {
		panic(fmt.Sprintf("probe: ScanExecutor cannot run %T", req))
	}
	res := begin(KindScan, r.Host)
	if r.Streaming {
		return res.fail(Invalid("streaming scans are served by Stream"))
	}
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if f := checkTarget(ctx, e.guard, r.Host); f != nil {
		return res.fail(f)
	}
	bin, err := e.locator.Path()
	if err != nil {
		return res.fail(e.notFound())
	}

	argv := ScanArgs(bin, r.TopPorts, r.Host)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	proc.Prepare(cmd)
	stdout := &proc.CappedBuffer{Limit: MaxScanOutput}
	stderr := &proc.CappedBuffer{Limit: MaxScanOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	payload := &ScanResult{
		Command:  argv,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		payload.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.Scan = payload
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return res.fail(&Failure{Kind: TimeoutError, Message: fmt.Sprintf("%s timed out after %s", e.locator.Name(), r.Timeout)})
		}
		return res.fail(&Failure{Kind: UpstreamError, Message: "scan cancelled"})
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return res.fail(&Failure{Kind: ConfigurationError, Message: fmt.Sprintf("failed to run %s: %v", e.locator.Name(), runErr)})
	}
	// A non-zero exit is still a completed scan; the caller sees the code.
	res.Scan = payload
	return res.done()
}

// Stream validates the target and hands the scan to the streaming engine,
// which owns the output from then on.
func (e *ScanExecutor) Stream(ctx context.Context, r ScanRequest) (*stream.Session, *Failure) {
	guardCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	f := checkTarget(guardCtx, e.guard, r.Host)
	cancel()
	if f != nil {
		return nil, f
	}
	bin, err := e.locator.Path()
	if err != nil {
		return nil, e.notFound()
	}
	s, err := e.engine.Start(ctx, ScanArgs(bin, r.TopPorts, r.Host), r.Timeout)
	if errors.Is(err, stream.ErrTooManySessions) {
		return nil, &Failure{Kind: Overloaded, Message: err.Error()}
	}
	if err != nil {
		return nil, &Failure{Kind: ConfigurationError, Message: err.Error()}
	}
	return s, nil
}
