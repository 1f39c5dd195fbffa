package execution

import (
	"context"
	"sync"
	"time"

	"github.com/envrun/envrun/internal/models"
)

// MaxCaptureBytes caps the output tail kept per command for reports.
const MaxCaptureBytes = 64 * 1024

// Spec describes one command to run inside an environment. Env is the
// fully computed process environment; Dir is the working directory in the
// executor's own frame (host path locally, container path under docker).
type Spec struct {
	Argv       []string
	Dir        string
	Env        []string
	Timeout    time.Duration
	IgnoreExit bool

	// Label tags log lines and events with the owning environment.
	Label string
	// OnLine receives each output line as it is seen. Optional.
	OnLine func(line string)
}

// Executor runs a single command to completion. Implementations return an
// error only for infrastructure failures (spawn, daemon); a command that
// ran and exited non-zero or timed out is a result, not an error.
type Executor interface {
	Execute(ctx context.Context, spec Spec) (*models.CommandResult, error)
}

// Capture keeps the last MaxCaptureBytes of line output for reports.
type Capture struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func NewCapture() *Capture {
	return &Capture{max: MaxCaptureBytes}
}

func (b *Capture) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
}

func (b *Capture) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
