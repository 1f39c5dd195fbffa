package execution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/pkg/logger"
)

// LocalExecutor runs commands as host processes.
type LocalExecutor struct {
	defaultTimeout time.Duration
}

func NewLocalExecutor(defaultTimeout time.Duration) *LocalExecutor {
	return &LocalExecutor{defaultTimeout: defaultTimeout}
}

func (e *LocalExecutor) Execute(ctx context.Context, spec Spec) (*models.CommandResult, error) {
	log := logger.WithComponent("exec")

	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", spec.Argv[0], err)
	}

	capture := NewCapture()
	var wg sync.WaitGroup
	stream := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			capture.WriteLine(line)
			if spec.OnLine != nil {
				spec.OnLine(line)
			}
			log.Info().Str("env", spec.Label).Msg(line)
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Str("env", spec.Label).Msg("Output stream closed early")
		}
	}
	wg.Add(2)
	go stream(stdout)
	go stream(stderr)
	wg.Wait()

	waitErr := cmd.Wait()
	result := &models.CommandResult{
		Argv:       spec.Argv,
		DurationMS: time.Since(startTime).Milliseconds(),
		Output:     capture.String(),
		Ignored:    spec.IgnoreExit,
	}

	switch {
	case waitErr == nil:
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.ExitCode = -1
		result.TimedOut = true
		log.Warn().Str("env", spec.Label).Dur("timeout", timeout).
			Strs("argv", spec.Argv).Msg("Command timed out")
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("failed to run %q: %w", spec.Argv[0], waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}
