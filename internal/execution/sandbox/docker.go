package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/envrun/envrun/internal/execution"
	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/pkg/logger"
)

const (
	PullPolicyAlways  = "always"
	PullPolicyMissing = "missing"

	cleanupTimeout = 10 * time.Second
)

// Config carries the daemon-level knobs from tool config.
type Config struct {
	MemoryLimit string
	CPULimit    string
	PullPolicy  string
}

// DockerExecutor runs each command in a fresh container from a fixed
// image, with the environment directory and project root bind-mounted.
type DockerExecutor struct {
	client *client.Client
	config *Config
	image  string
	binds  []string
}

func NewDockerExecutor(config *Config, image string, binds []string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerExecutor{
		client: cli,
		config: config,
		image:  image,
		binds:  binds,
	}, nil
}

// Ping verifies the daemon is reachable.
func (e *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := e.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// EnsureImage pulls the image according to the pull policy.
func (e *DockerExecutor) EnsureImage(ctx context.Context) error {
	log := logger.WithComponent("sandbox")

	if e.config.PullPolicy != PullPolicyAlways {
		if _, _, err := e.client.ImageInspectWithRaw(ctx, e.image); err == nil {
			log.Debug().Str("image", e.image).Msg("Image present, skipping pull")
			return nil
		} else if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to inspect image %q: %w", e.image, err)
		}
	}

	log.Info().Str("image", e.image).Msg("Pulling image")
	reader, err := e.client.ImagePull(ctx, e.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", e.image, err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var pullStatus map[string]interface{}
		if err := decoder.Decode(&pullStatus); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to decode pull status: %w", err)
		}
		log.Debug().Interface("status", pullStatus).Msg("Pull status")
	}
	return nil
}

func (e *DockerExecutor) resources() (container.Resources, error) {
	var res container.Resources
	if e.config.MemoryLimit != "" {
		mem, err := units.RAMInBytes(e.config.MemoryLimit)
		if err != nil {
			return res, fmt.Errorf("invalid memory limit %q: %w", e.config.MemoryLimit, err)
		}
		res.Memory = mem
	}
	if e.config.CPULimit != "" {
		cpus, err := strconv.ParseFloat(e.config.CPULimit, 64)
		if err != nil {
			return res, fmt.Errorf("invalid cpu limit %q: %w", e.config.CPULimit, err)
		}
		res.NanoCPUs = int64(cpus * 1e9)
	}
	return res, nil
}

// Execute runs one command in a fresh container. Spec.Dir is the working
// directory inside the container.
func (e *DockerExecutor) Execute(ctx context.Context, spec execution.Spec) (*models.CommandResult, error) {
	log := logger.WithComponent("sandbox")

	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}

	res, err := e.resources()
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	resp, err := e.client.ContainerCreate(execCtx,
		&container.Config{
			Image:      e.image,
			Cmd:        spec.Argv,
			Env:        spec.Env,
			WorkingDir: spec.Dir,
		},
		&container.HostConfig{
			Binds:     e.binds,
			Resources: res,
		},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := e.client.ContainerRemove(cleanupCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Error().Err(err).Str("container", containerID).Msg("Failed to remove container")
		}
	}()

	startTime := time.Now()
	if err := e.client.ContainerStart(execCtx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	result := &models.CommandResult{
		Argv:    spec.Argv,
		Ignored: spec.IgnoreExit,
	}

	statusCh, errCh := e.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.ExitCode = -1
			result.TimedOut = true
			log.Warn().Str("env", spec.Label).Dur("timeout", spec.Timeout).
				Strs("argv", spec.Argv).Msg("Command timed out")
		} else if err != nil {
			return nil, fmt.Errorf("error waiting for container: %w", err)
		}
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	}
	result.DurationMS = time.Since(startTime).Milliseconds()

	logsCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	out, err := e.client.ContainerLogs(logsCtx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer out.Close()

	var demuxed bytes.Buffer
	if _, err := stdcopy.StdCopy(&demuxed, &demuxed, out); err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}

	capture := newLogSink(spec, log)
	for _, line := range strings.Split(demuxed.String(), "\n") {
		capture.line(line)
	}
	result.Output = capture.String()

	return result, nil
}
