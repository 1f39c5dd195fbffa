package environments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/envrun/envrun/internal/execution/sandbox"
	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/project"
)

// Environment is one provisioned, isolated place to run commands. Setup
// must be called before Install or Exec; Teardown releases whatever Setup
// acquired but keeps the environment directory for reuse.
type Environment interface {
	Setup(ctx context.Context) error
	Install(ctx context.Context, deps []string) error
	Exec(ctx context.Context, cmd project.Command) (*models.CommandResult, error)
	Teardown(ctx context.Context) error
	Type() project.Runtime
}

// Options carries tool-level settings shared by every environment in a run.
type Options struct {
	DefaultTimeout time.Duration
	Recreate       bool
	Docker         sandbox.Config
	ExtraMounts    []string

	// OnLine receives live output lines for the event stream.
	OnLine func(line string)
}

// New builds the runtime-appropriate environment.
func New(env *project.ResolvedEnv, opts Options) (Environment, error) {
	switch env.Runtime {
	case project.RuntimeLocal:
		return NewLocalEnvironment(env, opts), nil
	case project.RuntimeDocker:
		return NewDockerEnvironment(env, opts)
	default:
		return nil, fmt.Errorf("unsupported runtime %q", env.Runtime)
	}
}

// alwaysPass are environment variables every execution keeps regardless of
// passenv.
var alwaysPass = []string{"PATH", "HOME", "TMPDIR", "LANG", "TERM"}

// ComputeEnv builds the process environment for an execution: the host
// environment scrubbed down to passenv matches, setenv applied on top,
// then the envrun identity variables. envDir is the environment directory
// in the executor's frame (host path locally, mount point under docker).
func ComputeEnv(env *project.ResolvedEnv, envDir string) []string {
	passes := func(name string) bool {
		for _, keep := range alwaysPass {
			if name == keep {
				return true
			}
		}
		for _, pattern := range env.PassEnv {
			if ok, err := filepath.Match(pattern, name); err == nil && ok {
				return true
			}
		}
		return false
	}

	var out []string
	seen := make(map[string]bool)
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || !passes(name) || seen[name] {
			continue
		}
		if _, overridden := env.SetEnv[name]; overridden {
			continue
		}
		seen[name] = true
		out = append(out, kv)
	}
	for _, key := range env.SetEnvKeys {
		out = append(out, key+"="+env.SetEnv[key])
	}
	out = append(out, "ENVRUN_ENV="+env.Name, "ENVRUN_ENV_DIR="+envDir)
	return out
}

// checkAllowlist enforces allowlist_externals before a spawn. An empty
// list allows everything.
func checkAllowlist(env *project.ResolvedEnv, argv0 string) error {
	if len(env.AllowlistExternals) == 0 {
		return nil
	}
	candidates := []string{argv0, filepath.Base(argv0)}
	for _, pattern := range env.AllowlistExternals {
		for _, name := range candidates {
			if ok, err := filepath.Match(pattern, name); err == nil && ok {
				return nil
			}
		}
	}
	return fmt.Errorf("command %q is not allowed by allowlist_externals", argv0)
}
