package project

import (
	"fmt"
	"path/filepath"
	"time"
)

// DefaultWorkDirName is the state directory created next to the project
// file when the tool config does not override it.
const DefaultWorkDirName = ".envrun"

// RunContext carries the per-invocation inputs substitution depends on.
type RunContext struct {
	// WorkDir is the state root; empty means <rootdir>/.envrun.
	WorkDir string
	// PosArgs are the CLI arguments after "--".
	PosArgs []string
	// DistFile is the packaging artifact path, empty when packaging was
	// skipped.
	DistFile string
	// InstallOpts expands {opts} inside install_command.
	InstallOpts []string
	// Lenient resolution keeps unavailable values literal (showconfig).
	Lenient bool
	// LookupEnv overrides os.LookupEnv in tests.
	LookupEnv func(string) (string, bool)
}

// ResolvedEnv is an EnvConfig with every placeholder expanded and command
// lines split into argv, ready for provisioning and execution.
type ResolvedEnv struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Runtime            Runtime           `json:"runtime"`
	Image              string            `json:"image,omitempty"`
	Deps               []string          `json:"deps,omitempty"`
	InstallCommand     *Command          `json:"install_command,omitempty"`
	SetEnv             map[string]string `json:"setenv,omitempty"`
	SetEnvKeys         []string          `json:"-"`
	PassEnv            []string          `json:"passenv,omitempty"`
	ChangeDir          string            `json:"changedir,omitempty"`
	Commands           []Command         `json:"commands"`
	AllowlistExternals []string          `json:"allowlist_externals,omitempty"`
	Timeout            time.Duration     `json:"timeout,omitempty"`
	Recreate           bool              `json:"recreate,omitempty"`

	RootDir   string `json:"rootdir"`
	WorkDir   string `json:"workdir"`
	EnvDir    string `json:"envdir"`
	EnvTmpDir string `json:"envtmpdir"`
}

// WorkDir returns the effective state root for a run context.
func (p *Project) WorkDir(rc RunContext) string {
	if rc.WorkDir != "" {
		return rc.WorkDir
	}
	return filepath.Join(p.RootDir, DefaultWorkDirName)
}

func (p *Project) expander(envName string, rc RunContext) *Expander {
	workDir := p.WorkDir(rc)
	x := &Expander{
		RootDir:   p.RootDir,
		WorkDir:   workDir,
		PosArgs:   rc.PosArgs,
		Opts:      rc.InstallOpts,
		DistFile:  rc.DistFile,
		Lenient:   rc.Lenient,
		LookupEnv: rc.LookupEnv,
	}
	if envName != "" {
		x.EnvName = envName
		x.EnvDir = filepath.Join(workDir, envName)
		x.EnvTmpDir = filepath.Join(workDir, envName, "tmp")
	}
	return x
}

// Resolve expands one environment for a concrete run.
func (p *Project) Resolve(name string, rc RunContext) (*ResolvedEnv, error) {
	env, err := p.Env(name)
	if err != nil {
		return nil, err
	}
	x := p.expander(name, rc)

	r := &ResolvedEnv{
		Name:        name,
		Description: env.Description,
		Runtime:     env.Runtime,
		PassEnv:     append([]string(nil), env.PassEnv...),
		Timeout:     env.Timeout,
		Recreate:    env.Recreate,
		RootDir:     p.RootDir,
		WorkDir:     x.WorkDir,
		EnvDir:      x.EnvDir,
		EnvTmpDir:   x.EnvTmpDir,
	}

	if r.Image, err = x.Expand(env.Image); err != nil {
		return nil, fmt.Errorf("environment %q: image: %w", name, err)
	}

	for _, dep := range env.Deps {
		v, err := x.Expand(dep)
		if err != nil {
			return nil, fmt.Errorf("environment %q: deps: %w", name, err)
		}
		r.Deps = append(r.Deps, v)
	}

	if len(env.SetEnv) > 0 {
		r.SetEnv = make(map[string]string, len(env.SetEnv))
		r.SetEnvKeys = env.SetEnvKeys()
		for _, key := range r.SetEnvKeys {
			v, err := x.Expand(env.SetEnv[key])
			if err != nil {
				return nil, fmt.Errorf("environment %q: setenv %s: %w", name, key, err)
			}
			r.SetEnv[key] = v
		}
	}

	for _, pattern := range env.AllowlistExternals {
		v, err := x.Expand(pattern)
		if err != nil {
			return nil, fmt.Errorf("environment %q: allowlist_externals: %w", name, err)
		}
		r.AllowlistExternals = append(r.AllowlistExternals, v)
	}

	changeDir, err := x.Expand(env.ChangeDir)
	if err != nil {
		return nil, fmt.Errorf("environment %q: changedir: %w", name, err)
	}
	switch {
	case changeDir == "":
		r.ChangeDir = p.RootDir
	case filepath.IsAbs(changeDir):
		r.ChangeDir = filepath.Clean(changeDir)
	default:
		r.ChangeDir = filepath.Join(p.RootDir, changeDir)
	}

	if env.InstallCommand != "" {
		ix := x.ForInstall()
		ix.Packages = r.Deps
		argv, err := ix.ExpandCommand(env.InstallCommand)
		if err != nil {
			return nil, fmt.Errorf("environment %q: install_command: %w", name, err)
		}
		if len(argv) > 0 {
			r.InstallCommand = &Command{Argv: argv}
		}
	}

	for _, line := range env.Commands {
		argv, err := x.ExpandCommand(line.Raw)
		if err != nil {
			return nil, fmt.Errorf("environment %q: %w", name, err)
		}
		if len(argv) == 0 {
			if rc.Lenient {
				continue
			}
			return nil, fmt.Errorf("environment %q: command %q expanded to nothing", name, line.Raw)
		}
		r.Commands = append(r.Commands, Command{Argv: argv, IgnoreExit: line.IgnoreExit})
	}

	return r, nil
}

// ResolvePackageCommand expands the global package_command. It returns nil
// when packaging is disabled by skipsdist or an unset package_command.
func (p *Project) ResolvePackageCommand(rc RunContext) (*Command, error) {
	if p.Global.SkipsDist || p.Global.PackageCommand == "" {
		return nil, nil
	}
	x := p.expander("", rc)
	argv, err := x.ExpandCommand(p.Global.PackageCommand)
	if err != nil {
		return nil, fmt.Errorf("package_command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("package_command %q expanded to nothing", p.Global.PackageCommand)
	}
	return &Command{Argv: argv}, nil
}
