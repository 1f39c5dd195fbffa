package project

import (
	"errors"
	"fmt"
	"time"
)

type Runtime string

const (
	RuntimeLocal  Runtime = "local"
	RuntimeDocker Runtime = "docker"
)

var (
	ErrEnvNotFound = errors.New("environment not defined")
	ErrNoEnvs      = errors.New("no environments defined")
)

// CommandLine is one line of a `commands` value, kept raw so placeholders
// expand before shell-word splitting. IgnoreExit is set by the `-` line
// prefix and makes a non-zero exit code non-fatal.
type CommandLine struct {
	Raw        string `json:"raw"`
	IgnoreExit bool   `json:"ignore_exit,omitempty"`
}

// Command is a resolved command line: placeholders expanded and the result
// split into argv words.
type Command struct {
	Argv       []string `json:"argv"`
	IgnoreExit bool     `json:"ignore_exit,omitempty"`
}

// GlobalConfig holds the [envrun] section.
type GlobalConfig struct {
	EnvList        []string `json:"envlist"`
	SkipsDist      bool     `json:"skipsdist"`
	PackageCommand string   `json:"package_command,omitempty"`
	MinVersion     string   `json:"min_version,omitempty"`
}

// EnvConfig is the effective configuration of one environment after the
// [testenv] base section and the [testenv:NAME] overrides are folded
// together. String values may still contain substitution placeholders;
// Resolve expands them for a concrete run.
type EnvConfig struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Runtime            Runtime           `json:"runtime"`
	Image              string            `json:"image,omitempty"`
	Deps               []string          `json:"deps,omitempty"`
	InstallCommand     string            `json:"install_command,omitempty"`
	SetEnv             map[string]string `json:"setenv,omitempty"`
	setEnvOrder        []string
	PassEnv            []string      `json:"passenv,omitempty"`
	ChangeDir          string        `json:"changedir,omitempty"`
	Commands           []CommandLine `json:"commands"`
	AllowlistExternals []string      `json:"allowlist_externals,omitempty"`
	Depends            []string      `json:"depends,omitempty"`
	Timeout            time.Duration `json:"timeout,omitempty"`
	Recreate           bool          `json:"recreate,omitempty"`
}

// SetEnvKeys returns the setenv keys in file order.
func (e *EnvConfig) SetEnvKeys() []string {
	keys := make([]string, len(e.setEnvOrder))
	copy(keys, e.setEnvOrder)
	return keys
}

// ForeignSection preserves a section envrun does not own, such as the
// configuration blocks other tools keep in the same file. Keys stay in file
// order and are never interpreted.
type ForeignSection struct {
	Name string       `json:"name"`
	Keys []ForeignKey `json:"keys"`
}

type ForeignKey struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Project is a parsed project file plus the directory it anchors.
type Project struct {
	RootDir    string
	ConfigPath string
	Global     GlobalConfig
	Foreign    []ForeignSection

	envs  map[string]*EnvConfig
	order []string
}

// Env returns the definition of a single environment.
func (p *Project) Env(name string) (*EnvConfig, error) {
	env, ok := p.envs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (defined: %v)", ErrEnvNotFound, name, p.order)
	}
	return env, nil
}

// EnvNames lists every defined environment: the default envlist first, then
// remaining section-defined environments in file order.
func (p *Project) EnvNames() []string {
	names := make([]string, len(p.order))
	copy(names, p.order)
	return names
}

// DefaultSelection is the set run when no -e flag is given: the envlist if
// one is configured, otherwise every defined environment.
func (p *Project) DefaultSelection() []string {
	if len(p.Global.EnvList) > 0 {
		out := make([]string, len(p.Global.EnvList))
		copy(out, p.Global.EnvList)
		return out
	}
	return p.EnvNames()
}

// Select resolves a -e style selection against the defined environments.
// The literal "ALL" selects everything; an empty selection falls back to
// DefaultSelection. Unknown names are an error naming the known set.
func (p *Project) Select(requested []string) ([]string, error) {
	if len(p.order) == 0 {
		return nil, ErrNoEnvs
	}
	if len(requested) == 0 {
		return p.DefaultSelection(), nil
	}
	if len(requested) == 1 && requested[0] == "ALL" {
		return p.EnvNames(), nil
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := p.envs[name]; !ok {
			return nil, fmt.Errorf("%w: %q (defined: %v)", ErrEnvNotFound, name, p.order)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}
