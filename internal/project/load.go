package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dominikbraun/graph"
	"gopkg.in/ini.v1"

	"github.com/envrun/envrun/internal/version"
)

const (
	globalSection  = "envrun"
	baseSection    = "testenv"
	envSectionPref = "testenv:"
)

// rawSection is the format-independent shape both the ini and toml readers
// lower into before any typing happens.
type rawSection struct {
	name string
	keys []rawKey
}

type rawKey struct {
	name  string
	value string
}

// Find walks up from startDir looking for a project file, preferring
// envrun.ini over envrun.toml within the same directory.
func Find(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve start directory: %w", err)
	}

	for {
		for _, name := range []string{"envrun.ini", "envrun.toml"} {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no envrun.ini or envrun.toml found in %s or any parent directory", startDir)
		}
		dir = parent
	}
}

// Load parses a project file. The format is chosen by extension: ".toml"
// uses the TOML reader, everything else the ini reader. The returned
// Project is anchored at the file's directory.
func Load(path string) (*Project, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var sections []rawSection
	if strings.EqualFold(filepath.Ext(abs), ".toml") {
		sections, err = parseTOML(data)
	} else {
		sections, err = parseINI(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(abs), err)
	}

	return build(abs, sections)
}

func parseINI(data []byte) ([]rawSection, error) {
	if err := checkDuplicateSections(data); err != nil {
		return nil, err
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		AllowPythonMultilineValues: true,
		IgnoreInlineComment:        true,
	}, data)
	if err != nil {
		return nil, err
	}

	var sections []rawSection
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			if keys := sec.Keys(); len(keys) > 0 {
				return nil, fmt.Errorf("key %q appears before any section", keys[0].Name())
			}
			continue
		}
		raw := rawSection{name: sec.Name()}
		for _, key := range sec.Keys() {
			raw.keys = append(raw.keys, rawKey{name: key.Name(), value: key.Value()})
		}
		sections = append(sections, raw)
	}
	return sections, nil
}

// checkDuplicateSections catches repeated [NAME] headers, which the ini
// reader would otherwise merge silently.
func checkDuplicateSections(data []byte) error {
	seen := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]")
		if end < 0 {
			continue
		}
		name := line[1:end]
		if seen[name] {
			return fmt.Errorf("duplicate section [%s]", name)
		}
		seen[name] = true
	}
	return nil
}

func build(path string, sections []rawSection) (*Project, error) {
	p := &Project{
		RootDir:    filepath.Dir(path),
		ConfigPath: path,
		envs:       make(map[string]*EnvConfig),
	}

	var base *rawSection
	named := make(map[string]*rawSection)
	var namedOrder []string

	for i := range sections {
		sec := &sections[i]
		switch {
		case sec.name == globalSection:
			if err := parseGlobal(sec, &p.Global); err != nil {
				return nil, err
			}
		case sec.name == baseSection:
			base = sec
		case strings.HasPrefix(sec.name, envSectionPref):
			name := strings.TrimPrefix(sec.name, envSectionPref)
			if err := checkEnvName(name); err != nil {
				return nil, fmt.Errorf("section [%s]: %w", sec.name, err)
			}
			named[name] = sec
			namedOrder = append(namedOrder, name)
		default:
			foreign := ForeignSection{Name: sec.name}
			for _, key := range sec.keys {
				foreign.Keys = append(foreign.Keys, ForeignKey{Name: key.name, Value: key.value})
			}
			p.Foreign = append(p.Foreign, foreign)
		}
	}

	if p.Global.MinVersion != "" && !version.AtLeast(p.Global.MinVersion) {
		return nil, fmt.Errorf("config requires envrun >= %s, this is %s",
			p.Global.MinVersion, version.Version)
	}

	// Defined environments: envlist names first (these may exist only
	// through the base section), then remaining named sections in file
	// order.
	for _, name := range p.Global.EnvList {
		if err := checkEnvName(name); err != nil {
			return nil, fmt.Errorf("envlist: %w", err)
		}
		if _, ok := p.envs[name]; ok {
			continue
		}
		p.envs[name] = nil
		p.order = append(p.order, name)
	}
	for _, name := range namedOrder {
		if _, ok := p.envs[name]; ok {
			continue
		}
		p.envs[name] = nil
		p.order = append(p.order, name)
	}
	if len(p.order) == 0 {
		return nil, ErrNoEnvs
	}

	for _, name := range p.order {
		env := &EnvConfig{Name: name, Runtime: RuntimeLocal}
		if base != nil {
			if err := applyEnvSection(env, base); err != nil {
				return nil, err
			}
		}
		if sec, ok := named[name]; ok {
			if err := applyEnvSection(env, sec); err != nil {
				return nil, err
			}
		}
		if err := validateEnv(env); err != nil {
			return nil, err
		}
		p.envs[name] = env
	}

	if err := checkDepends(p); err != nil {
		return nil, err
	}
	return p, nil
}

func checkEnvName(name string) error {
	if name == "" {
		return errors.New("empty environment name")
	}
	if strings.ContainsAny(name, " \t,:") {
		return fmt.Errorf("invalid environment name %q", name)
	}
	return nil
}

func parseGlobal(sec *rawSection, g *GlobalConfig) error {
	for _, key := range sec.keys {
		switch key.name {
		case "envlist":
			g.EnvList = splitList(key.value)
		case "skipsdist":
			v, err := parseBool(key.value)
			if err != nil {
				return fmt.Errorf("[envrun] skipsdist: %w", err)
			}
			g.SkipsDist = v
		case "package_command":
			line, err := singleCommandLine(key.value)
			if err != nil {
				return fmt.Errorf("[envrun] package_command: %w", err)
			}
			g.PackageCommand = line
		case "min_version":
			g.MinVersion = strings.TrimSpace(key.value)
		default:
			return fmt.Errorf("unknown key %q in [envrun]", key.name)
		}
	}
	return nil
}

func applyEnvSection(env *EnvConfig, sec *rawSection) error {
	for _, key := range sec.keys {
		if err := applyEnvKey(env, sec.name, key); err != nil {
			return err
		}
	}
	return nil
}

// applyEnvKey sets one key on an environment. Later sections replace
// earlier values wholesale; lists and setenv maps are never merged.
func applyEnvKey(env *EnvConfig, section string, key rawKey) error {
	switch key.name {
	case "description":
		env.Description = strings.TrimSpace(key.value)
	case "runtime":
		switch rt := Runtime(strings.TrimSpace(key.value)); rt {
		case RuntimeLocal, RuntimeDocker:
			env.Runtime = rt
		default:
			return fmt.Errorf("[%s] runtime: %q is not one of local, docker", section, key.value)
		}
	case "image":
		env.Image = strings.TrimSpace(key.value)
	case "deps":
		env.Deps = splitLines(key.value)
	case "install_command":
		line, err := singleCommandLine(key.value)
		if err != nil {
			return fmt.Errorf("[%s] install_command: %w", section, err)
		}
		env.InstallCommand = line
	case "setenv":
		vars, order, err := parseSetEnv(key.value)
		if err != nil {
			return fmt.Errorf("[%s] setenv: %w", section, err)
		}
		env.SetEnv = vars
		env.setEnvOrder = order
	case "passenv":
		env.PassEnv = splitWords(key.value)
	case "changedir":
		env.ChangeDir = strings.TrimSpace(key.value)
	case "commands":
		env.Commands = parseCommandLines(key.value)
	case "allowlist_externals":
		env.AllowlistExternals = splitList(key.value)
	case "depends":
		env.Depends = splitList(key.value)
	case "timeout":
		d, err := time.ParseDuration(strings.TrimSpace(key.value))
		if err != nil {
			return fmt.Errorf("[%s] timeout: %w", section, err)
		}
		if d <= 0 {
			return fmt.Errorf("[%s] timeout: must be positive, got %s", section, d)
		}
		env.Timeout = d
	case "recreate":
		v, err := parseBool(key.value)
		if err != nil {
			return fmt.Errorf("[%s] recreate: %w", section, err)
		}
		env.Recreate = v
	default:
		return fmt.Errorf("unknown key %q in [%s]", key.name, section)
	}
	return nil
}

func validateEnv(env *EnvConfig) error {
	if env.Runtime == RuntimeDocker && env.Image == "" {
		return fmt.Errorf("environment %q: docker runtime requires an image", env.Name)
	}
	if len(env.Deps) > 0 && env.InstallCommand == "" {
		return fmt.Errorf("environment %q: deps set but no install_command", env.Name)
	}
	return nil
}

// checkDepends verifies every depends target is defined and the relation is
// acyclic. The same graph shape is rebuilt by the runner for ordering.
func checkDepends(p *Project) error {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, name := range p.order {
		if err := g.AddVertex(name); err != nil {
			return fmt.Errorf("failed to build depends graph: %w", err)
		}
	}
	for _, name := range p.order {
		env := p.envs[name]
		for _, dep := range env.Depends {
			if _, ok := p.envs[dep]; !ok {
				return fmt.Errorf("environment %q depends on undefined environment %q (defined: %v)",
					name, dep, p.order)
			}
			err := g.AddEdge(dep, name)
			switch {
			case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
			case errors.Is(err, graph.ErrEdgeCreatesCycle):
				return fmt.Errorf("depends cycle between %q and %q", dep, name)
			default:
				return fmt.Errorf("failed to build depends graph: %w", err)
			}
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == '\n'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitLines(v string) []string {
	var out []string
	for _, line := range strings.Split(v, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitWords(v string) []string {
	return strings.Fields(strings.ReplaceAll(v, ",", " "))
}

func parseSetEnv(v string) (map[string]string, []string, error) {
	vars := make(map[string]string)
	var order []string
	for _, line := range splitLines(v) {
		name, value, ok := strings.Cut(line, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, nil, fmt.Errorf("expected KEY=VALUE, got %q", line)
		}
		if _, dup := vars[name]; !dup {
			order = append(order, name)
		}
		vars[name] = strings.TrimSpace(value)
	}
	return vars, order, nil
}

// parseCommandLines splits a commands value into lines, honoring trailing
// backslash continuation and the `-` ignore-exit prefix.
func parseCommandLines(v string) []CommandLine {
	var out []CommandLine
	var pending string
	flush := func(line string) {
		if line == "" {
			return
		}
		cl := CommandLine{Raw: line}
		if strings.HasPrefix(line, "-") {
			cl.IgnoreExit = true
			cl.Raw = strings.TrimSpace(strings.TrimPrefix(line, "-"))
		}
		if cl.Raw != "" {
			out = append(out, cl)
		}
	}
	for _, line := range strings.Split(v, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, "\\") {
			pending += strings.TrimSpace(strings.TrimSuffix(line, "\\")) + " "
			continue
		}
		flush(pending + line)
		pending = ""
	}
	if pending != "" {
		flush(strings.TrimSpace(pending))
	}
	return out
}

func singleCommandLine(v string) (string, error) {
	lines := parseCommandLines(v)
	switch len(lines) {
	case 0:
		return "", nil
	case 1:
		if lines[0].IgnoreExit {
			return "", errors.New("`-` prefix is not allowed here")
		}
		return lines[0].Raw, nil
	default:
		return "", fmt.Errorf("expected a single command, got %d lines", len(lines))
	}
}

func parseBool(v string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("expected a boolean, got %q", strings.TrimSpace(v))
	}
	return b, nil
}
