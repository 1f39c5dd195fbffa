package environments

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envrun/envrun/internal/project"
)

func testEnv(t *testing.T) *project.ResolvedEnv {
	t.Helper()
	root := t.TempDir()
	workDir := filepath.Join(root, ".envrun")
	return &project.ResolvedEnv{
		Name:      "demo",
		Runtime:   project.RuntimeLocal,
		ChangeDir: root,
		RootDir:   root,
		WorkDir:   workDir,
		EnvDir:    filepath.Join(workDir, "demo"),
		EnvTmpDir: filepath.Join(workDir, "demo", "tmp"),
	}
}

func envMap(kvs []string) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if name, value, ok := strings.Cut(kv, "="); ok {
			out[name] = value
		}
	}
	return out
}

func TestComputeEnv(t *testing.T) {
	t.Setenv("ENVRUN_TEST_SECRET", "hidden")
	t.Setenv("ENVRUN_TEST_CI", "yes")

	env := testEnv(t)
	env.SetEnv = map[string]string{"APP_PATH": "/proj", "TERM": "dumb"}
	env.SetEnvKeys = []string{"APP_PATH", "TERM"}
	env.PassEnv = []string{"ENVRUN_TEST_C*"}

	got := envMap(ComputeEnv(env, env.EnvDir))

	assert.Equal(t, "/proj", got["APP_PATH"])
	assert.Equal(t, "yes", got["ENVRUN_TEST_CI"])
	assert.NotContains(t, got, "ENVRUN_TEST_SECRET")
	assert.Equal(t, "demo", got["ENVRUN_ENV"])
	assert.Equal(t, env.EnvDir, got["ENVRUN_ENV_DIR"])
	assert.Equal(t, os.Getenv("PATH"), got["PATH"])

	// setenv wins over a host variable of the same name.
	assert.Equal(t, "dumb", got["TERM"])
}

func TestComputeEnv_SetenvOrder(t *testing.T) {
	env := testEnv(t)
	env.SetEnv = map[string]string{"A": "1", "B": "2", "C": "3"}
	env.SetEnvKeys = []string{"C", "A", "B"}

	kvs := ComputeEnv(env, env.EnvDir)
	var ordered []string
	for _, kv := range kvs {
		switch {
		case strings.HasPrefix(kv, "A="), strings.HasPrefix(kv, "B="), strings.HasPrefix(kv, "C="):
			ordered = append(ordered, kv)
		}
	}
	assert.Equal(t, []string{"C=3", "A=1", "B=2"}, ordered)
}

func TestCheckAllowlist(t *testing.T) {
	env := testEnv(t)

	t.Run("empty list allows everything", func(t *testing.T) {
		assert.NoError(t, checkAllowlist(env, "/usr/bin/anything"))
	})

	t.Run("pattern match", func(t *testing.T) {
		env := testEnv(t)
		env.AllowlistExternals = []string{"go*", "make"}
		assert.NoError(t, checkAllowlist(env, "gofmt"))
		assert.NoError(t, checkAllowlist(env, "make"))
		assert.NoError(t, checkAllowlist(env, "/usr/bin/make"))
		assert.Error(t, checkAllowlist(env, "rm"))
	})
}

func TestProvisionHash(t *testing.T) {
	env := testEnv(t)
	base := ProvisionHash(env)
	assert.Equal(t, base, ProvisionHash(env))

	withDeps := *env
	withDeps.Deps = []string{"x"}
	assert.NotEqual(t, base, ProvisionHash(&withDeps))

	withInstall := *env
	withInstall.InstallCommand = &project.Command{Argv: []string{"./install"}}
	assert.NotEqual(t, base, ProvisionHash(&withInstall))

	// Setenv ordering does not change the hash.
	a := testEnv(t)
	a.SetEnv = map[string]string{"X": "1", "Y": "2"}
	a.SetEnvKeys = []string{"X", "Y"}
	b := *a
	b.SetEnvKeys = []string{"Y", "X"}
	assert.Equal(t, ProvisionHash(a), ProvisionHash(&b))
}

func TestState_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	assert.Nil(t, readState(dir))
	require.NoError(t, writeState(dir, "abc123"))

	st := readState(dir)
	require.NotNil(t, st)
	assert.Equal(t, "abc123", st.Hash)
	assert.NotEmpty(t, st.Version)

	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("{broken"), 0644))
	assert.Nil(t, readState(dir))
}

func TestLocalEnvironment_Lifecycle(t *testing.T) {
	env := testEnv(t)
	env.InstallCommand = &project.Command{Argv: []string{"sh", "-c", "touch \"$ENVRUN_ENV_DIR/installed\""}}
	env.Deps = []string{"marker"}

	local := NewLocalEnvironment(env, Options{})
	ctx := context.Background()

	require.NoError(t, local.Setup(ctx))
	assert.DirExists(t, env.EnvTmpDir)
	require.NoError(t, local.Install(ctx, env.Deps))
	assert.FileExists(t, filepath.Join(env.EnvDir, "installed"))
	assert.FileExists(t, filepath.Join(env.EnvDir, stateFileName))

	result, err := local.Exec(ctx, project.Command{Argv: []string{"sh", "-c", "echo running in $ENVRUN_ENV"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output, "running in demo")
	require.NoError(t, local.Teardown(ctx))

	// A second setup with unchanged config reuses the directory and skips
	// the install.
	require.NoError(t, os.Remove(filepath.Join(env.EnvDir, "installed")))
	again := NewLocalEnvironment(env, Options{})
	require.NoError(t, again.Setup(ctx))
	require.NoError(t, again.Install(ctx, env.Deps))
	assert.NoFileExists(t, filepath.Join(env.EnvDir, "installed"))
}

func TestLocalEnvironment_RecreateOnHashChange(t *testing.T) {
	env := testEnv(t)
	local := NewLocalEnvironment(env, Options{})
	ctx := context.Background()

	require.NoError(t, local.Setup(ctx))
	require.NoError(t, local.Install(ctx, nil))
	leftover := filepath.Join(env.EnvDir, "leftover")
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0644))

	changed := *env
	changed.Deps = []string{"new-dep"}
	changed.InstallCommand = &project.Command{Argv: []string{"sh", "-c", "true"}}
	fresh := NewLocalEnvironment(&changed, Options{})
	require.NoError(t, fresh.Setup(ctx))
	assert.NoFileExists(t, leftover)
}

func TestLocalEnvironment_ForcedRecreate(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()

	first := NewLocalEnvironment(env, Options{})
	require.NoError(t, first.Setup(ctx))
	require.NoError(t, first.Install(ctx, nil))
	leftover := filepath.Join(env.EnvDir, "leftover")
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0644))

	forced := NewLocalEnvironment(env, Options{Recreate: true})
	require.NoError(t, forced.Setup(ctx))
	assert.NoFileExists(t, leftover)
}

func TestLocalEnvironment_AllowlistBlocks(t *testing.T) {
	env := testEnv(t)
	env.AllowlistExternals = []string{"go*"}

	local := NewLocalEnvironment(env, Options{})
	require.NoError(t, local.Setup(context.Background()))

	_, err := local.Exec(context.Background(), project.Command{Argv: []string{"sh", "-c", "true"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist_externals")
}

func TestContainerWorkDir(t *testing.T) {
	env := testEnv(t)

	t.Run("root maps to workspace", func(t *testing.T) {
		env.ChangeDir = env.RootDir
		assert.Equal(t, ContainerWorkspace, containerWorkDir(env))
	})

	t.Run("subdir maps under workspace", func(t *testing.T) {
		env.ChangeDir = filepath.Join(env.RootDir, "docs", "src")
		assert.Equal(t, ContainerWorkspace+"/docs/src", containerWorkDir(env))
	})

	t.Run("outside root falls back to workspace", func(t *testing.T) {
		env.ChangeDir = "/somewhere/else"
		assert.Equal(t, ContainerWorkspace, containerWorkDir(env))
	})
}

func TestNew(t *testing.T) {
	env := testEnv(t)
	e, err := New(env, Options{})
	require.NoError(t, err)
	assert.Equal(t, project.RuntimeLocal, e.Type())

	env.Runtime = project.Runtime("vm")
	_, err = New(env, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported runtime")
}
