package environments

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/envrun/envrun/internal/project"
	"github.com/envrun/envrun/internal/version"
)

const stateFileName = ".envrun-state.json"

// State records how an environment directory was provisioned, so a config
// change can be detected and force a rebuild.
type State struct {
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	Version   string    `json:"version"`
}

// ProvisionHash fingerprints the parts of an environment config that
// invalidate an existing directory when they change.
func ProvisionHash(env *project.ResolvedEnv) string {
	type provisionKey struct {
		Runtime   project.Runtime `json:"runtime"`
		Image     string          `json:"image"`
		Deps      []string        `json:"deps"`
		Install   []string        `json:"install"`
		SetEnv    []string        `json:"setenv"`
		ChangeDir string          `json:"changedir"`
	}
	key := provisionKey{
		Runtime:   env.Runtime,
		Image:     env.Image,
		Deps:      env.Deps,
		ChangeDir: env.ChangeDir,
	}
	if env.InstallCommand != nil {
		key.Install = env.InstallCommand.Argv
	}
	for k, v := range env.SetEnv {
		key.SetEnv = append(key.SetEnv, k+"="+v)
	}
	sort.Strings(key.SetEnv)

	raw, _ := json.Marshal(key)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// readState returns nil when no valid state file exists.
func readState(envDir string) *State {
	raw, err := os.ReadFile(filepath.Join(envDir, stateFileName))
	if err != nil {
		return nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil || st.Hash == "" {
		return nil
	}
	return &st
}

func writeState(envDir, hash string) error {
	st := State{
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
		Version:   version.Version,
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, stateFileName), raw, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
