// Package paths provides path resolution utilities.
package paths

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the ordo home directory when set. Tests and portable
// installs point it at a scratch directory.
const EnvHome = "ORDO_HOME"

// Home resolves the per-user ordo directory.
// Resolution order: $ORDO_HOME, then ~/.ordo, then ./.ordo when the home
// directory cannot be determined.
func Home() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return filepath.Clean(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(".ordo")
	}
	return filepath.Join(home, ".ordo")
}

// DBPath returns the SQLite database file path.
func DBPath() string {
	return filepath.Join(Home(), "ordo.db")
}

// LogPath returns the kernel log file path.
func LogPath() string {
	return filepath.Join(Home(), "ordo.log")
}

// KernelConfigPath returns the kernel bootstrap configuration file path.
func KernelConfigPath() string {
	return filepath.Join(Home(), "kernel.yaml")
}

// SettingsPath returns the user-settings configuration document path.
func SettingsPath() string {
	return filepath.Join(Home(), "settings.json")
}

// ModulesPath returns the worker-modules configuration document path.
func ModulesPath() string {
	return filepath.Join(Home(), "modules.json")
}

// GuardrailPolicyPath returns the advisor guardrail policy document path.
func GuardrailPolicyPath() string {
	return filepath.Join(Home(), "guardrail.yaml")
}

// WorkflowsDir returns the user workflow-definition directory.
func WorkflowsDir() string {
	return filepath.Join(Home(), "workflows")
}

// EnsureHome creates the ordo home directory if it does not exist and
// returns its path.
func EnsureHome() (string, error) {
	dir := Home()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}
