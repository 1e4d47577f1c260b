// Package service installs Tether as a system service: a systemd
// unit on Linux, a launchd daemon on macOS, and a Windows service on
// Windows.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Runner is the daemon lifecycle the service wrapper drives.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config describes the service to install.
type Config struct {
	// Name is the service name as registered with the init system.
	Name string

	// DisplayName is the human-readable name (Windows only).
	DisplayName string

	// Description shows up in service listings.
	Description string

	// ConfigPath is the absolute path to the Tether config file.
	ConfigPath string

	// WorkingDir is the service working directory.
	WorkingDir string

	// User runs the service as this account (Linux only, empty = root).
	User string
}

// DefaultConfig returns the standard Tether service definition.
func DefaultConfig(configPath string) Config {
	abs, _ := filepath.Abs(configPath)
	return Config{
		Name:        "tether",
		DisplayName: "Tether Agent Bridge",
		Description: "Bridges a terminal coding agent to its mobile companion",
		ConfigPath:  abs,
		WorkingDir:  filepath.Dir(abs),
	}
}

// IsRoot reports whether the process has the privileges service
// installation needs (root, or Administrator on Windows).
func IsRoot() bool {
	return isRootImpl()
}

// IsSupported reports whether this platform has a service backend.
func IsSupported() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows":
		return true
	}
	return false
}

// Install registers and starts the service for the current executable.
func Install(cfg Config) error {
	if !IsRoot() {
		return fmt.Errorf("service installation requires root/administrator privileges")
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops and removes the service.
func Uninstall(name string) error {
	if !IsRoot() {
		return fmt.Errorf("service removal requires root/administrator privileges")
	}
	return uninstallImpl(name)
}

// Status returns the init system's view of the service state.
func Status(name string) (string, error) {
	return statusImpl(name)
}

// IsInstalled reports whether the service is registered.
func IsInstalled(name string) bool {
	return isInstalledImpl(name)
}

// IsInteractive reports whether the process was launched from a
// terminal rather than by the service manager. Always true outside
// Windows; systemd and launchd run the plain process.
func IsInteractive() bool {
	return isInteractiveImpl()
}

// RunAsService hands control to the Windows service dispatcher. A
// no-op elsewhere.
func RunAsService(name string, runner Runner) error {
	return runAsServiceImpl(name, runner)
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}
