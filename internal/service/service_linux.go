//go:build linux

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const systemdUnitDir = "/etc/systemd/system"

func isRootImpl() bool {
	return os.Getuid() == 0
}

func installImpl(cfg Config, execPath string) error {
	unitPath := filepath.Join(systemdUnitDir, cfg.Name+".service")
	if _, err := os.Stat(unitPath); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, unitPath)
	}

	unit := systemdUnit(cfg, execPath)
	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}

	if out, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("systemctl daemon-reload: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := runCommand("systemctl", "enable", cfg.Name); err != nil {
		return fmt.Errorf("systemctl enable: %s: %w", strings.TrimSpace(out), err)
	}
	if out, err := runCommand("systemctl", "start", cfg.Name); err != nil {
		return fmt.Errorf("systemctl start: %s: %w", strings.TrimSpace(out), err)
	}
	return nil
}

func uninstallImpl(name string) error {
	unitPath := filepath.Join(systemdUnitDir, name+".service")
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	// Stop and disable are best-effort; the unit may already be down.
	runCommand("systemctl", "stop", name)
	runCommand("systemctl", "disable", name)

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove systemd unit: %w", err)
	}
	runCommand("systemctl", "daemon-reload")
	runCommand("systemctl", "reset-failed", name)
	return nil
}

func statusImpl(name string) (string, error) {
	out, err := runCommand("systemctl", "is-active", name)
	status := strings.TrimSpace(out)
	if err != nil {
		// is-active exits nonzero for inactive units, which is still
		// a valid answer.
		if status != "" {
			return status, nil
		}
		return "", fmt.Errorf("systemctl is-active: %w", err)
	}
	return status, nil
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(filepath.Join(systemdUnitDir, name+".service"))
	return err == nil
}

func isInteractiveImpl() bool { return true }

func runAsServiceImpl(name string, runner Runner) error {
	// systemd runs the plain process; nothing to dispatch.
	return nil
}

func systemdUnit(cfg Config, execPath string) string {
	var user string
	if cfg.User != "" {
		user = "User=" + cfg.User + "\n"
	}

	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run -c %s
WorkingDirectory=%s
%sRestart=on-failure
RestartSec=5
TimeoutStopSec=30
NoNewPrivileges=true
PrivateTmp=true
ReadWritePaths=%s

[Install]
WantedBy=multi-user.target
`, cfg.Description, execPath, cfg.ConfigPath, cfg.WorkingDir, user, cfg.WorkingDir)
}
