//go:build darwin

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const launchdDir = "/Library/LaunchDaemons"

func isRootImpl() bool {
	return os.Getuid() == 0
}

func plistPath(name string) string {
	return filepath.Join(launchdDir, launchdLabel(name)+".plist")
}

func launchdLabel(name string) string {
	return "dev." + name + ".agent"
}

func installImpl(cfg Config, execPath string) error {
	path := plistPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, path)
	}

	plist := launchdPlist(cfg, execPath)
	if err := os.WriteFile(path, []byte(plist), 0644); err != nil {
		return fmt.Errorf("write launchd plist: %w", err)
	}

	if out, err := runCommand("launchctl", "load", "-w", path); err != nil {
		os.Remove(path)
		return fmt.Errorf("launchctl load: %s: %w", strings.TrimSpace(out), err)
	}
	return nil
}

func uninstallImpl(name string) error {
	path := plistPath(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	runCommand("launchctl", "unload", "-w", path)

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove launchd plist: %w", err)
	}
	return nil
}

func statusImpl(name string) (string, error) {
	out, err := runCommand("launchctl", "list", launchdLabel(name))
	if err != nil {
		return "inactive", nil
	}
	// A listed job with a PID line is running.
	if strings.Contains(out, `"PID"`) {
		return "active", nil
	}
	return "loaded", nil
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(plistPath(name))
	return err == nil
}

func isInteractiveImpl() bool { return true }

func runAsServiceImpl(name string, runner Runner) error {
	// launchd runs the plain process; nothing to dispatch.
	return nil
}

func launchdPlist(cfg Config, execPath string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>run</string>
		<string>-c</string>
		<string>%s</string>
	</array>
	<key>WorkingDirectory</key>
	<string>%s</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
</dict>
</plist>
`, launchdLabel(cfg.Name), execPath, cfg.ConfigPath, cfg.WorkingDir)
}
