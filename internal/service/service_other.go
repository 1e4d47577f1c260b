//go:build !linux && !darwin && !windows

package service

import "fmt"

func isRootImpl() bool { return false }

func installImpl(cfg Config, execPath string) error {
	return fmt.Errorf("service installation is not supported on this platform")
}

func uninstallImpl(name string) error {
	return fmt.Errorf("service removal is not supported on this platform")
}

func statusImpl(name string) (string, error) {
	return "", fmt.Errorf("service status is not supported on this platform")
}

func isInstalledImpl(name string) bool { return false }

func isInteractiveImpl() bool { return true }

func runAsServiceImpl(name string, runner Runner) error { return nil }
