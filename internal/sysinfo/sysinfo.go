// Package sysinfo collects local host facts for presence
// advertisements and health output.
package sysinfo

import (
	"os"
	"runtime"
	"sync"
	"time"
)

var (
	// Version is the build version, set via ldflags.
	Version = "dev"

	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Platform describes the host for the presence roster, e.g.
// "linux/amd64".
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Hostname returns the machine hostname, empty when unavailable.
func Hostname() string {
	name, _ := os.Hostname()
	return name
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns time elapsed since process start.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the uptime in whole seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
