//go:build !linux

package agent

import "time"

// Access times are only read on Linux; elsewhere they are reported as unknown.
func accessTime(string) *time.Time { return nil }
