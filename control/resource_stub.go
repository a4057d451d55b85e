//go:build !linux
// +build !linux

// control/resource_stub.go
// Author: momentics <momentics@gmail.com>
//
// Non-Linux stand-in: /proc is Linux-specific, so resource sampling is
// unavailable elsewhere.

package control

import "fmt"

// ResourceUsage is one sample of process-wide resource consumption.
type ResourceUsage struct {
	RSSBytes  uint64
	ThreadCPU map[int]uint64
}

// SampleResourceUsage always fails on non-Linux platforms.
func SampleResourceUsage() (ResourceUsage, error) {
	return ResourceUsage{}, fmt.Errorf("control: resource usage sampling requires linux")
}

// RegisterResourceProbe adds a "resource.usage" probe reporting the
// unsupported-platform error.
func RegisterResourceProbe(dp *DebugProbes) {
	dp.RegisterProbe("resource.usage", func() any {
		return map[string]any{"error": "resource usage sampling requires linux"}
	})
}
