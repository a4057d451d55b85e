//go:build linux
// +build linux

// control/resource_linux.go
// Author: momentics <momentics@gmail.com>
//
// Process resource-usage sampling (RSS, per-thread CPU time) read from
// /proc, registered as debug probes alongside RegisterPlatformProbes.

package control

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ResourceUsage is one sample of process-wide resource consumption.
type ResourceUsage struct {
	RSSBytes   uint64
	ThreadCPU  map[int]uint64 // tid -> utime+stime in clock ticks
}

// SampleResourceUsage reads /proc/self/status for RSS and
// /proc/self/task/<tid>/stat for each thread's accumulated CPU ticks.
func SampleResourceUsage() (ResourceUsage, error) {
	ru := ResourceUsage{ThreadCPU: make(map[int]uint64)}

	rss, err := readRSS("/proc/self/status")
	if err != nil {
		return ru, err
	}
	ru.RSSBytes = rss

	tasks, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return ru, fmt.Errorf("control: read /proc/self/task: %w", err)
	}
	for _, t := range tasks {
		tid, err := strconv.Atoi(t.Name())
		if err != nil {
			continue
		}
		ticks, err := readThreadTicks(tid)
		if err != nil {
			continue // thread may have exited between readdir and stat
		}
		ru.ThreadCPU[tid] = ticks
	}
	return ru, nil
}

func readRSS(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("control: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("control: malformed VmRSS line %q", line)
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("control: parse VmRSS: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("control: VmRSS not found in %s", path)
}

// readThreadTicks parses utime (field 14) and stime (field 15) out of
// /proc/self/task/<tid>/stat, skipping the parenthesized comm field which
// may itself contain spaces or parentheses.
func readThreadTicks(tid int) (uint64, error) {
	path := fmt.Sprintf("/proc/self/task/%d/stat", tid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 {
		return 0, fmt.Errorf("control: malformed %s", path)
	}
	fields := strings.Fields(s[close+1:])
	const utimeIdx = 11 // fields[0] is state (field 3); utime is field 14
	const stimeIdx = 12
	if len(fields) <= stimeIdx {
		return 0, fmt.Errorf("control: too few fields in %s", path)
	}
	utime, err := strconv.ParseUint(fields[utimeIdx], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[stimeIdx], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

// RegisterResourceProbe adds a "resource.usage" debug probe reporting the
// latest RSS and per-thread CPU ticks.
func RegisterResourceProbe(dp *DebugProbes) {
	dp.RegisterProbe("resource.usage", func() any {
		ru, err := SampleResourceUsage()
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		return ru
	})
}
