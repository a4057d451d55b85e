//go:build !linux

package rxclassifier

import (
	"errors"
	"sync/atomic"

	"github.com/AvizNetworks/vasntap/filter"
)

// Stats mirrors the Linux backend's counters so callers can stay
// platform-agnostic even when the backend itself is unavailable.
type Stats struct {
	PacketsReceived  atomic.Uint64
	PacketsSent      atomic.Uint64
	PacketsDropped   atomic.Uint64
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
	PacketsTruncated atomic.Uint64
	BytesTruncated   atomic.Uint64
}

// Backend is unavailable on non-Linux platforms: TC classifiers and perf
// event arrays are Linux-only facilities, same as worker.c.
type Backend struct{}

// New always fails on non-Linux platforms.
func New(cfg Config, filterCfg *filter.Config, sink Sink, selfCheck func([]byte) bool, truncateEnabled bool, truncateLength uint32) (*Backend, error) {
	return nil, errors.New("rxclassifier: TC classifier eBPF RX requires linux")
}

func (b *Backend) Start() error { return errors.New("rxclassifier: unsupported platform") }
func (b *Backend) Stop()        {}
func (b *Backend) Close()       {}

func (b *Backend) AggregateStats() Stats { return Stats{} }
