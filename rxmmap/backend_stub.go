//go:build !linux

package rxmmap

import (
	"errors"

	"github.com/AvizNetworks/vasntap/filter"
)

// Backend is unavailable on non-Linux platforms: TPACKET_V3 and
// PACKET_FANOUT are Linux-only facilities, same as afpacket.c.
type Backend struct{}

// New always fails on non-Linux platforms.
func New(cfg Config, filterCfg *filter.Config, sink Sink, selfCheck func([]byte) bool, truncateEnabled bool, truncateLength uint32) (*Backend, error) {
	return nil, errors.New("rxmmap: TPACKET_V3 mmap RX requires linux")
}

func (b *Backend) Start() error { return errors.New("rxmmap: unsupported platform") }
func (b *Backend) Stop()        {}
func (b *Backend) Close()       {}

func (b *Backend) AggregateStats() Stats   { return Stats{} }
func (b *Backend) PerWorkerStats() []Stats { return nil }
