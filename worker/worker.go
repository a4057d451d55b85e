// Package worker is the top-level facade that wires a config.Config into
// a running capture pipeline: it resolves interfaces, builds the filter
// and optional tunnel/TX-ring sink, selects the RX backend named by
// runtime.mode, and exposes the same New/Start/Stop/Close lifecycle and
// aggregate-stats surface regardless of which backend is active.
//
// Modeled on facade.HioloadWS's one-call setup, generalized from one
// WebSocket transport to two RX backends behind a common Sink contract.
package worker

import (
	"fmt"
	"net"
	"sync"

	"github.com/AvizNetworks/vasntap/config"
	"github.com/AvizNetworks/vasntap/filter"
	"github.com/AvizNetworks/vasntap/rxclassifier"
	"github.com/AvizNetworks/vasntap/rxmmap"
	"github.com/AvizNetworks/vasntap/tunnel"
	"github.com/AvizNetworks/vasntap/txring"
)

// Stats is the backend-agnostic counter snapshot worker exposes,
// matching the union of worker_stats (afpacket path) and the
// truncation-aware superset worker.c's eBPF path tracks.
type Stats struct {
	PacketsReceived  uint64
	PacketsSent      uint64
	PacketsDropped   uint64
	BytesReceived    uint64
	BytesSent        uint64
	PacketsTruncated uint64
	BytesTruncated   uint64
}

type rxBackend interface {
	Start() error
	Stop()
	Close()
}

// Sink is the shared contract the TX ring and tunnel endpoint satisfy;
// re-declared here (rather than imported) so worker never has to pick
// which backend package's identical Sink type to reference.
type Sink interface {
	Write(data []byte) error
	Flush()
}

// Pool is the running capture pipeline: one RX backend, one optional
// sink (tunnel or TX ring), one filter, composed per config.Config.
type Pool struct {
	cfg    *config.Config
	filter *filter.Config

	backend rxBackend
	sink    Sink
	tunnelEP *tunnel.Endpoint
	txRing   txring.Ring

	mu      sync.Mutex
	started bool
}

// New resolves interfaces, compiles the filter, opens the tunnel or TX
// ring sink (if configured), and constructs the selected RX backend. It
// does not start capture; call Start for that.
func New(cfg *config.Config, ebpfObjectPath string) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("worker: nil config")
	}

	filterCfg, err := cfg.BuildFilter()
	if err != nil {
		return nil, fmt.Errorf("worker: build filter: %w", err)
	}

	inIfi, err := net.InterfaceByName(cfg.Runtime.InputIface)
	if err != nil {
		return nil, fmt.Errorf("worker: input interface %s: %w", cfg.Runtime.InputIface, err)
	}

	p := &Pool{cfg: cfg, filter: filterCfg}

	var sink Sink
	var selfCheck func([]byte) bool

	if cfg.TunnelEnabled() {
		tcfg := tunnel.Config{
			RemoteIP:     net.ParseIP(cfg.Tunnel.RemoteIP),
			VNI:          cfg.Tunnel.VNI,
			DstPort:      cfg.Tunnel.DstPort,
			Key:          cfg.Tunnel.Key,
			OutputIfname: cfg.Runtime.OutputIface,
		}
		switch cfg.Tunnel.Type {
		case config.TunnelVXLAN:
			tcfg.Type = tunnel.VXLAN
		case config.TunnelGRE:
			tcfg.Type = tunnel.GRE
		}
		if cfg.Tunnel.LocalIP != "" {
			tcfg.LocalIP = net.ParseIP(cfg.Tunnel.LocalIP)
		}

		ep, err := tunnel.New(tcfg)
		if err != nil {
			return nil, fmt.Errorf("worker: tunnel init: %w", err)
		}
		p.tunnelEP = ep
		sink = ep
		selfCheck = ep.IsOwnPacket
	} else if cfg.Runtime.OutputIface != "" {
		outIfi, err := net.InterfaceByName(cfg.Runtime.OutputIface)
		if err != nil {
			return nil, fmt.Errorf("worker: output interface %s: %w", cfg.Runtime.OutputIface, err)
		}
		ring, err := txring.New(txring.Config{Ifindex: outIfi.Index, Debug: cfg.Runtime.Debug})
		if err != nil {
			return nil, fmt.Errorf("worker: tx ring init: %w", err)
		}
		p.txRing = ring
		sink = ring
	}
	p.sink = sink

	switch cfg.Runtime.Mode {
	case config.ModeAFPacket:
		backend, err := rxmmap.New(
			rxmmap.Config{Ifindex: inIfi.Index, NumWorkers: cfg.Runtime.Workers, Verbose: cfg.Runtime.Verbose, Debug: cfg.Runtime.Debug},
			filterCfg, adaptSink(sink), selfCheck, cfg.Runtime.Truncate.Enabled, cfg.Runtime.Truncate.Length,
		)
		if err != nil {
			return nil, fmt.Errorf("worker: rxmmap init: %w", err)
		}
		p.backend = backend
	case config.ModeEBPF:
		backend, err := rxclassifier.New(
			rxclassifier.Config{Ifindex: inIfi.Index, ObjectPath: ebpfObjectPath, Verbose: cfg.Runtime.Verbose, Debug: cfg.Runtime.Debug},
			filterCfg, adaptClassifierSink(sink), selfCheck, cfg.Runtime.Truncate.Enabled, cfg.Runtime.Truncate.Length,
		)
		if err != nil {
			return nil, fmt.Errorf("worker: rxclassifier init: %w", err)
		}
		p.backend = backend
	default:
		return nil, fmt.Errorf("worker: unknown mode %q", cfg.Runtime.Mode)
	}

	return p, nil
}

// adaptSink and adaptClassifierSink exist only because rxmmap.Sink and
// rxclassifier.Sink are distinct named interfaces identical in shape to
// worker.Sink; a nil worker.Sink must become a true nil of the target
// interface type; see the drop-mode checks in rxmmap's dispatch and
// rxclassifier's handleSample.
func adaptSink(s Sink) rxmmap.Sink {
	if s == nil {
		return nil
	}
	return s
}

func adaptClassifierSink(s Sink) rxclassifier.Sink {
	if s == nil {
		return nil
	}
	return s
}

// Start begins capture. Safe to call once; a second call is a no-op.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.backend.Start(); err != nil {
		return fmt.Errorf("worker: start backend: %w", err)
	}
	p.started = true
	return nil
}

// Stop halts capture but leaves sockets/maps open; Close releases those.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.backend.Stop()
	p.started = false
}

// Close tears down the RX backend and any owned sink (tunnel socket or
// TX ring). Safe to call after Stop.
func (p *Pool) Close() {
	if p.backend != nil {
		p.backend.Close()
	}
	if p.tunnelEP != nil {
		_ = p.tunnelEP.Close()
	}
	if p.txRing != nil {
		_ = p.txRing.Close()
	}
}

// FilterConfig exposes the compiled filter for the --filter-stats dump.
func (p *Pool) FilterConfig() *filter.Config { return p.filter }

// AggregateStats returns a backend-agnostic snapshot of cumulative
// counters, sourced from whichever backend is active.
func (p *Pool) AggregateStats() Stats {
	switch b := p.backend.(type) {
	case *rxmmap.Backend:
		s := b.AggregateStats()
		return Stats{
			PacketsReceived:  s.PacketsReceived.Load(),
			PacketsSent:      s.PacketsSent.Load(),
			PacketsDropped:   s.PacketsDropped.Load(),
			BytesReceived:    s.BytesReceived.Load(),
			BytesSent:        s.BytesSent.Load(),
			PacketsTruncated: s.PacketsTruncated.Load(),
			BytesTruncated:   s.BytesTruncated.Load(),
		}
	case *rxclassifier.Backend:
		s := b.AggregateStats()
		return Stats{
			PacketsReceived:  s.PacketsReceived.Load(),
			PacketsSent:      s.PacketsSent.Load(),
			PacketsDropped:   s.PacketsDropped.Load(),
			BytesReceived:    s.BytesReceived.Load(),
			BytesSent:        s.BytesSent.Load(),
			PacketsTruncated: s.PacketsTruncated.Load(),
			BytesTruncated:   s.BytesTruncated.Load(),
		}
	default:
		return Stats{}
	}
}

// PerWorkerStats returns one Stats snapshot per RX worker. Only the
// afpacket backend has more than one worker (the eBPF backend's
// perf.Reader already demultiplexes every CPU into a single stream);
// other backends return a single-element slice built from AggregateStats.
func (p *Pool) PerWorkerStats() []Stats {
	b, ok := p.backend.(*rxmmap.Backend)
	if !ok {
		return []Stats{p.AggregateStats()}
	}
	raw := b.PerWorkerStats()
	out := make([]Stats, len(raw))
	for i, s := range raw {
		out[i] = Stats{
			PacketsReceived: s.PacketsReceived.Load(),
			PacketsSent:     s.PacketsSent.Load(),
			PacketsDropped:  s.PacketsDropped.Load(),
			BytesReceived:   s.BytesReceived.Load(),
			BytesSent:       s.BytesSent.Load(),
		}
	}
	return out
}
