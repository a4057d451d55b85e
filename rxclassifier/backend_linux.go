//go:build linux

package rxclassifier

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/AvizNetworks/vasntap/filter"
	"github.com/AvizNetworks/vasntap/pool"
	"github.com/AvizNetworks/vasntap/truncate"
)

const scratchPoolSize = 16

const defaultPerfPages = 64 // DEFAULT_RING_BUFFER_PAGES

// Stats mirrors worker_stats plus the eBPF-path-only truncation counters
// from worker.c's workers_get_stats.
type Stats struct {
	PacketsReceived  atomic.Uint64
	PacketsSent      atomic.Uint64
	PacketsDropped   atomic.Uint64
	BytesReceived    atomic.Uint64
	BytesSent        atomic.Uint64
	PacketsTruncated atomic.Uint64
	BytesTruncated   atomic.Uint64
}

type extConfig struct {
	Config
	Filter          *filter.Config
	Sink            Sink
	SelfCheck       func([]byte) bool
	TruncateEnabled bool
	TruncateLength  uint32
}

// Backend loads a TC classifier program, attaches it to both the ingress
// and egress clsact hooks of Config.Ifindex, and drains its perf event
// array. It mirrors workers_init/workers_start/workers_stop/workers_cleanup
// in worker.c, collapsed to the single poller perf_buffer__poll already
// implies (libbpf's perf_buffer fans in every CPU's ring itself, so
// worker.c forces num_workers=1; this Go backend does the same: one
// goroutine reads the perf.Reader, which already demuxes all per-CPU rings).
type Backend struct {
	cfg  extConfig
	coll *ebpf.Collection
	prog *ebpf.Program

	qdisc   netlink.Qdisc
	ingress netlink.Filter
	egress  netlink.Filter

	reader *perf.Reader

	scratch pool.BytePool

	stats   Stats
	running atomic.Bool
	wg      sync.WaitGroup
}

// New loads the compiled TC classifier object from Config.ObjectPath,
// attaches it to ingress and egress on Config.Ifindex, and opens the
// "events" perf event array for reading. Building tc_clone.bpf.c into
// that object is out of scope here (it needs clang/libbpf at a separate
// build step); New's job starts at a path to an already-compiled object
// and fails loudly if it is missing or malformed, same as vasn_tap's
// tap_init bailing out when its skeleton fails to open.
func New(cfg Config, filterCfg *filter.Config, sink Sink, selfCheck func([]byte) bool, truncateEnabled bool, truncateLength uint32) (*Backend, error) {
	if cfg.Ifindex <= 0 {
		return nil, fmt.Errorf("rxclassifier: invalid ifindex %d", cfg.Ifindex)
	}
	if cfg.ObjectPath == "" {
		return nil, errors.New("rxclassifier: ObjectPath is required (compiled TC classifier object)")
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("rxclassifier: load object %s: %w", cfg.ObjectPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("rxclassifier: load collection: %w", err)
	}

	prog := coll.Programs["tc_classifier"]
	if prog == nil {
		coll.Close()
		return nil, errors.New("rxclassifier: tc_classifier program not found in object")
	}
	eventsMap := coll.Maps[EventsMapName]
	if eventsMap == nil {
		coll.Close()
		return nil, fmt.Errorf("rxclassifier: %q map not found in object", EventsMapName)
	}

	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: cfg.Ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscAdd(qdisc); err != nil {
		coll.Close()
		return nil, fmt.Errorf("rxclassifier: add clsact qdisc: %w", err)
	}

	ingress := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: cfg.Ifindex,
			Parent:    netlink.HANDLE_MIN_INGRESS,
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
		Fd:           prog.FD(),
		Name:         "vasntap_ingress",
		DirectAction: true,
	}
	if err := netlink.FilterAdd(ingress); err != nil {
		netlink.QdiscDel(qdisc)
		coll.Close()
		return nil, fmt.Errorf("rxclassifier: attach ingress filter: %w", err)
	}

	egress := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: cfg.Ifindex,
			Parent:    netlink.HANDLE_MIN_EGRESS,
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
		Fd:           prog.FD(),
		Name:         "vasntap_egress",
		DirectAction: true,
	}
	if err := netlink.FilterAdd(egress); err != nil {
		netlink.FilterDel(ingress)
		netlink.QdiscDel(qdisc)
		coll.Close()
		return nil, fmt.Errorf("rxclassifier: attach egress filter: %w", err)
	}

	pages := cfg.PerfPageCount
	if pages <= 0 {
		pages = defaultPerfPages
	}
	reader, err := perf.NewReader(eventsMap, pages*4096)
	if err != nil {
		netlink.FilterDel(egress)
		netlink.FilterDel(ingress)
		netlink.QdiscDel(qdisc)
		coll.Close()
		return nil, fmt.Errorf("rxclassifier: open perf reader: %w", err)
	}

	return &Backend{
		cfg: extConfig{
			Config:          cfg,
			Filter:          filterCfg,
			Sink:            sink,
			SelfCheck:       selfCheck,
			TruncateEnabled: truncateEnabled,
			TruncateLength:  truncateLength,
		},
		coll:    coll,
		prog:    prog,
		qdisc:   qdisc,
		ingress: ingress,
		egress:  egress,
		reader:  reader,
		scratch: pool.NewSimpleBytePool(scratchPoolSize, MaxCaptureLen),
	}, nil
}

// Start launches the single perf-reader goroutine. Matches worker_thread's
// worker-0-polls-everything shape: perf.Reader already demultiplexes every
// CPU's ring, so one goroutine is correct, not a shortcut.
func (b *Backend) Start() error {
	b.running.Store(true)
	b.wg.Add(1)
	go b.run()
	return nil
}

func (b *Backend) run() {
	defer b.wg.Done()
	for b.running.Load() {
		record, err := b.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			continue
		}
		if record.LostSamples > 0 {
			b.stats.PacketsDropped.Add(record.LostSamples)
			continue
		}
		b.handleSample(record.RawSample)
	}
}

// handleSample mirrors handle_sample in worker.c: parse the pkt_meta
// header, skip our own tunnel output, apply the filter, truncate into the
// scratch buffer (the perf sample itself is read-only), then dispatch.
func (b *Backend) handleSample(raw []byte) {
	meta, data, err := ParseMeta(raw)
	if err != nil {
		return
	}
	b.stats.PacketsReceived.Add(1)
	b.stats.BytesReceived.Add(uint64(meta.Len))

	if b.cfg.SelfCheck != nil && b.cfg.SelfCheck(data) {
		return
	}

	action, _ := b.cfg.Filter.Evaluate(data)
	if action == filter.Drop {
		b.stats.PacketsDropped.Add(1)
		return
	}

	sendData := data
	sendLen := uint32(len(data))
	if b.cfg.TruncateEnabled {
		buf := b.scratch.Get()
		n := copy(buf, data)
		newLen := truncate.Apply(buf[:n], uint32(n), true, b.cfg.TruncateLength)
		if newLen < sendLen {
			b.stats.PacketsTruncated.Add(1)
			b.stats.BytesTruncated.Add(uint64(sendLen - newLen))
		}
		sendData = buf[:newLen]
		sendLen = newLen
		defer b.scratch.Put(buf)
	}

	if b.cfg.Sink == nil {
		b.stats.PacketsDropped.Add(1)
		return
	}
	if err := b.cfg.Sink.Write(sendData); err != nil {
		b.stats.PacketsDropped.Add(1)
		return
	}
	b.cfg.Sink.Flush()
	b.stats.PacketsSent.Add(1)
	b.stats.BytesSent.Add(uint64(sendLen))
}

// Stop signals the reader goroutine to exit and waits for it, unblocking
// a pending Read via the perf.Reader's own SetDeadline/Close contract.
func (b *Backend) Stop() {
	b.running.Store(false)
	_ = b.reader.SetDeadline(time.Now())
	b.wg.Wait()
}

// Close detaches the TC filters, deletes the clsact qdisc, closes the
// perf reader and the eBPF collection. Safe to call after Stop.
func (b *Backend) Close() {
	if b.reader != nil {
		_ = b.reader.Close()
	}
	if b.egress != nil {
		_ = netlink.FilterDel(b.egress)
	}
	if b.ingress != nil {
		_ = netlink.FilterDel(b.ingress)
	}
	if b.qdisc != nil {
		_ = netlink.QdiscDel(b.qdisc)
	}
	if b.coll != nil {
		b.coll.Close()
	}
}

// AggregateStats returns a snapshot of the cumulative counters.
func (b *Backend) AggregateStats() Stats {
	var out Stats
	out.PacketsReceived.Store(b.stats.PacketsReceived.Load())
	out.PacketsSent.Store(b.stats.PacketsSent.Load())
	out.PacketsDropped.Store(b.stats.PacketsDropped.Load())
	out.BytesReceived.Store(b.stats.BytesReceived.Load())
	out.BytesSent.Store(b.stats.BytesSent.Load())
	out.PacketsTruncated.Store(b.stats.PacketsTruncated.Load())
	out.BytesTruncated.Store(b.stats.BytesTruncated.Load())
	return out
}
