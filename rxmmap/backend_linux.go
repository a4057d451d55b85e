//go:build linux

package rxmmap

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/AvizNetworks/vasntap/affinity"
	"github.com/AvizNetworks/vasntap/filter"
	"github.com/AvizNetworks/vasntap/truncate"
)

const pollTimeoutMS = 100

// tpacket_block_desc / tpacket_hdr_v1 byte offsets (stable kernel ABI,
// see linux/if_packet.h). Reading through fixed offsets rather than a cgo
// struct keeps this mmap walk portable across Go versions, the same
// approach the reference gVisor AF_PACKET reader uses for tpacket_hdr.
const (
	bdBlockStatus      = 8
	bdNumPkts          = 12
	bdOffsetToFirstPkt = 16

	// tpacket3_hdr, per packet inside a block.
	p3NextOffset = 0
	p3Snaplen    = 12
	p3Status     = 20
	p3Mac        = 24

	tpStatusKernel = 0
	tpStatusUser   = 1 << 0
)

// Config.Filter and Config.Sink are optional: a nil Filter allows
// everything; a nil Sink means "drop mode" (count and discard).
type extConfig struct {
	Config
	Filter          *filter.Config
	Sink            Sink
	SelfCheck       func([]byte) bool
	TruncateEnabled bool
	TruncateLength  uint32
}

// Backend owns one TPACKET_V3 mmap RX ring per worker, all joined to the
// same fanout group, optionally forwarding to Sink through Filter/truncate.
type Backend struct {
	cfg     extConfig
	workers []*rxWorker
	running atomic.Bool
	wg      sync.WaitGroup
	sinkMu  sync.Mutex // serializes Sink.Write across workers sharing one sink
}

type rxWorker struct {
	fd        int
	ring      []byte
	blockSize int
	blockNR   int
	current   int
	stats     Stats
}

// New sets up num_workers RX sockets (default runtime.NumCPU()), each with
// its own TPACKET_V3 mmap ring, bound to ifindex and joined to the shared
// FANOUT_HASH|DEFRAG|ROLLOVER group. It mirrors afpacket_init exactly.
func New(cfg Config, filterCfg *filter.Config, sink Sink, selfCheck func([]byte) bool, truncateEnabled bool, truncateLength uint32) (*Backend, error) {
	if cfg.Ifindex <= 0 {
		return nil, fmt.Errorf("rxmmap: invalid ifindex %d", cfg.Ifindex)
	}
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
		if numWorkers <= 0 {
			numWorkers = 1
		}
	}

	b := &Backend{
		cfg: extConfig{
			Config:          cfg,
			Filter:          filterCfg,
			Sink:            sink,
			SelfCheck:       selfCheck,
			TruncateEnabled: truncateEnabled,
			TruncateLength:  truncateLength,
		},
	}

	for i := 0; i < numWorkers; i++ {
		w, err := setupRXSocket(cfg.Ifindex)
		if err != nil {
			b.cleanup()
			return nil, fmt.Errorf("rxmmap: worker %d setup: %w", i, err)
		}
		if err := joinFanout(w.fd); err != nil {
			b.cleanup()
			return nil, fmt.Errorf("rxmmap: worker %d fanout join: %w", i, err)
		}
		b.workers = append(b.workers, w)
	}
	return b, nil
}

func setupRXSocket(ifindex int) (*rxWorker, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	closeOnErr := func(err error) (*rxWorker, error) {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VERSION, unix.TPACKET_V3); err != nil {
		return closeOnErr(fmt.Errorf("set TPACKET_V3: %w", err))
	}

	req := unix.TpacketReq3{
		Block_size:      BlockSize,
		Block_nr:        BlockNR,
		Frame_size:      FrameSize,
		Frame_nr:        uint32((BlockSize / FrameSize) * BlockNR),
		Retire_blk_tov:  BlockTimeout,
		Feature_req_word: 1, // TP_FT_REQ_FILL_RXHASH
	}
	if err := unix.SetsockoptTpacketReq3(fd, unix.SOL_PACKET, unix.PACKET_RX_RING, &req); err != nil {
		return closeOnErr(fmt.Errorf("setup RX ring: %w", err))
	}

	sll := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifindex}
	if err := unix.Bind(fd, &sll); err != nil {
		return closeOnErr(fmt.Errorf("bind ifindex %d: %w", ifindex, err))
	}

	ringSize := int(req.Block_size) * int(req.Block_nr)
	ring, err := unix.Mmap(fd, 0, ringSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_LOCKED)
	if err != nil {
		ring, err = unix.Mmap(fd, 0, ringSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return closeOnErr(fmt.Errorf("mmap: %w", err))
		}
	}

	return &rxWorker{
		fd:        fd,
		ring:      ring,
		blockSize: int(req.Block_size),
		blockNR:   int(req.Block_nr),
	}, nil
}

func joinFanout(fd int) error {
	arg := uint32(FanoutGroup) | uint32(unix.PACKET_FANOUT_HASH|
		unix.PACKET_FANOUT_FLAG_DEFRAG|unix.PACKET_FANOUT_FLAG_ROLLOVER)<<16
	return unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_FANOUT, int(int32(arg)))
}

// Start pins each worker goroutine to a CPU (round-robin over NumCPU) and
// begins polling its ring. It returns once every worker goroutine has
// launched; Stop() blocks until they have all exited.
func (b *Backend) Start() error {
	b.running.Store(true)
	numCPU := runtime.NumCPU()
	for i, w := range b.workers {
		i, w := i, w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			_ = affinity.SetAffinity(i % numCPU)
			b.runWorker(i, w)
		}()
	}
	return nil
}

func (b *Backend) runWorker(id int, w *rxWorker) {
	pfd := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN | unix.POLLERR}}
	for b.running.Load() {
		block := w.ring[w.current*w.blockSize : (w.current+1)*w.blockSize]
		status := binary.LittleEndian.Uint32(block[bdBlockStatus:])
		if status&tpStatusUser == 0 {
			_, _ = unix.Poll(pfd, pollTimeoutMS)
			continue
		}

		b.processBlock(id, w, block)

		binary.LittleEndian.PutUint32(block[bdBlockStatus:], tpStatusKernel)
		w.current = (w.current + 1) % w.blockNR
	}
}

func (b *Backend) processBlock(id int, w *rxWorker, block []byte) {
	numPkts := binary.LittleEndian.Uint32(block[bdNumPkts:])
	offset := binary.LittleEndian.Uint32(block[bdOffsetToFirstPkt:])
	queued := false

	for i := uint32(0); i < numPkts; i++ {
		hdr := block[offset:]
		mac := binary.LittleEndian.Uint16(hdr[p3Mac:])
		snaplen := binary.LittleEndian.Uint32(hdr[p3Snaplen:])
		nextOffset := binary.LittleEndian.Uint32(hdr[p3NextOffset:])

		pktData := hdr[mac:]
		if uint32(len(pktData)) > snaplen {
			pktData = pktData[:snaplen]
		}

		w.stats.PacketsReceived.Add(1)
		w.stats.BytesReceived.Add(uint64(snaplen))

		if b.dispatch(&w.stats, pktData) {
			queued = true
		}

		offset += nextOffset
	}

	if queued {
		b.cfg.Sink.Flush()
	}
}

// dispatch applies the own-packet self-check, filter, truncation, and sink
// write to one packet, matching process_block's decision order in
// afpacket.c (self-check first to avoid re-ingesting our own tunneled
// output, then filter, then forward). Returns true if the packet was
// queued to Sink.
func (b *Backend) dispatch(stats *Stats, pkt []byte) bool {
	if b.cfg.SelfCheck != nil && b.cfg.SelfCheck(pkt) {
		return false
	}

	action, idx := b.cfg.Filter.Evaluate(pkt)
	_ = idx
	if action == filter.Drop {
		stats.PacketsDropped.Add(1)
		return false
	}

	sendData := pkt
	sendLen := uint32(len(pkt))
	if b.cfg.TruncateEnabled {
		newLen := truncate.Apply(pkt, sendLen, true, b.cfg.TruncateLength)
		if newLen < sendLen {
			stats.PacketsTruncated.Add(1)
			stats.BytesTruncated.Add(uint64(sendLen - newLen))
			sendData = pkt[:newLen]
			sendLen = newLen
		}
	}

	if b.cfg.Sink == nil {
		stats.PacketsDropped.Add(1)
		return false
	}
	b.sinkMu.Lock()
	err := b.cfg.Sink.Write(sendData)
	b.sinkMu.Unlock()
	if err != nil {
		stats.PacketsDropped.Add(1)
		return false
	}
	stats.PacketsSent.Add(1)
	stats.BytesSent.Add(uint64(sendLen))
	return true
}

// Stop clears the running flag and waits for every worker goroutine to
// notice and return, matching afpacket_stop's join loop.
func (b *Backend) Stop() {
	b.running.Store(false)
	b.wg.Wait()
}

func (b *Backend) cleanup() {
	for _, w := range b.workers {
		if w.ring != nil {
			_ = unix.Munmap(w.ring)
		}
		if w.fd >= 0 {
			_ = unix.Close(w.fd)
		}
	}
	b.workers = nil
}

// Close tears down every worker's RX ring and socket. Safe to call after Stop.
func (b *Backend) Close() {
	b.cleanup()
}

// AggregateStats sums every worker's counters, matching afpacket_get_stats.
func (b *Backend) AggregateStats() Stats {
	var total Stats
	for _, w := range b.workers {
		total.PacketsReceived.Add(w.stats.PacketsReceived.Load())
		total.PacketsSent.Add(w.stats.PacketsSent.Load())
		total.PacketsDropped.Add(w.stats.PacketsDropped.Load())
		total.BytesReceived.Add(w.stats.BytesReceived.Load())
		total.BytesSent.Add(w.stats.BytesSent.Load())
		total.PacketsTruncated.Add(w.stats.PacketsTruncated.Load())
		total.BytesTruncated.Add(w.stats.BytesTruncated.Load())
	}
	return total
}

// PerWorkerStats returns one Stats snapshot per worker, matching
// afpacket_print_per_worker_stats's per-worker breakdown.
func (b *Backend) PerWorkerStats() []Stats {
	out := make([]Stats, len(b.workers))
	for i, w := range b.workers {
		out[i].PacketsReceived.Store(w.stats.PacketsReceived.Load())
		out[i].PacketsSent.Store(w.stats.PacketsSent.Load())
		out[i].PacketsDropped.Store(w.stats.PacketsDropped.Load())
		out[i].BytesReceived.Store(w.stats.BytesReceived.Load())
		out[i].BytesSent.Store(w.stats.BytesSent.Load())
	}
	return out
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }
