// Package rxclassifier implements RX backend B: a TC classifier eBPF
// program attached to both the ingress and egress qdisc of the capture
// interface, streaming a packed pkt_meta header plus packet bytes to
// userspace over a per-CPU perf ring buffer. Unlike rxmmap's shared mmap
// ring, every sample here arrives in a read-only buffer owned by the
// perf reader, so truncation must copy into a scratch buffer first.
//
// Grounded on vasn_tap's worker.c (handle_sample/handle_lost/workers_init)
// and include/common.h (the pkt_meta wire layout).
package rxclassifier

import (
	"encoding/binary"
	"fmt"
)

// Wire layout of include/common.h's struct pkt_meta, packed, native
// (little-endian on every architecture eBPF TC programs realistically
// run on).
const (
	metaLen       = 0
	metaIfindex   = 4
	metaDirection = 8
	// 3 bytes padding at offset 9
	metaTimestamp = 12
	metaHeaderLen = 20

	MaxCaptureLen = 65535
	EventsMapName = "events"

	DirIngress = 0
	DirEgress  = 1
)

// Meta is the decoded header every perf sample is prefixed with.
type Meta struct {
	Len       uint32
	Ifindex   uint32
	Direction uint8
	Timestamp uint64
}

// ParseMeta splits raw (a perf.Record.RawSample) into its pkt_meta header
// and the captured packet bytes that follow it.
func ParseMeta(raw []byte) (Meta, []byte, error) {
	if len(raw) < metaHeaderLen {
		return Meta{}, nil, fmt.Errorf("rxclassifier: sample too short: %d bytes", len(raw))
	}
	m := Meta{
		Len:       binary.LittleEndian.Uint32(raw[metaLen:]),
		Ifindex:   binary.LittleEndian.Uint32(raw[metaIfindex:]),
		Direction: raw[metaDirection],
		Timestamp: binary.LittleEndian.Uint64(raw[metaTimestamp:]),
	}
	data := raw[metaHeaderLen:]
	if uint32(len(data)) > m.Len {
		data = data[:m.Len]
	}
	return m, data, nil
}

// Sink is whatever a processed packet gets forwarded to.
type Sink interface {
	Write(data []byte) error
	Flush()
}

// Config selects the program, interface, and dispatch targets.
type Config struct {
	Ifindex      int
	ObjectPath   string // path to the compiled TC classifier .o (required)
	PerfPageCount int   // per-CPU perf ring pages, 0 defaults to 64 (DEFAULT_RING_BUFFER_PAGES)
	Verbose      bool
	Debug        bool
}
