// Package txring implements the shared TPACKET_V2 mmap'd TX ring used by
// both capture backends for zero-syscall-per-packet output: Write copies a
// frame into the next ring slot and marks it TP_STATUS_SEND_REQUEST; Flush
// issues a single sendto(2) that drains every pending slot at once.
//
// Grounded on vasn_tap's tx_ring.c. The platform split follows the
// teacher's affinity/pool convention: this file declares the portable
// contract, ring_linux.go holds the actual mmap'd-socket implementation,
// and ring_stub.go satisfies the build on non-Linux targets.
package txring

import "errors"

// ErrRingFull is returned by Write when every slot was still owned by the
// kernel after the bounded spin-wait (tx_ring_write's 64-iteration retry).
var ErrRingFull = errors.New("txring: ring full")

// Ring is a shared TPACKET_V2 TX ring bound to one output interface. It is
// safe for one writer at a time; callers that want concurrent producers
// (e.g. multiple RX workers sharing an output interface) must serialize
// their Write calls, as rxmmap's workers do with one mutex shared across
// the backend; each worker still batches its writes per RX block before
// a single Flush.
type Ring interface {
	// Write queues data (truncated to the ring's max frame size and the
	// destination interface's MTU) into the next ring slot. It returns
	// ErrRingFull if no slot became available.
	Write(data []byte) error
	// Flush issues the single sendto(2) that drains all queued frames.
	Flush()
	// Close tears down the mmap'd ring and the underlying socket.
	Close() error
}

// Config selects the output interface a Ring binds to.
type Config struct {
	// Ifindex is the output interface's index (e.g. from net.InterfaceByName).
	Ifindex int
	// Debug enables a one-time hex dump of the first frame written.
	Debug bool
}
