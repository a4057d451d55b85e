//go:build linux

package txring

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Ring geometry: same defaults as tx_ring.c's TX_RING_BLOCK_SIZE/NR/FRAME_SIZE.
const (
	blockSize = 1 << 18 // 256 KiB
	blockNR   = 16       // 16 blocks = 4 MiB
	frameSize = 1 << 11 // 2048 bytes

	// tpacket2_hdr is 32 bytes and 16-byte aligned; TX frames carry no
	// sockaddr_ll, so the payload starts right after the header.
	tpacket2HdrLen  = 32
	payloadOffset   = tpacket2HdrLen
	defaultMTUFrame = 1518

	tpStatusAvailable   = 0
	tpStatusSendRequest = 1 << 0
	tpStatusWrongFormat = 1 << 2

	retryBudget = 64
)

type linuxRing struct {
	fd        int
	ring      []byte
	frameNR   uint32
	current   uint32
	maxTxLen  uint32
	debug     bool
	debugDone bool
}

// New opens an AF_PACKET TX socket bound to ifindex, sets TPACKET_V2,
// requests the TX ring geometry above, and mmaps it. It mirrors
// tx_ring_setup exactly, including the MAP_LOCKED-then-fallback mmap retry
// and the MTU probe that clamps outgoing frames to the interface MTU plus
// the 14-byte Ethernet header (1518 bytes when the interface cannot be
// probed); Write further clamps to the frame slot's payload capacity.
func New(cfg Config) (Ring, error) {
	if cfg.Ifindex <= 0 {
		return nil, fmt.Errorf("txring: invalid ifindex %d", cfg.Ifindex)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("txring: socket: %w", err)
	}
	closeOnErr := func(err error) (Ring, error) {
		unix.Close(fd)
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VERSION, unix.TPACKET_V2); err != nil {
		return closeOnErr(fmt.Errorf("txring: set TPACKET_V2: %w", err))
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_QDISC_BYPASS, 1)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, 4*1024*1024); err != nil {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 4*1024*1024)
	}

	frameNR := (blockSize / frameSize) * blockNR
	req := unix.TpacketReq{
		Block_size: blockSize,
		Block_nr:   blockNR,
		Frame_size: frameSize,
		Frame_nr:   uint32(frameNR),
	}
	if err := unix.SetsockoptTpacketReq(fd, unix.SOL_PACKET, unix.PACKET_TX_RING, &req); err != nil {
		return closeOnErr(fmt.Errorf("txring: setup TX ring: %w", err))
	}

	sll := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  cfg.Ifindex,
	}
	if err := unix.Bind(fd, &sll); err != nil {
		return closeOnErr(fmt.Errorf("txring: bind ifindex %d: %w", cfg.Ifindex, err))
	}

	ringSize := int(req.Block_size) * int(req.Block_nr)
	ring, err := unix.Mmap(fd, 0, ringSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_LOCKED)
	if err != nil {
		ring, err = unix.Mmap(fd, 0, ringSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return closeOnErr(fmt.Errorf("txring: mmap: %w", err))
		}
	}

	r := &linuxRing{
		fd:       fd,
		ring:     ring,
		frameNR:  uint32(frameNR),
		maxTxLen: probeMaxTxLen(cfg.Ifindex),
		debug:    cfg.Debug,
	}
	runtime.SetFinalizer(r, func(r *linuxRing) { _ = r.Close() })
	return r, nil
}

func probeMaxTxLen(ifindex int) uint32 {
	max := uint32(defaultMTUFrame)
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return max
	}
	return uint32(iface.MTU) + 14
}

func (r *linuxRing) frame(idx uint32) []byte {
	return r.ring[idx*frameSize : (idx+1)*frameSize]
}

func (r *linuxRing) Write(data []byte) error {
	if uint32(len(data)) > r.maxTxLen {
		data = data[:r.maxTxLen]
	}
	maxPayload := uint32(frameSize - payloadOffset)
	if uint32(len(data)) > maxPayload {
		data = data[:maxPayload]
	}

	hdr := r.frame(r.current)
	status := binary.LittleEndian.Uint32(hdr[0:4])
	if status != tpStatusAvailable && status != tpStatusWrongFormat {
		r.Flush()
		for i := 0; i < retryBudget; i++ {
			status = binary.LittleEndian.Uint32(hdr[0:4])
			if status == tpStatusAvailable || status == tpStatusWrongFormat {
				break
			}
			runtime.Gosched()
		}
		if status != tpStatusAvailable && status != tpStatusWrongFormat {
			return ErrRingFull
		}
	}

	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))  // tp_len
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(data))) // tp_snaplen
	copy(hdr[payloadOffset:], data)

	if r.debug && !r.debugDone && len(data) >= 14 {
		r.debugDone = true
		log.WithFields(log.Fields{
			"len": len(data),
			"hex": hex.EncodeToString(data),
		}).Debug("txring: first frame written")
	}

	binary.LittleEndian.PutUint32(hdr[0:4], tpStatusSendRequest)
	r.current = (r.current + 1) % r.frameNR
	return nil
}

func (r *linuxRing) Flush() {
	_ = unix.Send(r.fd, nil, unix.MSG_DONTWAIT)
}

func (r *linuxRing) Close() error {
	runtime.SetFinalizer(r, nil)
	if r.ring != nil {
		_ = unix.Munmap(r.ring)
		r.ring = nil
	}
	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
