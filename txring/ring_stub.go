//go:build !linux

package txring

import "errors"

// New always fails on non-Linux platforms: TPACKET_V2 rings are a
// Linux-only kernel facility, same as vasn_tap's tx_ring.c.
func New(cfg Config) (Ring, error) {
	return nil, errors.New("txring: TPACKET_V2 TX ring requires linux")
}
