//go:build !linux

package tunnel

import "errors"

// New always fails on non-Linux platforms: AF_PACKET raw sockets and the
// Linux neighbor table are Linux-only facilities, same as tunnel.c.
func New(cfg Config) (*Endpoint, error) {
	return nil, errors.New("tunnel: userspace VXLAN/GRE tunnel requires linux")
}
