//go:build linux

package tunnel

import (
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// arpRetries/arpWait mirror resolve_arp's ARP_RETRY_COUNT/ARP_WAIT_US: prime
// the neighbor cache by dialing the remote once per attempt, then give the
// kernel a fixed window to resolve the MAC before checking the table again.
const (
	arpRetries = 3
	arpWait    = 300 * time.Millisecond
)

// New resolves the local interface's MAC/IP, resolves the remote's MAC via
// the kernel neighbor table (priming it with a throwaway UDP dial when the
// entry isn't already cached), opens a raw AF_PACKET TX socket bound to
// OutputIfname, and returns a ready-to-use Endpoint.
func New(cfg Config) (*Endpoint, error) {
	if cfg.OutputIfname == "lo" {
		return nil, fmt.Errorf("tunnel: output interface cannot be loopback")
	}
	if cfg.RemoteIP == nil || cfg.RemoteIP.To4() == nil {
		return nil, fmt.Errorf("tunnel: remote_ip must be a valid IPv4 address")
	}

	link, err := netlink.LinkByName(cfg.OutputIfname)
	if err != nil {
		return nil, fmt.Errorf("tunnel: interface %s not found: %w", cfg.OutputIfname, err)
	}
	attrs := link.Attrs()

	var localIP net.IP
	if cfg.LocalIP != nil {
		localIP = cfg.LocalIP
	} else {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("tunnel: no IPv4 address on %s", cfg.OutputIfname)
		}
		localIP = addrs[0].IP
	}

	dstMAC, err := resolveNeighbor(link, cfg.RemoteIP, cfg.OutputIfname, cfg.dstPortOrDefault())
	if err != nil {
		return nil, err
	}

	overhead := ethHLen + outerIPLen + outerUDPLen + vxlanHdrLen
	if cfg.Type == GRE {
		overhead = ethHLen + outerIPLen + greHdrLen
	}
	maxInner := 0
	if attrs.MTU > overhead {
		maxInner = attrs.MTU - overhead
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("tunnel: socket: %w", err)
	}
	sll := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: attrs.Index}
	if err := unix.Bind(fd, &sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tunnel: bind: %w", err)
	}

	ep := &Endpoint{
		typ:      cfg.Type,
		localIP:  ipToUint32(localIP),
		remoteIP: ipToUint32(cfg.RemoteIP),
		dstPort:  cfg.dstPortOrDefault(),
		vni:      cfg.VNI,
		srcMAC:   attrs.HardwareAddr,
		dstMAC:   dstMAC,
		maxInner: uint32(maxInner),
		send: func(frame []byte) error {
			return unix.Sendto(fd, frame, unix.MSG_DONTWAIT, &sll)
		},
		close: func() error { return unix.Close(fd) },
	}
	return ep, nil
}

func (c Config) dstPortOrDefault() uint16 {
	if c.DstPort != 0 {
		return c.DstPort
	}
	return defaultVNPrt
}

// resolveNeighbor reads the kernel's ARP cache for remoteIP; if it isn't
// resolved yet, it primes resolution with a throwaway UDP dial (the same
// trick resolve_arp uses: connect() triggers the kernel to emit an ARP
// request) and retries with a bounded backoff.
func resolveNeighbor(link netlink.Link, remoteIP net.IP, ifname string, primePort uint16) (net.HardwareAddr, error) {
	if mac := lookupNeighbor(link, remoteIP); mac != nil {
		return mac, nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(arpWait), arpRetries)
	var resolved net.HardwareAddr
	err := backoff.Retry(func() error {
		primeARP(remoteIP, ifname, primePort)
		if mac := lookupNeighbor(link, remoteIP); mac != nil {
			resolved = mac
			return nil
		}
		return fmt.Errorf("tunnel: ARP still unresolved for %s", remoteIP)
	}, b)
	if err != nil {
		return nil, fmt.Errorf("tunnel: ARP failed for %s (tried %d times): %w", remoteIP, arpRetries+1, err)
	}
	return resolved, nil
}

func lookupNeighbor(link netlink.Link, ip net.IP) net.HardwareAddr {
	neighs, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return nil
	}
	for _, n := range neighs {
		if !n.IP.Equal(ip) {
			continue
		}
		if n.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE|netlink.NUD_NONE) != 0 {
			continue
		}
		if len(n.HardwareAddr) == 6 {
			return n.HardwareAddr
		}
	}
	return nil
}

// primeARP provokes the kernel into emitting an ARP request for ip by
// attempting a throwaway UDP connect bound to ifname, the same technique
// resolve_arp uses via SO_BINDTODEVICE + connect().
func primeARP(ip net.IP, ifname string, port uint16) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return
	}
	defer unix.Close(fd)
	_ = unix.BindToDevice(fd, ifname)

	var addr unix.SockaddrInet4
	copy(addr.Addr[:], ip.To4())
	addr.Port = int(port)
	_ = unix.Connect(fd, &addr)
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
