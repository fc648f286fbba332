// Package tundev opens a Linux /dev/net/tun interface in TUN (no Ethernet
// framing) mode: reads and writes exchange raw IPv4/IPv6 datagrams
// directly with the kernel.
package tundev

import (
	"fmt"
	"net/netip"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is an open TUN interface.
type Device struct {
	fd   int
	name string
}

// Open creates (or attaches to) a TUN interface named name, assigns it
// every valid prefix given, and brings the link up via the `ip` command.
func Open(name string, prefixes ...netip.Prefix) (*Device, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("tundev: interface name %q too long", name)
	}
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tundev: open /dev/net/tun: %w", err)
	}
	ifr := makeifreq(name)
	ifr.setflags(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := ioctl(fd, unix.TUNSETIFF, &ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tundev: TUNSETIFF: %w", err)
	}
	// The kernel may rewrite ifr.name (e.g. "tun%d" templates), so pick up
	// whatever name it actually assigned.
	name = ifr.getName()
	dev := &Device{fd: fd, name: name}
	if err := exec.Command("ip", "link", "set", "dev", name, "up").Run(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("tundev: ip link set up: %w", err)
	}
	for _, prefix := range prefixes {
		if !prefix.IsValid() {
			continue
		}
		if err := exec.Command("ip", "addr", "add", prefix.String(), "dev", name).Run(); err != nil {
			dev.Close()
			return nil, fmt.Errorf("tundev: ip addr add %s: %w", prefix, err)
		}
	}
	return dev, nil
}

// Name returns the interface name, e.g. "tun0".
func (d *Device) Name() string { return d.name }

// Read reads one IP datagram from the TUN device into b.
func (d *Device) Read(b []byte) (int, error) { return unix.Read(d.fd, b) }

// Write writes one IP datagram to the TUN device.
func (d *Device) Write(b []byte) (int, error) { return unix.Write(d.fd, b) }

// Close releases the TUN device's file descriptor.
func (d *Device) Close() error { return unix.Close(d.fd) }

// MTU queries the interface's current MTU.
func (d *Device) MTU() (int, error) {
	sock, err := d.ipSock()
	if err != nil {
		return 0, err
	}
	defer unix.Close(sock)
	ifr := makeifreq(d.name)
	if err := ioctl(sock, unix.SIOCGIFMTU, &ifr); err != nil {
		return 0, err
	}
	return int(ifr.int32At(0)), nil
}

func (d *Device) ipSock() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
}

func ioctl(fd int, req uint, arg *ifreq) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}
	return nil
}

// ifreq mirrors struct ifreq from <net/if.h>: a fixed interface name
// followed by a union of request-specific data.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data [64]byte
}

func makeifreq(name string) ifreq {
	var ifr ifreq
	copy(ifr.name[:], name)
	return ifr
}

func (ifr *ifreq) setflags(flags int) {
	ifr.data[0] = byte(flags)
	ifr.data[1] = byte(flags >> 8)
}

func (ifr *ifreq) int32At(off int) int32 {
	return int32(ifr.data[off]) | int32(ifr.data[off+1])<<8 | int32(ifr.data[off+2])<<16 | int32(ifr.data[off+3])<<24
}

// getName returns the (possibly kernel-assigned) interface name stored in
// the ifreq, trimmed at the first NUL byte.
func (ifr *ifreq) getName() string {
	n := 0
	for n < len(ifr.name) && ifr.name[n] != 0 {
		n++
	}
	return string(ifr.name[:n])
}
