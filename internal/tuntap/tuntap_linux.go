//go:build linux

// Package tuntap attaches a netstack.Stack to a real Linux TUN device, so
// it can exchange packets with the host kernel's routing table instead of
// an in-process test harness.
package tuntap

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifReqSize  = 40
	tunDevPath = "/dev/net/tun"
)

// Device is a Linux TUN interface. It implements the netstack.Tunnel
// interface: Send writes a raw IP packet to the kernel, Recv reads one
// back.
type Device struct {
	file *os.File
	name string
}

// Open creates (or attaches to) the TUN interface named ifName. The
// calling process needs CAP_NET_ADMIN.
func Open(ifName string) (*Device, error) {
	fd, err := unix.Open(tunDevPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tuntap: open %s: %w", tunDevPath, err)
	}

	var ifr [ifReqSize]byte
	copy(ifr[:unix.IFNAMSIZ], ifName)
	// IFF_TUN: no ethernet framing, we see raw IP packets.
	// IFF_NO_PI: don't prefix each packet with the 4-byte flags/proto header.
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	ifr[unix.IFNAMSIZ] = byte(flags)
	ifr[unix.IFNAMSIZ+1] = byte(flags >> 8)

	if err := ioctl(fd, unix.TUNSETIFF, unsafe.Pointer(&ifr[0])); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tuntap: TUNSETIFF: %w", err)
	}

	actualName := unix.ByteSliceToString(ifr[:unix.IFNAMSIZ])
	return &Device{
		file: os.NewFile(uintptr(fd), tunDevPath),
		name: actualName,
	}, nil
}

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Name returns the interface name the kernel actually assigned, which may
// differ from the requested one (e.g. "tun%d" templates).
func (d *Device) Name() string { return d.name }

// Send writes a single IP packet to the device.
func (d *Device) Send(packet []byte) error {
	_, err := d.file.Write(packet)
	return err
}

// Recv reads a single IP packet from the device, honoring ctx cancellation
// by closing the file out from under a concurrent read.
func (d *Device) Recv(ctx context.Context) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 65536)
		n, err := d.file.Read(buf)
		ch <- result{buf[:n], err}
	}()

	select {
	case r := <-ch:
		return r.buf, r.err
	case <-ctx.Done():
		d.file.Close()
		return nil, ctx.Err()
	}
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return d.file.Close()
}
