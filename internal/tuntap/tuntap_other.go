//go:build !linux

package tuntap

import (
	"context"
	"errors"
)

// Device is unimplemented on this platform.
type Device struct{}

// Open always fails: TUN device support is Linux-only.
func Open(ifName string) (*Device, error) {
	return nil, errors.New("tuntap: not supported on this platform")
}

func (d *Device) Name() string { return "" }

func (d *Device) Send(packet []byte) error { return errors.New("tuntap: not supported") }

func (d *Device) Recv(ctx context.Context) ([]byte, error) {
	return nil, errors.New("tuntap: not supported")
}

func (d *Device) Close() error { return nil }
