// Package tunio wraps a host-supplied TUN file descriptor for the
// ingress/pump split: one handle is read by ingress, a duplicate is
// written by the pump, matching the "duplicate descriptor handles used
// for read vs write are permitted" resource model.
package tunio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sfdex/tun2socks/internal/ipv4"
)

// MTU is the buffer size ingress reads into.
const MTU = 1500

// Device is a TUN descriptor opened twice: once for reading, once for
// writing, so the ingress loop and the output pump never contend on
// the same *os.File.
type Device struct {
	Target ipv4.BuildTarget

	reader *os.File
	writer *os.File
}

// Open wraps fd as a Device. fd itself is set non-blocking and becomes
// the read handle; a duplicate of it becomes the write handle. Close
// closes both, fd included.
func Open(fd int, target ipv4.BuildTarget) (*Device, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("[tunio] set nonblock: %w", err)
	}

	writeFd, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("[tunio] dup fd: %w", err)
	}

	return &Device{
		Target: target,
		reader: os.NewFile(uintptr(fd), "tun"),
		writer: os.NewFile(uintptr(writeFd), "tun"),
	}, nil
}

// Read fills buf with one frame from the TUN descriptor.
func (d *Device) Read(buf []byte) (int, error) {
	return d.reader.Read(buf)
}

// Write writes a complete frame to the TUN descriptor. Only the pump
// goroutine should call this.
func (d *Device) Write(b []byte) (int, error) {
	return d.writer.Write(b)
}

// Close closes the write duplicate and the read handle. Closing either
// unblocks a goroutine parked in Read or Write on that handle.
func (d *Device) Close() error {
	werr := d.writer.Close()
	rerr := d.reader.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// StripPreamble removes the 4-byte BSD address-family preamble from a
// frame read off the TUN descriptor, when target requires it. Frames
// shorter than the preamble are returned unchanged; the caller's
// length check on the IPv4 header catches that case.
func StripPreamble(frame []byte, target ipv4.BuildTarget) []byte {
	if target != ipv4.TargetBSD || len(frame) < 4 {
		return frame
	}
	return frame[4:]
}
