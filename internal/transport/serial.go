// Package transport provides the concrete serial byte transport the core
// codec engine writes through: a termios-configured tty (spec.md §6
// "ser_send(bytes, len)" plus a byte-at-a-time inbound callback), grounded
// in the pack's Daedaluz-goserial (raw-mode termios handling) and the
// ioctl-based device access idiom from the u-root IPMI driver.
package transport

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// SerialPort is a raw-mode tty opened for the codec engine's exclusive use.
// It is the one concrete ChannelBase-adjacent transport this module ships
// (spec.md §1: "we describe only the interface the core exposes" to
// transport plumbing, but a reference implementation makes the engine
// runnable end-to-end).
type SerialPort struct {
	fd int
}

// OpenSerialPort opens path, puts it into raw mode (no echo, no line
// discipline, 8N1) at the given baud rate, and returns a ready-to-use port.
func OpenSerialPort(path string, baud uint32) (*SerialPort, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}

	p := &SerialPort{fd: fd}
	if err := p.configure(baud); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *SerialPort) configure(baud uint32) error {
	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("transport: get termios: %w", err)
	}

	// Raw mode: no canonical processing, no echo, no signal generation,
	// mirroring the Termios.MakeRaw idiom the pack's serial library uses.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD

	speed, ok := baudRates[baud]
	if !ok {
		return fmt.Errorf("transport: unsupported baud rate %d", baud)
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed

	// Non-canonical read: return as soon as at least one byte is
	// available, don't block waiting for a line.
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("transport: set termios: %w", err)
	}
	return nil
}

var baudRates = map[uint32]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// Send implements serial.Transport (spec.md §6 "ser_send(bytes, len)").
func (p *SerialPort) Send(data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(p.fd, data)
		if err != nil {
			return fmt.Errorf("transport: write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// ReadLoop reads bytes one at a time (best-effort batched under the hood)
// and feeds each to handleChar, until ctx is cancelled or a read error
// occurs, implementing spec.md §6's "byte-at-a-time inbound callback."
func (p *SerialPort) ReadLoop(ctx context.Context, handleChar func(byte)) error {
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.Read(p.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		for _, b := range buf[:n] {
			handleChar(b)
		}
	}
}

// Close releases the underlying file descriptor.
func (p *SerialPort) Close() error {
	return unix.Close(p.fd)
}
