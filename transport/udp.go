// Package transport provides concrete protocol.Endpoint implementations: a
// real net.PacketConn-backed UDP socket (this file) and, in the chaos
// subpackage, a lossy/delayed/reordering loopback endpoint for tests.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wallstop/fortress-rollback/internal/telemetry"
)

// bufferBytes sizes the kernel socket buffers on the real endpoint. Rollback
// netcode sends small, frequent datagrams; a modest buffer absorbs bursts
// from GC pauses or scheduler jitter without the kernel dropping packets
// before RecvFrom ever gets a chance to read them.
const bufferBytes = 256 * 1024

// UDP is a protocol.Endpoint backed by a real UDP socket.
type UDP struct {
	conn *net.UDPConn
}

// Listen opens a UDP socket bound to laddr (e.g. ":7000") and tunes its
// kernel socket buffers via golang.org/x/sys/unix.
func Listen(laddr string) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", laddr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", laddr, err)
	}

	if err := tuneBuffers(conn); err != nil {
		// Buffer tuning is best-effort: some sandboxed environments
		// (containers without CAP_NET_ADMIN, some CI runners) refuse
		// SO_RCVBUF/SO_SNDBUF adjustments. The socket is still perfectly
		// usable at the kernel default, so this is a warning, not a
		// construction failure.
		telemetry.L().Warn("socket buffer tuning failed", "error", err)
	}

	return &UDP{conn: conn}, nil
}

func tuneBuffers(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bufferBytes); err != nil {
			sockErr = err
			return
		}

		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bufferBytes)
	})

	if ctrlErr != nil {
		return ctrlErr
	}

	return sockErr
}

// SendTo writes b to addr. UDP writes never block the caller beyond the
// kernel's own send-buffer backpressure; a full buffer surfaces as an error
// rather than blocking indefinitely.
func (u *UDP) SendTo(addr net.Addr, b []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("transport: not a UDP address: %v", addr)
	}

	_, err := u.conn.WriteToUDP(b, udpAddr)

	return err
}

// RecvFrom performs a non-blocking-equivalent read: the caller is expected
// to poll it every tick, so a would-block condition reports (0, nil, nil)
// rather than an error.
func (u *UDP) RecvFrom(buf []byte) (int, net.Addr, error) {
	// A short read deadline turns an empty socket into the timeout handled
	// below instead of a read that blocks until a datagram arrives.
	if err := u.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, nil, err
	}

	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, err
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, nil
		}

		return 0, nil, err
	}

	return n, addr, nil
}

// LocalAddr returns the socket's bound local address.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Close releases the underlying socket.
func (u *UDP) Close() error { return u.conn.Close() }
