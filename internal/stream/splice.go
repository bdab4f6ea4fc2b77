// Package stream moves bytes between two already-connected sockets until
// one side closes, errors, or both sides go idle past a timeout.
package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// readBufferSize matches the original select-loop's per-read chunk size.
const readBufferSize = 8192

// tickInterval is how often Splice polls both connections for readiness,
// mirroring the 0.1s select() timeout of the original implementation.
const tickInterval = 100 * time.Millisecond

// Result reports how much data crossed each direction and why the splice
// ended.
type Result struct {
	BytesAToB int64
	BytesBToA int64
	Err       error
}

// Splice relays bytes bidirectionally between a and b until ctx is
// canceled, one side closes or errors, or both sides have been idle
// (no bytes read from either side) for idleTimeout.
func Splice(ctx context.Context, a, b net.Conn, idleTimeout time.Duration) Result {
	type readResult struct {
		from string
		data []byte
		err  error
	}

	reads := make(chan readResult, 2)
	done := make(chan struct{})
	defer close(done)

	readLoop := func(from string, conn net.Conn) {
		buf := make([]byte, readBufferSize)
		for {
			conn.SetReadDeadline(time.Now().Add(tickInterval))
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := append([]byte{}, buf[:n]...)
				select {
				case reads <- readResult{from: from, data: chunk}:
				case <-done:
					return
				}
			}
			if err != nil {
				if isTimeout(err) {
					continue
				}
				select {
				case reads <- readResult{from: from, err: err}:
				case <-done:
				}
				return
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}

	go readLoop("a", a)
	go readLoop("b", b)

	var result Result
	idleDeadline := time.Now().Add(idleTimeout)

	for {
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result

		case r := <-reads:
			if r.err != nil {
				if !errors.Is(r.err, io.EOF) && !isBrokenPipe(r.err) {
					result.Err = r.err
				}
				return result
			}

			idleDeadline = time.Now().Add(idleTimeout)

			var dst net.Conn
			if r.from == "a" {
				dst = b
			} else {
				dst = a
			}
			n, err := dst.Write(r.data)
			if r.from == "a" {
				result.BytesAToB += int64(n)
			} else {
				result.BytesBToA += int64(n)
			}
			if err != nil {
				if !isBrokenPipe(err) {
					result.Err = err
				}
				return result
			}

		case <-time.After(tickInterval):
			if time.Now().After(idleDeadline) {
				return result
			}
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}
