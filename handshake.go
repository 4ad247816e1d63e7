package redis

import (
	"bufio"
	"context"
	"net"
	"strconv"
)

// performHandshake runs AUTH and SELECT directly on the raw socket, the way
// the teacher's connect() does it, before either RequestConnection or
// PubSubConnection exists to own the socket. This is required for
// PubSubConnection in particular: its SendCommand only accepts the four
// pub/sub verbs (§4.5), so AUTH/SELECT can never be issued through it.
// reader must be the exact *bufio.Reader the caller goes on to hand to the
// connection wrapper, so no buffered-but-unread bytes are lost.
func performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader, ep Endpoint) error {
	if ep.Password != "" {
		if err := sendAndExpectOK(ctx, conn, reader, "auth", ep.Password); err != nil {
			return &ConnectFailedError{Stage: "auth", Err: err}
		}
	}
	if ep.DB != 0 {
		if err := sendAndExpectOK(ctx, conn, reader, "select", strconv.FormatInt(ep.DB, 10)); err != nil {
			return &ConnectFailedError{Stage: "select", Err: err}
		}
	}
	return nil
}

// sendAndExpectOK writes one command and waits for a non-error reply,
// unblocking early if ctx is cancelled by a superseding connection attempt.
// Cancellation closes conn so the background decode goroutine doesn't leak.
func sendAndExpectOK(ctx context.Context, conn net.Conn, reader *bufio.Reader, verb, arg string) error {
	buf := EncodeCommand(verb, arg)
	if _, err := conn.Write(buf); err != nil {
		return err
	}

	type result struct {
		frame Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := DecodeFrame(reader)
		ch <- result{frame: f, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if r.frame.Kind == KindError {
			return r.frame.Err
		}
		return nil
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}
