package network

import (
	"context"
	"errors"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"microauction/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

var (
	ErrTransportTimeout = errors.New("transport timeout")
	ErrTransportConnect = errors.New("transport connect failure")
	ErrUnknownPeer      = errors.New("unknown peer")
)

// classify maps a raw quic or context error onto the transport taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransportTimeout) || errors.Is(err, ErrTransportConnect) || errors.Is(err, ErrUnknownPeer) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &transportError{kind: ErrTransportTimeout, err: err}
	}
	return &transportError{kind: ErrTransportConnect, err: err}
}

type transportError struct {
	kind error
	err  error
}

func (e *transportError) Error() string { return e.kind.Error() + ": " + e.err.Error() }

func (e *transportError) Is(target error) bool { return target == e.kind }

func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	return errors.Is(err, ErrTransportTimeout) || errors.Is(err, ErrTransportConnect)
}

func deadlineFrom(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

// exchange writes one request frame, half-closes the stream and reads the
// single response frame.
func exchange(ctx context.Context, stream *quic.Stream, req []byte) ([]byte, error) {
	_ = stream.SetDeadline(deadlineFrom(ctx, streamRWTimeout))
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
		stream.CancelWrite(0)
	})
	defer stop()
	if err := proto.WriteFrame(stream, req); err != nil {
		stream.CancelRead(0)
		return nil, ctxErr(ctx, err)
	}
	if err := stream.Close(); err != nil {
		return nil, ctxErr(ctx, err)
	}
	resp, err := proto.ReadResponse(stream)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	return resp, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
