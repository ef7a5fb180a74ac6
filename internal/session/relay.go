package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const relayBufferSize = 32 * 1024

// relay copies both directions between client and stream. The first
// direction to end closes both sides, so the other copy unblocks and no
// half-open relay is left behind. It returns the I/O error that ended the
// relay, or nil when a side closed cleanly.
func relay(s *Session, client, stream io.ReadWriteCloser) error {
	var once sync.Once
	shutdown := func() bool {
		first := false
		once.Do(func() {
			first = true
			_ = client.Close()
			_ = stream.Close()
		})
		return first
	}
	pipe := func(dst io.Writer, src io.Reader, n, frames *atomic.Int64) func() error {
		return func() error {
			buf := make([]byte, relayBufferSize)
			_, err := io.CopyBuffer(&countingWriter{w: dst, n: n, frames: frames}, src, buf)
			if !shutdown() {
				return nil
			}
			if err == nil || isClosed(err) {
				return nil
			}
			return err
		}
	}

	var g errgroup.Group
	g.Go(pipe(stream, client, &s.bytesIn, nil))
	g.Go(pipe(client, stream, &s.bytesOut, &s.frames))
	return g.Wait()
}

type countingWriter struct {
	w      io.Writer
	n      *atomic.Int64
	frames *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.n.Add(int64(n))
		if c.frames != nil {
			c.frames.Add(1)
		}
	}
	return n, err
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
