package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
)

// lineReader reads newline-delimited text from one connection and forwards
// every complete line. It never closes the connection; the session owns it.
type lineReader struct {
	conn         net.Conn
	capacity     int
	readyTimeout time.Duration
	log          *zap.Logger

	onLine func(line string)
	onLost func(reason LostReason, err error)
}

// run blocks until the stream ends or ctx is cancelled. onLost is called at
// most once and never after cancellation.
func (r *lineReader) run(ctx context.Context) {
	capacity := r.capacity
	if capacity <= 0 {
		capacity = DefaultLineBufferSize
	}
	br := bufio.NewReaderSize(r.conn, capacity+2)

	if err := r.awaitInput(br); err != nil {
		if ctx.Err() != nil {
			return
		}
		if isTimeout(err) {
			r.onLost(Reason(ReasonReadTimeout), err)
		} else {
			r.onLost(Reason(ReasonTCPConnectionLost), err)
		}
		return
	}

	skipNext := false
	for {
		line, overflow, err := readLine(br, capacity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				r.log.Debug("link: read", zap.Error(err))
			}
			r.onLost(Reason(ReasonTCPConnectionLost), err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if overflow {
			// The oversized line is dropped here; the line after it is
			// dropped by skipNext whether or not it overflows too.
			r.log.Warn("link: input line exceeds buffer – dropping it and the next line",
				zap.Int("capacity", capacity))
			skipNext = true
			continue
		}
		if skipNext {
			skipNext = false
			continue
		}
		r.onLine(line)
	}
}

// awaitInput waits for the first byte so a backend that accepts TCP but
// never speaks is detected. Once a byte is buffered the stream is readable;
// a failure to clear the deadline then only means the peer is already gone,
// which readLine reports after the buffered lines.
func (r *lineReader) awaitInput(br *bufio.Reader) error {
	if r.readyTimeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.readyTimeout)); err != nil {
			return err
		}
	}
	if _, err := br.Peek(1); err != nil {
		return err
	}
	if err := r.conn.SetReadDeadline(time.Time{}); err != nil {
		r.log.Debug("link: clear read deadline", zap.Error(err))
	}
	return nil
}

// readLine returns one physical line without its terminator. A line whose
// content reaches capacity bytes is consumed up to its newline and reported
// once as overflow.
func readLine(br *bufio.Reader, capacity int) (string, bool, error) {
	var (
		line     []byte
		overflow bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			if overflow {
				return "", true, nil
			}
			line = append(line, chunk...)
			content := trimEOL(line)
			if len(content) >= capacity {
				return "", true, nil
			}
			return string(content), false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if overflow {
				continue
			}
			line = append(line, chunk...)
			// Without a newline at most one trailing byte can still belong
			// to the terminator.
			if len(line) > capacity {
				overflow = true
				line = nil
			}
		default:
			return "", false, err
		}
	}
}

func trimEOL(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return b[:n]
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
