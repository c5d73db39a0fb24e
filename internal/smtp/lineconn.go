package smtp

import (
	"bufio"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

const crlf = "\r\n"

// ErrLineTooLong is returned by ReadLine when a line exceeds the configured
// maximum. The offending line has been consumed in full.
var ErrLineTooLong = errors.New("line too long")

// LineConn exposes a CRLF line protocol over a net.Conn.
type LineConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	// maxLine is the longest accepted line in bytes, excluding CRLF.
	// Zero means unlimited.
	maxLine int

	// timeout, when non-zero, is applied as a deadline to each read and write.
	timeout time.Duration
}

// NewLineConn wraps conn for line-oriented reads and writes.
func NewLineConn(conn net.Conn, maxLine int, timeout time.Duration) *LineConn {
	return &LineConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		maxLine: maxLine,
		timeout: timeout,
	}
}

// ReadLine returns the next line without its CRLF terminator. Only CRLF
// ends a line; a bare LF is kept as part of the line. Bytes after the
// terminator stay buffered for the next call.
//
// io.EOF is returned when the peer closes the connection, or the
// connection is closed locally, before a full line arrives. Any partial
// line is discarded.
func (c *LineConn) ReadLine() (string, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return "", normalizeReadError(err)
		}
	}

	var line []byte
	var last byte
	overflow := false

	for {
		chunk, err := c.reader.ReadSlice('\n')

		if n := len(chunk); n > 0 {
			if !overflow {
				line = append(line, chunk...)
				if c.maxLine > 0 && len(line) > c.maxLine+len(crlf) {
					overflow = true
					line = nil
				}
			}

			if chunk[n-1] == '\n' {
				prev := last
				if n >= 2 {
					prev = chunk[n-2]
				}
				if prev == '\r' {
					if overflow {
						return "", ErrLineTooLong
					}
					return string(line[:len(line)-len(crlf)]), nil
				}
			}
			last = chunk[n-1]
		}

		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return "", normalizeReadError(err)
		}
	}
}

// WriteLine writes text followed by CRLF and flushes it to the peer.
func (c *LineConn) WriteLine(text string) error {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	if _, err := c.writer.WriteString(text + crlf); err != nil {
		return err
	}
	return c.writer.Flush()
}

// RemoteAddr returns the peer address.
func (c *LineConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *LineConn) Close() error {
	return c.conn.Close()
}

// normalizeReadError maps the ways a connection can go away underneath a
// blocked read to io.EOF.
func normalizeReadError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) {
		return io.EOF
	}
	return err
}

// isClosed reports whether err signals a normal connection close.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
