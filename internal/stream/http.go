// ABOUTME: HTTP audio stream ingest
// ABOUTME: Sends the server-built request verbatim and strips ICY metadata blocks
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cometdom/slim2Diretta/internal/logging"
)

const (
	maxHeaderBytes = 16 << 10
	recvBufBytes   = 256 << 10
	connectTimeout = 10 * time.Second
)

// Client streams audio from the server over a raw TCP connection. The
// request line and headers come prebuilt from the strm command, and
// the response may be plain HTTP or Shoutcast-style ICY, so net/http
// stays out of the picture.
type Client struct {
	conn      net.Conn
	rd        *bufio.Reader
	connected atomic.Bool

	responseHeaders string
	httpStatus      int

	bytesReceived atomic.Uint64 // audio bytes only

	// ICY metadata interleaving state. metaInt audio bytes, then one
	// length byte, then length*16 metadata bytes, repeating.
	icyMetaInt     int
	audioUntilMeta int
	metaRemaining  int
	metaLenPending bool
}

// Connect dials the audio server and sends the request verbatim,
// then parses the response headers.
func Connect(serverIP string, port uint16, httpRequest string) (*Client, error) {
	addr := net.JoinHostPort(serverIP, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("http connect %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetReadBuffer(recvBufBytes)
	}

	c := &Client{conn: conn, rd: bufio.NewReaderSize(conn, 32<<10)}

	logging.Debugf("[http] connected to %s, sending request", addr)
	if _, err := conn.Write([]byte(httpRequest)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http request: %w", err)
	}

	if err := c.readResponseHeaders(); err != nil {
		conn.Close()
		return nil, err
	}

	c.connected.Store(true)
	log.Printf("[http] stream connected (status %d)", c.httpStatus)
	return c, nil
}

// readResponseHeaders consumes bytes up to the blank line and parses
// the status code and icy-metaint.
func (c *Client) readResponseHeaders() error {
	var sb strings.Builder
	end := 0 // progress through \r\n\r\n

	for end < 4 {
		b, err := c.rd.ReadByte()
		if err != nil {
			return fmt.Errorf("http headers: %w", err)
		}
		sb.WriteByte(b)

		switch {
		case b == '\r' && (end == 0 || end == 2):
			end++
		case b == '\n' && (end == 1 || end == 3):
			end++
		default:
			end = 0
		}

		if sb.Len() > maxHeaderBytes {
			return errors.New("http headers exceed 16KB")
		}
	}

	c.responseHeaders = sb.String()

	// Status line: "HTTP/1.0 200 OK" or "ICY 200 OK".
	line, _, _ := strings.Cut(c.responseHeaders, "\r\n")
	if _, rest, ok := strings.Cut(line, " "); ok {
		code, _, _ := strings.Cut(rest, " ")
		c.httpStatus, _ = strconv.Atoi(code)
	}
	if c.httpStatus != 200 {
		log.Printf("[http] unexpected status %d", c.httpStatus)
	}

	for _, h := range strings.Split(c.responseHeaders, "\r\n") {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "icy-metaint") {
			if v, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && v > 0 {
				c.icyMetaInt = v
				c.audioUntilMeta = v
				log.Printf("[http] ICY metadata every %d bytes", v)
			}
		}
	}
	return nil
}

// ResponseHeaders returns the raw response header block.
func (c *Client) ResponseHeaders() string { return c.responseHeaders }

// Status returns the HTTP status code.
func (c *Client) Status() int { return c.httpStatus }

// BytesReceived returns the audio byte count, metadata excluded.
func (c *Client) BytesReceived() uint64 { return c.bytesReceived.Load() }

// IcyMetaInt returns the metadata interval, 0 when absent.
func (c *Client) IcyMetaInt() int { return c.icyMetaInt }

// IsConnected reports whether the stream is still open.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Disconnect closes the stream and unblocks any pending read.
func (c *Client) Disconnect() {
	c.connected.Store(false)
	if c.conn != nil {
		c.conn.Close()
	}
}

// Read blocks for audio bytes, transparently eliding ICY metadata.
// Returns 0, io.EOF at end of stream.
func (c *Client) Read(p []byte) (int, error) {
	for {
		// Finish any metadata block in progress first. The state
		// survives timeouts so a deadline mid-block cannot desync the
		// stream.
		if c.icyMetaInt > 0 && c.audioUntilMeta == 0 {
			if err := c.skipMetadata(); err != nil {
				return c.fail(err)
			}
			continue
		}

		limit := len(p)
		if c.icyMetaInt > 0 && limit > c.audioUntilMeta {
			limit = c.audioUntilMeta
		}

		n, err := c.rd.Read(p[:limit])
		if n > 0 {
			if c.icyMetaInt > 0 {
				c.audioUntilMeta -= n
			}
			c.bytesReceived.Add(uint64(n))
			return n, nil
		}
		if err != nil {
			return c.fail(err)
		}
	}
}

// skipMetadata consumes the pending length byte and metadata bytes.
func (c *Client) skipMetadata() error {
	if !c.metaLenPending && c.metaRemaining == 0 {
		b, err := c.rd.ReadByte()
		if err != nil {
			return err
		}
		c.metaRemaining = int(b) * 16
		c.metaLenPending = true
		if c.metaRemaining > 0 {
			logging.Debugf("[http] skipping %d metadata bytes", c.metaRemaining)
		}
	}

	var scratch [256]byte
	for c.metaRemaining > 0 {
		n := c.metaRemaining
		if n > len(scratch) {
			n = len(scratch)
		}
		got, err := c.rd.Read(scratch[:n])
		c.metaRemaining -= got
		if err != nil {
			return err
		}
	}

	c.metaLenPending = false
	c.audioUntilMeta = c.icyMetaInt
	return nil
}

func (c *Client) fail(err error) (int, error) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return 0, err
	}
	c.connected.Store(false)
	return 0, err
}

// ReadTimeout reads with a deadline so the caller can interleave ring
// feeding with network waits. Returns 0, nil when the deadline passes
// without data.
func (c *Client) ReadTimeout(p []byte, d time.Duration) (int, error) {
	c.conn.SetReadDeadline(time.Now().Add(d))
	defer c.conn.SetReadDeadline(time.Time{})

	n, err := c.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}
