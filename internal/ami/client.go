package ami

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	dialTimeout = 10 * time.Second
	maxLineSize = 4096
)

// ErrAuth is returned when the manager interface rejects the login action.
var ErrAuth = errors.New("ami: login rejected")

// Field is one ordered key/value pair of an outbound action
type Field struct {
	Key   string
	Value string
}

// Client is a connection to the Asterisk Manager Interface. It is not safe
// for concurrent use; the listener owns it from a single goroutine.
type Client struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	logger zerolog.Logger

	// dial is swapped out in tests to run against an in-memory pipe
	dial func(addr string) (net.Conn, error)
}

// NewClient creates a client for the manager interface at addr
func NewClient(addr string, logger zerolog.Logger) *Client {
	return &Client{
		addr:   addr,
		logger: logger.With().Str("component", "ami").Logger(),
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, dialTimeout)
		},
	}
}

// Connect opens the transport and consumes the protocol greeting line
func (c *Client) Connect() error {
	conn, err := c.dial(c.addr)
	if err != nil {
		return fmt.Errorf("ami: connect %s: %w", c.addr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, maxLineSize)

	// Greeting, e.g. "Asterisk Call Manager/1.3"
	if _, err := c.reader.ReadString('\n'); err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("ami: read greeting: %w", err)
	}

	return nil
}

// Login authenticates against the manager interface. The next packet on the
// wire is taken as the response; anything but Response: Success is a
// rejection.
func (c *Client) Login(username, secret string) error {
	err := c.Send([]Field{
		{"Action", "Login"},
		{"Username", username},
		{"Secret", secret},
	})
	if err != nil {
		return err
	}

	response, err := c.ReadPacket()
	if err != nil {
		return fmt.Errorf("ami: read login response: %w", err)
	}

	if response.Response() != "Success" {
		message := response.Get("Message")
		if message == "" {
			message = "unknown error"
		}
		return fmt.Errorf("%w: %s", ErrAuth, message)
	}

	return nil
}

// Send writes one action as a Key: Value block terminated by a blank line
func (c *Client) Send(fields []Field) error {
	if c.conn == nil {
		return errors.New("ami: not connected")
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		return fmt.Errorf("ami: write action: %w", err)
	}
	return nil
}

// ReadPacket reads lines until a blank line or end-of-stream and parses them
// into an Event. Lines without a ": " separator are skipped.
func (c *Client) ReadPacket() (Event, error) {
	if c.reader == nil {
		return Event{}, errors.New("ami: not connected")
	}

	fields := make(map[string]string)

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			// A packet cut off mid-block is discarded with the error; the
			// listener reconnects and the peer resends nothing (events are
			// transient by design).
			return Event{}, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		fields[key] = value
	}

	return NewEvent(fields), nil
}

// Listen reads packets until the transport fails, invoking handler once per
// non-empty packet. stop is polled after every dispatched packet so shutdown
// does not wait for a transport error.
func (c *Client) Listen(stop func() bool, handler func(Event)) error {
	for {
		packet, err := c.ReadPacket()
		if err != nil {
			return err
		}

		if !packet.Empty() {
			handler(packet)
		}

		if stop != nil && stop() {
			return nil
		}
	}
}

// Disconnect sends a best-effort Logoff and closes the transport. Transport
// errors are swallowed; there is nothing useful to do with them here.
func (c *Client) Disconnect() {
	if c.conn == nil {
		return
	}

	_ = c.Send([]Field{{"Action", "Logoff"}})
	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close failed during disconnect")
	}
	c.conn = nil
	c.reader = nil
}
