package ami

import (
	"sync/atomic"
	"time"

	"github.com/masterfermin02/vic-agent-ui/internal/metrics"
	"github.com/rs/zerolog"
)

// Listener maintains a long-lived manager-interface connection, dispatching
// every parsed event to a handler. On any error it disconnects and retries
// after a fixed backoff until Stop is called. Run is meant to occupy one
// dedicated goroutine for the lifetime of the process.
type Listener struct {
	user    string
	secret  string
	backoff time.Duration
	handler func(Event)
	logger  zerolog.Logger

	stopped atomic.Bool

	// connect yields a connected, authenticated client. Overridden in tests.
	connect func() (*Client, error)
}

// NewListener creates a listener for the manager interface at addr
func NewListener(addr, user, secret string, backoff time.Duration, handler func(Event), logger zerolog.Logger) *Listener {
	l := &Listener{
		user:    user,
		secret:  secret,
		backoff: backoff,
		handler: handler,
		logger:  logger.With().Str("component", "ami_listener").Logger(),
	}
	l.connect = func() (*Client, error) {
		client := NewClient(addr, logger)
		if err := client.Connect(); err != nil {
			return nil, err
		}
		if err := client.Login(l.user, l.secret); err != nil {
			client.Disconnect()
			return nil, err
		}
		return client, nil
	}
	return l
}

// Stop requests shutdown. The listener honors it at the top of the next
// reconnect attempt and after the next dispatched event; a pending blocking
// read completes or fails first.
func (l *Listener) Stop() {
	l.stopped.Store(true)
}

// Stopping reports whether shutdown has been requested
func (l *Listener) Stopping() bool {
	return l.stopped.Load()
}

// Run connects, listens and reconnects until Stop is called. Errors never
// escape this loop; auth rejections and transport failures both just retry.
func (l *Listener) Run() {
	m := metrics.Get()

	l.logger.Info().Msg("listener starting")

	for !l.stopped.Load() {
		client, err := l.connect()
		if err != nil {
			l.retry(err)
			continue
		}

		l.logger.Info().Msg("connected to manager interface")

		err = client.Listen(l.stopped.Load, func(ev Event) {
			m.RecordEventReceived()
			l.handler(ev)
		})

		client.Disconnect()

		if err != nil {
			l.retry(err)
		}
	}

	l.logger.Info().Msg("listener stopped")
}

func (l *Listener) retry(err error) {
	if l.stopped.Load() {
		return
	}

	metrics.Get().RecordReconnect()
	l.logger.Error().Err(err).Dur("backoff", l.backoff).Msg("connection lost, reconnecting")
	time.Sleep(l.backoff)
}
