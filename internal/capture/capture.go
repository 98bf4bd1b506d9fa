package capture

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

const maxLineBytes = 4096

// Message is one line read from a gateway
type Message struct {
	Source    string
	Line      string
	Timestamp time.Time
}

// Options tunes gateway connections
type Options struct {
	// ReconnectDelay is the wait between dial attempts
	ReconnectDelay time.Duration
	// IdleTimeout drops a connection that sent nothing, not even a heartbeat
	IdleTimeout time.Duration
	BufferSize  int
	Logger      *slog.Logger
}

// DefaultOptions returns the production connection settings
func DefaultOptions() Options {
	return Options{
		ReconnectDelay: 5 * time.Second,
		IdleTimeout:    30 * time.Second,
		BufferSize:     1000,
	}
}

// Capture reads newline delimited records from device gateways
type Capture struct {
	sources  []string
	opts     Options
	logger   *slog.Logger
	conns    map[string]net.Conn
	msgChan  chan Message
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
}

// New creates a Capture for the given host:port sources
func New(sources []string, opts Options) *Capture {
	def := DefaultOptions()
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		sources:  sources,
		opts:     opts,
		logger:   logger.With("component", "capture"),
		conns:    make(map[string]net.Conn),
		msgChan:  make(chan Message, opts.BufferSize),
		stopChan: make(chan struct{}),
	}
}

// Start connects to every source in the background
func (c *Capture) Start() {
	for _, source := range c.sources {
		c.wg.Add(1)
		go c.connectToSource(source)
	}
}

// Stop closes all connections and the message channel
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.mu.Lock()
		for _, conn := range c.conns {
			conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
		close(c.msgChan)
	})
}

// Messages returns the channel of received lines
func (c *Capture) Messages() <-chan Message {
	return c.msgChan
}

func (c *Capture) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *Capture) configureTCP(conn net.Conn, source string) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		c.logger.Warn("failed to set keepalive", "source", source, "error", err)
	}
	if err := tcpConn.SetKeepAlivePeriod(10 * time.Second); err != nil {
		c.logger.Warn("failed to set keepalive period", "source", source, "error", err)
	}
}

func (c *Capture) connectToSource(source string) {
	defer c.wg.Done()

	var disconnectedAt time.Time
	for !c.stopped() {
		conn, err := net.DialTimeout("tcp", source, c.opts.ReconnectDelay)
		if err != nil {
			if disconnectedAt.IsZero() {
				disconnectedAt = time.Now()
				c.logger.Warn("gateway unreachable", "source", source, "error", err)
			}
			select {
			case <-c.stopChan:
				return
			case <-time.After(c.opts.ReconnectDelay):
			}
			continue
		}

		c.configureTCP(conn, source)
		if disconnectedAt.IsZero() {
			c.logger.Info("connected to gateway", "source", source)
		} else {
			c.logger.Info("gateway connection reestablished", "source", source,
				"down_for", time.Since(disconnectedAt).Round(time.Millisecond))
		}

		c.mu.Lock()
		if c.stopped() {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conns[source] = conn
		c.mu.Unlock()

		err = c.handleConnection(source, conn)

		c.mu.Lock()
		delete(c.conns, source)
		c.mu.Unlock()

		if c.stopped() {
			return
		}
		disconnectedAt = time.Now()
		c.logger.Warn("gateway connection lost", "source", source, "error", err)
	}
}

// handleConnection reads lines until the connection fails or goes idle
func (c *Capture) handleConnection(source string, conn net.Conn) error {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, maxLineBytes)
	discarding := false
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			return err
		}

		raw, err := reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !discarding {
				c.logger.Warn("dropping oversized line", "source", source)
			}
			discarding = true
			continue
		}
		if err != nil {
			return err
		}
		if discarding {
			// tail of the oversized line
			discarding = false
			continue
		}

		line := strings.TrimRight(string(raw), "\r\n")
		if line == "" {
			continue
		}

		select {
		case c.msgChan <- Message{Source: source, Line: line, Timestamp: time.Now()}:
		case <-c.stopChan:
			return nil
		}
	}
}
