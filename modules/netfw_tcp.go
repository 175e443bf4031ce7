package modules

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/ratelimit"
)

// A message on the wire is framed as <type(16)><payload_size(32)><payload>,
// integers in network byte order. The TCP framework performs one exchange at
// a time per connection, matching the framework rule that no more than one
// request is outstanding on a connection.

const frameHeaderSize = 6

var (
	// errPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	errPayloadTooLarge = errors.New("payload exceeds maximum message size")

	// tcpExchangeTimeout bounds a single request/response exchange.
	tcpExchangeTimeout = 30 * time.Second

	// tcpDialTimeout bounds connection establishment. It is much shorter
	// than the exchange timeout; an unreachable node should be reported
	// quickly so the chunk can move on to another candidate.
	tcpDialTimeout = 5 * time.Second
)

type (
	// TCPDialer implements Dialer over plain TCP. Node ids are dialable
	// addresses. All connections share the dialer's rate limit.
	TCPDialer struct {
		staticRL     *ratelimit.RateLimit
		staticCancel chan struct{}
	}

	// tcpConn implements Conn on top of a framed net.Conn.
	tcpConn struct {
		staticNode NodeID
		conn       net.Conn
	}

	// A RequestHandler produces the response to one received request.
	RequestHandler func(payload []byte) (respType uint16, resp []byte, err error)

	// A Server accepts framework connections from remote nodes and
	// dispatches requests to the handlers registered for their message
	// type. The dispatch table is fixed at construction so that servers
	// are instantiable per test without shared global state.
	Server struct {
		staticHandlers map[uint16]RequestHandler
		staticLog      *log.Logger
		staticRL       *ratelimit.RateLimit

		listener net.Listener
		closed   bool
		mu       sync.Mutex
		wg       sync.WaitGroup
	}
)

// NewTCPDialer returns a Dialer that establishes framed TCP connections,
// rate limited by rl. The cancel channel aborts throttled transfers on
// shutdown.
func NewTCPDialer(rl *ratelimit.RateLimit, cancel chan struct{}) *TCPDialer {
	return &TCPDialer{
		staticRL:     rl,
		staticCancel: cancel,
	}
}

// Dial implements the Dialer interface.
func (d *TCPDialer) Dial(node NodeID) (Conn, error) {
	conn, err := net.DialTimeout("tcp", string(node), tcpDialTimeout)
	if err != nil {
		return nil, &ConnError{Type: ConnErrCantConnect, Err: err}
	}
	return &tcpConn{
		staticNode: node,
		conn:       ratelimit.NewRLConn(conn, d.staticRL, d.staticCancel),
	}, nil
}

// Request implements the Conn interface.
func (c *tcpConn) Request(msgType uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, &ConnError{Type: ConnErrProtocol, Err: errPayloadTooLarge}
	}
	err := c.conn.SetDeadline(time.Now().Add(tcpExchangeTimeout))
	if err != nil {
		return nil, &ConnError{Type: ConnErrBadHandle, Err: err}
	}
	if err := writeFrame(c.conn, msgType, payload); err != nil {
		return nil, classifyNetError(err)
	}
	_, resp, err := readFrame(c.conn)
	if err != nil {
		return nil, classifyNetError(err)
	}
	return resp, nil
}

// NodeID implements the Conn interface.
func (c *tcpConn) NodeID() NodeID {
	return c.staticNode
}

// Close implements the Conn interface.
func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// classifyNetError maps a network error onto the framework's error classes.
func classifyNetError(err error) *ConnError {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &ConnError{Type: ConnErrTimeout, Err: err}
	}
	return &ConnError{Type: ConnErrReset, Err: err}
}

// writeFrame writes one framed message.
func writeFrame(w io.Writer, msgType uint16, payload []byte) error {
	head := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint16(head, msgType)
	binary.BigEndian.PutUint32(head[2:], uint32(len(payload)))
	if _, err := w.Write(head); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one framed message.
func readFrame(r io.Reader) (uint16, []byte, error) {
	head := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, nil, err
	}
	msgType := binary.BigEndian.Uint16(head)
	size := binary.BigEndian.Uint32(head[2:])
	if size > MaxPayloadSize {
		return 0, nil, errPayloadTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

// NewServer returns a Server that dispatches incoming requests through the
// provided handler table.
func NewServer(handlers map[uint16]RequestHandler, rl *ratelimit.RateLimit, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.DiscardLogger
	}
	table := make(map[uint16]RequestHandler, len(handlers))
	for t, h := range handlers {
		table[t] = h
	}
	return &Server{
		staticHandlers: table,
		staticLog:      logger,
		staticRL:       rl,
	}
}

// Listen starts accepting connections on addr. It returns once the listener
// is established; accepted connections are served in the background.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.AddContext(err, "unable to open framework listener")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return errors.New("server is closed")
	}
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.threadedServeConn(conn)
			}()
		}
	}()
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener and waits for in-flight exchanges to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.mu.Unlock()
	var err error
	if l != nil {
		err = l.Close()
	}
	s.wg.Wait()
	return err
}

// threadedServeConn processes exchanges on one accepted connection until the
// remote side disconnects. Accepted connections share the server's rate
// limit, same as dialed ones.
func (s *Server) threadedServeConn(conn net.Conn) {
	conn = ratelimit.NewRLConn(conn, s.staticRL, nil)
	defer conn.Close()
	for {
		err := conn.SetDeadline(time.Now().Add(tcpExchangeTimeout))
		if err != nil {
			return
		}
		msgType, payload, err := readFrame(conn)
		if err != nil {
			return
		}
		handler, exists := s.staticHandlers[msgType]
		if !exists {
			s.staticLog.Debugf("dropping request with unhandled message type %#x", msgType)
			return
		}
		respType, resp, err := handler(payload)
		if err != nil {
			s.staticLog.Println("request handler failed:", err)
			return
		}
		if err := writeFrame(conn, respType, resp); err != nil {
			return
		}
	}
}
