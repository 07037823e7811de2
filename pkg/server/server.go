// Package server runs the TCP front end: it accepts connections, speaks
// the NetBIOS session service, and pumps framed messages through a
// per-connection protocol engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/smbwire/internal/logger"
	"github.com/marmos91/smbwire/internal/smb/codec"
	"github.com/marmos91/smbwire/internal/smb/compound"
	"github.com/marmos91/smbwire/internal/smb/conn"
	"github.com/marmos91/smbwire/internal/smb/credit"
	"github.com/marmos91/smbwire/internal/smb/engine"
	"github.com/marmos91/smbwire/internal/smb/header"
	"github.com/marmos91/smbwire/internal/smb/netbios"
	"github.com/marmos91/smbwire/internal/smb/sealing"
	"github.com/marmos91/smbwire/internal/smb/session"
	"github.com/marmos91/smbwire/internal/smb/types"
	"github.com/marmos91/smbwire/pkg/bufpool"
	"github.com/marmos91/smbwire/pkg/config"
	"github.com/marmos91/smbwire/pkg/metrics"
)

// readChunkSize is the per-connection read buffer size.
const readChunkSize = 32 << 10

// Options configures a Server.
type Options struct {
	// ListenAddr is the TCP address to listen on.
	ListenAddr string

	// Protocol holds negotiation and flow-control settings.
	Protocol config.ProtocolConfig

	// Auth authenticates session setup exchanges. Nil rejects all
	// authentication.
	Auth engine.AuthProvider

	// Handler receives commands beyond the engine's own. Nil answers
	// them with a not-supported status.
	Handler engine.Handler

	// MaxConnections caps concurrent connections. Zero means unlimited.
	MaxConnections int

	// Metrics receives engine observations. Nil disables collection.
	Metrics *metrics.Metrics
}

// Server accepts TCP connections and runs one protocol engine per
// connection against a shared session table.
type Server struct {
	opts     Options
	dialects []types.Dialect

	sessions *session.Manager
	nextConn atomic.Uint64

	listener      net.Listener
	listenerReady chan struct{}
	shutdown      chan struct{}
	shutdownOnce  sync.Once
	wg            sync.WaitGroup
	connSemaphore chan struct{}

	// open tracks live connections so Stop can unblock their reads.
	open sync.Map // uint64 -> net.Conn
}

// New creates a Server. Options.Protocol is expected to be validated and
// default-filled by the config package.
func New(opts Options) (*Server, error) {
	dialects, err := config.ParseDialects(opts.Protocol.Dialects)
	if err != nil {
		return nil, err
	}

	var sem chan struct{}
	if opts.MaxConnections > 0 {
		sem = make(chan struct{}, opts.MaxConnections)
	}

	maxRounds := opts.Protocol.MaxAuthRounds
	if maxRounds <= 0 {
		maxRounds = session.DefaultMaxAuthRounds
	}

	return &Server{
		opts:          opts,
		dialects:      dialects,
		sessions:      session.NewManager(maxRounds),
		listenerReady: make(chan struct{}),
		shutdown:      make(chan struct{}),
		connSemaphore: sem,
	}, nil
}

// Sessions exposes the shared session table.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Serve listens and accepts until the context is cancelled or Stop is
// called. WaitReady unblocks once the listener is bound.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.ListenAddr, err)
	}
	s.listener = listener
	close(s.listenerReady)

	logger.Info("server started", "address", listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	for {
		c, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			default:
				logger.Warn("connection limit reached, rejecting", "client", c.RemoteAddr())
				_ = c.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			if s.connSemaphore != nil {
				defer func() { <-s.connSemaphore }()
			}
			s.handleConn(ctx, c)
		}(c)
	}
}

// WaitReady returns a channel closed once the listener is bound.
func (s *Server) WaitReady() <-chan struct{} {
	return s.listenerReady
}

// Addr returns the bound listener address, or "" before Serve.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stop closes the listener and every open connection, then waits for all
// connection goroutines to drain.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.open.Range(func(_, value any) bool {
			_ = value.(net.Conn).Close()
			return true
		})
	})
	s.wg.Wait()
}

// handleConn runs the engine loop for one client connection.
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	connID := s.nextConn.Add(1)
	client := c.RemoteAddr().String()

	s.open.Store(connID, c)
	s.opts.Metrics.ConnectionOpened()
	defer func() {
		s.open.Delete(connID)
		s.opts.Metrics.ConnectionClosed()
		_ = c.Close()
	}()

	eng := engine.New(engine.Options{
		Conn:     conn.New(s.connConfig()),
		Sessions: s.sessions,
		ConnID:   connID,
		Auth:     s.opts.Auth,
		Handler:  s.opts.Handler,
		MaxChain: s.opts.Protocol.MaxCompound,
	})
	defer func() {
		orphaned := eng.Close()
		for _, sess := range orphaned {
			sess.Expire()
		}
		s.opts.Metrics.SetSessionsActive(s.sessions.Len())
	}()

	logger.Debug("connection accepted", "client", client, "connId", connID)

	maxFrame := int(s.opts.Protocol.MaxTransactSize) + header.Size
	assembler := netbios.NewAssembler(maxFrame)
	var prelude sessionPrelude
	chunk := bufpool.Get(readChunkSize)
	defer bufpool.Put(chunk)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		n, err := c.Read(chunk)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read error", "client", client, "error", err)
			}
			return
		}
		s.opts.Metrics.RecordTraffic(n, 0)

		data := chunk[:n]
		if !prelude.done {
			stream, reply, err := prelude.feed(data)
			if err != nil {
				logger.Warn("session request rejected", "client", client, "error", err)
				_, _ = c.Write(netbios.NegativeResponse(netbios.ErrCodeUnspecified))
				return
			}
			if reply != nil {
				if _, err := c.Write(reply); err != nil {
					return
				}
				logger.Debug("session request accepted", "client", client)
			}
			if stream == nil {
				continue
			}
			data = stream
		}

		payloads, err := assembler.Feed(data)
		if err != nil {
			s.opts.Metrics.RecordProtocolError(errorKind(err))
			logger.Warn("framing error, closing connection", "client", client, "error", err)
			return
		}

		for _, payload := range payloads {
			if done := s.handlePayload(ctx, eng, c, payload, client); done {
				return
			}
		}
	}
}

// handlePayload feeds one framed payload through the engine and writes
// the response. Returns true when the connection must close.
func (s *Server) handlePayload(ctx context.Context, eng *engine.Engine, c net.Conn, payload []byte, client string) bool {
	// A zero-length session message carries nothing to dispatch.
	if len(payload) == 0 {
		return false
	}

	start := time.Now()
	response, err := eng.HandleMessage(ctx, payload)
	if err != nil {
		s.opts.Metrics.RecordProtocolError(errorKind(err))
		logger.Warn("fatal protocol error, closing connection",
			"client", client, "error", err)
		return true
	}
	s.recordResponses(response, time.Since(start))

	frame, err := netbios.Frame(response, 0)
	if err != nil {
		logger.Error("response framing failed", "client", client, "error", err)
		return true
	}
	if _, err := c.Write(frame); err != nil {
		logger.Debug("write error", "client", client, "error", err)
		return true
	}
	s.opts.Metrics.RecordTraffic(0, len(frame))
	s.opts.Metrics.SetSessionsActive(s.sessions.Len())
	return false
}

// recordResponses attributes per-message request metrics from a response
// payload. Sealed responses are opaque; their contents are not split.
func (s *Server) recordResponses(response []byte, elapsed time.Duration) {
	if s.opts.Metrics == nil || len(response) == 0 || sealing.IsTransform(response) {
		return
	}
	msgs, err := compound.Split(response, 0)
	if err != nil {
		return
	}
	seconds := elapsed.Seconds()
	for _, m := range msgs {
		s.opts.Metrics.RecordRequest(m.Header.Command.String(), m.Header.Status.String(), seconds)
		s.opts.Metrics.RecordCreditGrant(m.Header.Credits)
	}
}

func (s *Server) connConfig() conn.Config {
	return conn.Config{
		Dialects:        s.dialects,
		SigningRequired: s.opts.Protocol.SigningRequired,
		MaxTransactSize: s.opts.Protocol.MaxTransactSize,
		MaxReadSize:     s.opts.Protocol.MaxReadSize,
		MaxWriteSize:    s.opts.Protocol.MaxWriteSize,
		InitialCredits:  s.opts.Protocol.InitialCredits,
		MaxCredits:      s.opts.Protocol.MaxCredits,
	}
}

// errorKind maps fatal errors to metric label values.
func errorKind(err error) string {
	switch {
	case errors.Is(err, netbios.ErrFraming):
		return "framing"
	case errors.Is(err, header.ErrMalformed),
		errors.Is(err, codec.ErrMalformedBody),
		errors.Is(err, compound.ErrBadChain):
		return "malformed"
	case errors.Is(err, conn.ErrSequence):
		return "sequence"
	case errors.Is(err, credit.ErrCreditExceeded):
		return "credit"
	case errors.Is(err, engine.ErrIntegrity):
		return "integrity"
	default:
		return "other"
	}
}

// maxSessionRequestSize bounds the payload of a session request frame. Two
// level-1 encoded names fit well under this; anything larger is hostile.
const maxSessionRequestSize = 512

// sessionPrelude absorbs an optional NBT SESSION REQUEST before message
// traffic starts. Clients dialing the session service port send one and wait
// for a positive response; clients on the direct TCP port skip straight to
// session messages. [RFC 1002] 4.3.2
type sessionPrelude struct {
	done bool
	buf  []byte
}

// feed consumes stream bytes until the first frame's disposition is known.
// It returns the bytes to hand to the message assembler (nil while more input
// is needed), and a response frame to write when the peer sent a session
// request. The prelude is done once stream is non-nil.
func (p *sessionPrelude) feed(data []byte) (stream, reply []byte, err error) {
	p.buf = append(p.buf, data...)
	if len(p.buf) < netbios.HeaderSize {
		return nil, nil, nil
	}
	if p.buf[0] != netbios.TypeSessionRequest {
		// Direct TCP transport: everything belongs to the assembler.
		p.done = true
		stream, p.buf = p.buf, nil
		return stream, nil, nil
	}

	declared := int(p.buf[1])<<16 | int(p.buf[2])<<8 | int(p.buf[3])
	if declared > maxSessionRequestSize {
		return nil, nil, fmt.Errorf("%w: session request of %d bytes", netbios.ErrFraming, declared)
	}
	if len(p.buf) < netbios.HeaderSize+declared {
		return nil, nil, nil
	}

	if _, _, err := netbios.ParseSessionRequest(p.buf[netbios.HeaderSize : netbios.HeaderSize+declared]); err != nil {
		return nil, nil, err
	}

	p.done = true
	stream, p.buf = p.buf[netbios.HeaderSize+declared:], nil
	return stream, netbios.PositiveResponse(), nil
}
