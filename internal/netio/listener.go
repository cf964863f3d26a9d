package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/config"
	"github.com/khansohel/traffometer-opendmtp-server-sub000/internal/dmtp"
	dmtpmetrics "github.com/khansohel/traffometer-opendmtp-server-sub000/internal/metrics"
)

// ErrFrameTooLarge indicates a framed packet declares or occupies more
// bytes than ListenerConfig.MaxPacketBytes allows.
var ErrFrameTooLarge = errors.New("netio: frame exceeds max packet bytes")

// SessionFactory builds a new dmtp.Session for one accepted TCP connection
// or one received UDP datagram. traceID is a freshly minted identifier the
// listener attaches via dmtp.WithTraceID so every log line and metric for
// this session can be correlated.
type SessionFactory func(transport dmtp.Transport, peer, traceID string) *dmtp.Session

// -------------------------------------------------------------------------
// Listener — Combined TCP + UDP OpenDMTP listener
// -------------------------------------------------------------------------

// Listener runs the TCP accept loop and the UDP receive loop on the same
// port and drives one dmtp.Session per connection/datagram.
type Listener struct {
	cfg        config.ListenerConfig
	logger     *slog.Logger
	metrics    *dmtpmetrics.Collector
	newSession SessionFactory

	tcpLn   net.Listener
	udpConn net.PacketConn
}

// New binds the TCP and UDP sockets for cfg.Port and returns a Listener
// ready for Run. Both sockets are created eagerly so startup failures
// surface before the daemon reports itself ready.
func New(cfg config.ListenerConfig, logger *slog.Logger, metrics *dmtpmetrics.Collector, factory SessionFactory) (*Listener, error) {
	addr := fmt.Sprintf(":%d", cfg.Port)

	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: listen tcp %s: %w", addr, err)
	}

	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		_ = tcpLn.Close()
		return nil, fmt.Errorf("netio: listen udp %s: %w", addr, err)
	}

	return &Listener{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "netio.listener"), slog.Int("port", cfg.Port)),
		metrics:    metrics,
		newSession: factory,
		tcpLn:      tcpLn,
		udpConn:    udpConn,
	}, nil
}

// Run drives the TCP accept loop and the UDP receive loop until ctx is
// cancelled, then closes both sockets to unblock any in-flight Accept or
// ReadFrom call. Run returns once both loops have exited.
func (l *Listener) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return l.tcpAcceptLoop(gctx)
	})
	g.Go(func() error {
		return l.udpRecvLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return l.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Addr returns the TCP listener's bound address, useful when port 0 let
// the kernel pick.
func (l *Listener) Addr() net.Addr {
	return l.tcpLn.Addr()
}

// PacketAddr returns the UDP socket's bound address.
func (l *Listener) PacketAddr() net.Addr {
	return l.udpConn.LocalAddr()
}

// Close closes both listening sockets.
func (l *Listener) Close() error {
	tcpErr := l.tcpLn.Close()
	udpErr := l.udpConn.Close()
	if tcpErr != nil {
		return fmt.Errorf("netio: close tcp listener: %w", tcpErr)
	}
	if udpErr != nil {
		return fmt.Errorf("netio: close udp listener: %w", udpErr)
	}
	return nil
}

// tcpAcceptLoop accepts connections until ctx is cancelled, spawning a
// worker goroutine per connection, which owns the session for its lifetime.
func (l *Listener) tcpAcceptLoop(ctx context.Context) error {
	for {
		conn, err := l.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("netio: accept: %w", err)
		}
		go l.handleConn(ctx, conn)
	}
}

// udpRecvLoop reads datagrams until ctx is cancelled, spawning a worker
// goroutine per datagram so a slow session handler never stalls the recv
// loop for other devices.
func (l *Listener) udpRecvLoop(ctx context.Context) error {
	buf := make([]byte, l.cfg.MaxPacketBytes)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, addr, err := l.udpConn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("udp read error", slog.String("error", err.Error()))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		go l.handleDatagram(ctx, addr.String(), data)
	}
}

// newTraceID mints a per-session correlation identifier.
func newTraceID() string {
	return uuid.NewString()
}
