// Package delivery sends queued messages to remote mail exchangers over
// pooled SMTP sessions.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/outbound/internal/mta"
	"github.com/busybox42/outbound/internal/pool"
)

// DialerConfig holds SMTP connection settings
type DialerConfig struct {
	Port           int
	ConnectTimeout time.Duration
	// MessageTimeout bounds one complete mail transaction on a session.
	MessageTimeout time.Duration

	TLSEnabled            bool
	TLSMinVersion         string
	TLSInsecureSkipVerify bool
}

// DefaultDialerConfig returns sensible default configuration
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		Port:           25,
		ConnectTimeout: 30 * time.Second,
		MessageTimeout: 5 * time.Minute,
		TLSEnabled:     true,
		TLSMinVersion:  "1.2",
	}
}

// SMTPDialer opens SMTP sessions originating from an identity's address.
type SMTPDialer struct {
	config    DialerConfig
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// NewSMTPDialer creates a dialer.
func NewSMTPDialer(config DialerConfig) (*SMTPDialer, error) {
	def := DefaultDialerConfig()
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.MessageTimeout <= 0 {
		config.MessageTimeout = def.MessageTimeout
	}
	tlsConfig, err := createTLSConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	return &SMTPDialer{
		config:    config,
		tlsConfig: tlsConfig,
		logger:    slog.Default().With("component", "smtp-dialer"),
	}, nil
}

// Dial connects to mx from the identity's source address, greets it with the
// identity's hostname and upgrades to TLS when offered.
func (d *SMTPDialer) Dial(ctx context.Context, identity mta.Identity, mx mta.MXRecord) (pool.Session, error) {
	nd := &net.Dialer{Timeout: d.config.ConnectTimeout}
	if identity.Address != nil {
		nd.LocalAddr = &net.TCPAddr{IP: identity.Address}
	}
	host := mta.NormalizeHost(mx.Host)
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(d.config.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}

	stop := guard(ctx, conn, d.config.ConnectTimeout)
	client, err := d.handshake(conn, identity, host)
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &smtpSession{
		conn:    conn,
		client:  client,
		host:    host,
		timeout: d.config.MessageTimeout,
	}, nil
}

func (d *SMTPDialer) handshake(conn net.Conn, identity mta.Identity, host string) (*smtp.Client, error) {
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	helo := identity.Hostname
	if helo == "" {
		helo = "localhost"
	}
	if err := client.Hello(helo); err != nil {
		return nil, fmt.Errorf("EHLO failed: %w", err)
	}

	if d.config.TLSEnabled {
		if ok, _ := client.Extension("STARTTLS"); ok {
			cfg := d.tlsConfig.Clone()
			cfg.ServerName = host
			// A failed handshake leaves the session in an unknown state,
			// so the connection is abandoned.
			if err := client.StartTLS(cfg); err != nil {
				d.logger.Warn("STARTTLS failed",
					"host", host,
					"identity", identity.String(),
					"error", err)
				return nil, fmt.Errorf("STARTTLS failed: %w", err)
			}
			d.logger.Debug("STARTTLS successful", "host", host)
		}
	}
	return client, nil
}

// guard applies a deadline to conn for the duration of one operation and
// aborts blocked I/O when ctx is cancelled. The returned func clears both.
func guard(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// MessageSession is a pooled session that can carry mail transactions.
type MessageSession interface {
	pool.Session
	Send(ctx context.Context, from string, rcpts []string, body io.Reader) error
}

type smtpSession struct {
	conn    net.Conn
	client  *smtp.Client
	host    string
	timeout time.Duration
	used    bool
	dead    atomic.Bool

	// mu is held by Send and by the idle poll so the poll never reads a
	// reply meant for a transaction.
	mu sync.Mutex
}

// Connected also notices a peer that hung up while the session sat idle. A
// session in the middle of a transaction reports its last known state.
func (s *smtpSession) Connected() bool {
	if s.dead.Load() {
		return false
	}
	if !s.mu.TryLock() {
		return true
	}
	defer s.mu.Unlock()
	if !s.idleOpen() {
		s.dead.Store(true)
		return false
	}
	return true
}

// idleOpen polls the socket with a short read. A timeout means the peer is
// still there; EOF or any byte at all means the session is over, since a
// server has nothing to say between transactions.
func (s *smtpSession) idleOpen() bool {
	if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	var b [1]byte
	_, err := s.conn.Read(b[:])
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Send runs one mail transaction. Reply errors are *textproto.Error; any
// other error means the session is no longer usable.
func (s *smtpSession) Send(ctx context.Context, from string, rcpts []string, body io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead.Load() {
		return errors.New("session closed")
	}
	stop := guard(ctx, s.conn, s.timeout)
	defer stop()

	err := s.transaction(from, rcpts, body)
	if err != nil {
		var reply *textproto.Error
		if !errors.As(err, &reply) || reply.Code == 421 {
			s.dead.Store(true)
		}
	}
	return err
}

func (s *smtpSession) transaction(from string, rcpts []string, body io.Reader) error {
	if s.used {
		if err := s.client.Reset(); err != nil {
			return err
		}
	}
	s.used = true

	if err := s.client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := s.client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *smtpSession) Close() error {
	if !s.dead.Swap(true) {
		_ = s.conn.SetDeadline(time.Now().Add(5 * time.Second))
		if err := s.client.Quit(); err == nil {
			return nil
		}
	}
	return s.client.Close()
}

// createTLSConfig creates a TLS configuration from the config
func createTLSConfig(config DialerConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.TLSInsecureSkipVerify,
	}

	switch config.TLSMinVersion {
	case "1.0":
		tlsConfig.MinVersion = tls.VersionTLS10
	case "1.1":
		tlsConfig.MinVersion = tls.VersionTLS11
	case "1.2", "":
		tlsConfig.MinVersion = tls.VersionTLS12
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS version %q", config.TLSMinVersion)
	}
	return tlsConfig, nil
}
