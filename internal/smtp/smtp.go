// Package smtp runs the inbound listener set: plain SMTP always, plus
// STARTTLS submission and implicit TLS when certificate material is
// configured. All listeners share one session backend that parses,
// persists and fans out accepted messages.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/bus"
	"github.com/themadorg/tossmail/internal/metrics"
	"github.com/themadorg/tossmail/internal/parser"
	"github.com/themadorg/tossmail/internal/storage"
	"github.com/themadorg/tossmail/internal/webhooks"
)

// MaxMessageBytes caps DATA size; the server answers 552 beyond it.
const MaxMessageBytes = 25 * 1024 * 1024

// shutdownGrace bounds how long in-flight sessions may drain on close.
const shutdownGrace = 500 * time.Millisecond

// Config carries the listener addresses and recipient policy.
type Config struct {
	Domain          string
	Addr            string // plain, always bound
	StartTLSAddr    string // bound only when TLSConfig is set
	TLSAddr         string // implicit TLS, bound only when TLSConfig is set
	TLSConfig       *tls.Config
	RejectNonDomain bool
}

// Server is the three-listener SMTP frontend.
type Server struct {
	cfg Config
	log *zap.Logger

	servers     []*gosmtp.Server
	listeners   []net.Listener
	listenersWg sync.WaitGroup
}

// New wires the listener set to the store, bus and webhook dispatcher.
func New(cfg Config, store storage.Backend, b *bus.Bus, hooks *webhooks.Dispatcher, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, log: log}

	be := &backend{
		store:  store,
		bus:    b,
		hooks:  hooks,
		log:    log,
		domain: strings.ToLower(cfg.Domain),
		reject: cfg.RejectNonDomain,
	}

	plain := newServer(be, cfg.Domain)
	s.servers = append(s.servers, plain)

	if cfg.TLSConfig != nil {
		starttls := newServer(be, cfg.Domain)
		starttls.TLSConfig = cfg.TLSConfig
		s.servers = append(s.servers, starttls)

		smtps := newServer(be, cfg.Domain)
		smtps.TLSConfig = cfg.TLSConfig
		s.servers = append(s.servers, smtps)
	}

	return s
}

func newServer(be gosmtp.Backend, domain string) *gosmtp.Server {
	srv := gosmtp.NewServer(be)
	srv.Domain = domain
	srv.ReadTimeout = 10 * time.Minute
	srv.WriteTimeout = 1 * time.Minute
	srv.MaxMessageBytes = MaxMessageBytes
	srv.MaxRecipients = 100
	srv.AllowInsecureAuth = true
	srv.EnableSMTPUTF8 = true
	return srv
}

// Start binds all configured listeners and serves each on its own
// goroutine. It returns once every listener is bound.
func (s *Server) Start() error {
	type bind struct {
		srv      *gosmtp.Server
		addr     string
		implicit bool
		name     string
	}

	binds := []bind{{s.servers[0], s.cfg.Addr, false, "smtp"}}
	if s.cfg.TLSConfig != nil {
		binds = append(binds,
			bind{s.servers[1], s.cfg.StartTLSAddr, false, "starttls"},
			bind{s.servers[2], s.cfg.TLSAddr, true, "smtps"},
		)
	}

	for _, b := range binds {
		l, err := net.Listen("tcp", b.addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("bind %s listener on %s: %w", b.name, b.addr, err)
		}
		if b.implicit {
			l = tls.NewListener(l, s.cfg.TLSConfig)
		}
		s.listeners = append(s.listeners, l)
		s.log.Info("smtp listener started",
			zap.String("proto", b.name), zap.String("addr", b.addr))

		s.listenersWg.Add(1)
		go func(srv *gosmtp.Server, l net.Listener, name string) {
			defer s.listenersWg.Done()
			if err := srv.Serve(l); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				s.log.Error("smtp listener failed",
					zap.String("proto", name), zap.Error(err))
			}
		}(b.srv, l, b.name)
	}
	return nil
}

// Close stops accepting, drains in-flight sessions for a short grace
// period, then force-closes whatever is left.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.log.Debug("smtp shutdown", zap.Error(err))
		}
	}
	for _, srv := range s.servers {
		_ = srv.Close()
	}
	s.listenersWg.Wait()
	return nil
}

// Addr reports the bound address of the plain listener, useful when
// the configured port was 0.
func (s *Server) Addr() string {
	if len(s.listeners) == 0 {
		return ""
	}
	return s.listeners[0].Addr().String()
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
}

type backend struct {
	store  storage.Backend
	bus    *bus.Bus
	hooks  *webhooks.Dispatcher
	log    *zap.Logger
	domain string
	reject bool
}

func (be *backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{be: be}, nil
}

// session is the per-connection state machine. Buffers are owned by
// the session and never shared.
type session struct {
	be    *backend
	from  string
	rcpts []string
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.be.reject {
		domain := ""
		if i := strings.Index(to, "@"); i >= 0 {
			domain = strings.ToLower(to[i+1:])
		}
		if domain != s.be.domain {
			return &gosmtp.SMTPError{
				Code:         550,
				EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
				Message:      "No such mailbox here",
			}
		}
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		// Includes the 552 over-size error from the server's reader.
		return err
	}
	if len(s.rcpts) == 0 {
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	for _, rcpt := range s.rcpts {
		msg, err := parser.Parse(raw, storage.NormalizeAddress(rcpt, s.be.domain))
		if err != nil {
			s.be.log.Warn("message parse failed",
				zap.String("rcpt", rcpt), zap.Error(err))
			return &gosmtp.SMTPError{
				Code:         554,
				EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
				Message:      "Message content rejected",
			}
		}
		msg.ID = uuid.New().String()
		msg.ToAddress = storage.NormalizeAddress(msg.ToAddress, s.be.domain)

		if err := s.be.store.StoreMessage(msg); err != nil {
			s.be.log.Error("message store failed",
				zap.String("rcpt", rcpt), zap.Error(err))
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary storage failure",
			}
		}

		metrics.MessagesReceived.Inc()
		s.be.log.Info("message stored",
			zap.String("id", msg.ID),
			zap.String("to", msg.ToAddress),
			zap.String("from", msg.FromAddress))

		// Storage commit strictly precedes the arrival publish.
		s.be.bus.Publish(bus.NewArrival(msg))
		s.be.hooks.Trigger(storage.EventArrival, storage.LocalPart(msg.ToAddress), msg)
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error { return nil }
