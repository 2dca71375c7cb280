// Package tossmail assembles the disposable-mail service: SMTP
// ingestion, storage, event fanout, webhooks, retention, the HTTP API
// and the IMAP projection.
package tossmail

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/themadorg/tossmail/internal/api"
	"github.com/themadorg/tossmail/internal/bus"
	"github.com/themadorg/tossmail/internal/config"
	"github.com/themadorg/tossmail/internal/imap"
	"github.com/themadorg/tossmail/internal/retention"
	"github.com/themadorg/tossmail/internal/smtp"
	"github.com/themadorg/tossmail/internal/storage"
	"github.com/themadorg/tossmail/internal/storage/sqlstore"
	"github.com/themadorg/tossmail/internal/webhooks"
)

// Version is stamped by the build.
var Version = "dev"

// apiShutdownGrace bounds how long in-flight HTTP requests may drain.
const apiShutdownGrace = 5 * time.Second

// Server owns every component and their shutdown order.
type Server struct {
	cfg   *config.Config
	log   *zap.Logger
	store storage.Backend
	bus   *bus.Bus
	hooks *webhooks.Dispatcher

	smtpSrv *smtp.Server
	apiSrv  *api.Server
	imapSrv *imap.Server
	sweeper *retention.Sweeper
}

// New opens the store and wires all components. Nothing listens yet.
func New(cfg *config.Config, log *zap.Logger, debug bool) (*Server, error) {
	store, err := sqlstore.Open(cfg.DatabaseURL, debug)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New()
	hooks := webhooks.NewDispatcher(store, log.Named("webhooks"))

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		store: store,
		bus:   b,
		hooks: hooks,
	}

	s.smtpSrv = smtp.New(smtp.Config{
		Domain:          cfg.DomainName,
		Addr:            fmt.Sprintf(":%d", cfg.SMTPPort),
		StartTLSAddr:    fmt.Sprintf(":%d", cfg.SMTPStartTLSPort),
		TLSAddr:         fmt.Sprintf(":%d", cfg.SMTPSSLPort),
		TLSConfig:       tlsCfg,
		RejectNonDomain: cfg.RejectNonDomain,
	}, store, b, hooks, log.Named("smtp"))

	s.apiSrv = api.New(api.Config{
		Domain:            cfg.DomainName,
		AuthEnabled:       cfg.AuthEnabled,
		AuthSecret:        cfg.AuthSecret,
		AuthAllowedDomain: cfg.AuthAllowedDomain,
		AuthTokenTTL:      cfg.AuthTokenTTL,
		ToolsToken:        cfg.ToolsToken,
		StaticDir:         cfg.StaticDir,
	}, store, b, hooks, log.Named("api"))

	if cfg.IMAPPort > 0 {
		s.imapSrv = imap.New(fmt.Sprintf(":%d", cfg.IMAPPort),
			cfg.DomainName, store, log.Named("imap"))
	}

	if cfg.RetentionHours > 0 {
		s.sweeper = retention.New(store, b, hooks,
			cfg.RetentionHours, log.Named("retention"))
	}

	return s, nil
}

// Run starts every listener and blocks until ctx is cancelled, then
// shuts down in order: SMTP accept stops first, HTTP drains, IMAP
// closes, the sweeper stops, the bus closes, the store closes last.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("starting tossmail",
		zap.String("version", Version),
		zap.String("domain", s.cfg.DomainName))

	var g errgroup.Group
	g.Go(s.smtpSrv.Start)
	g.Go(func() error {
		return s.apiSrv.Start(fmt.Sprintf(":%d", s.cfg.APIPort))
	})
	if s.imapSrv != nil {
		g.Go(s.imapSrv.Start)
	}
	if err := g.Wait(); err != nil {
		// Best effort: tear down whatever did bind.
		_ = s.smtpSrv.Close()
		_ = s.apiSrv.Shutdown(context.Background())
		if s.imapSrv != nil {
			_ = s.imapSrv.Close()
		}
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	if s.sweeper != nil {
		go s.sweeper.Run(sweepCtx)
	}

	<-ctx.Done()
	s.log.Info("shutting down")

	if err := s.smtpSrv.Close(); err != nil {
		s.log.Warn("smtp close", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownGrace)
	defer cancel()
	if err := s.apiSrv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("api shutdown", zap.Error(err))
	}

	if s.imapSrv != nil {
		if err := s.imapSrv.Close(); err != nil {
			s.log.Warn("imap close", zap.Error(err))
		}
	}

	stopSweeper()
	s.bus.Close()
	s.hooks.Wait()

	if err := s.store.Close(); err != nil {
		s.log.Warn("store close", zap.Error(err))
	}

	s.log.Info("shutdown complete")
	return nil
}
