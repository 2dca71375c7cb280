// Package imap projects stored mailboxes as a read-only IMAP INBOX.
// Credentials are the mailbox local-part and its claim password; an
// unclaimed mailbox accepts any password, mirroring the claim model.
package imap

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/emersion/go-imap/server"
	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/storage"
)

// Server is the IMAP endpoint.
type Server struct {
	serv        *server.Server
	listener    net.Listener
	listenersWg sync.WaitGroup
	log         *zap.Logger
	addr        string
}

// New builds the endpoint over the store. domain completes bare
// local-parts to full addresses for message lookups.
func New(addr, domain string, store storage.Backend, log *zap.Logger) *Server {
	be := &imapBackend{store: store, domain: domain, log: log}

	serv := server.New(be)
	serv.Addr = addr
	serv.AllowInsecureAuth = true

	return &Server{serv: serv, log: log, addr: addr}
}

// Start binds the listener and serves on its own goroutine.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind imap listener on %s: %w", s.addr, err)
	}
	s.listener = l
	s.log.Info("imap listener started", zap.String("addr", s.addr))

	s.listenersWg.Add(1)
	go func() {
		defer s.listenersWg.Done()
		if err := s.serv.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("imap listener failed", zap.Error(err))
		}
	}()
	return nil
}

// Close stops the server and waits for the serve loop to exit.
func (s *Server) Close() error {
	err := s.serv.Close()
	s.listenersWg.Wait()
	return err
}
