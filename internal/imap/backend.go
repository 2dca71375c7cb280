package imap

import (
	"errors"

	imap "github.com/emersion/go-imap"
	imapbackend "github.com/emersion/go-imap/backend"
	"go.uber.org/zap"

	"github.com/themadorg/tossmail/internal/storage"
)

var errReadOnly = errors.New("mailbox is read-only")

type imapBackend struct {
	store  storage.Backend
	domain string
	log    *zap.Logger
}

// Login authenticates against the mailbox claim password. The username
// may be a bare local-part or a full address; only the local-part is
// significant.
func (b *imapBackend) Login(_ *imap.ConnInfo, username, password string) (imapbackend.User, error) {
	local := storage.LocalPart(username)

	locked, err := b.store.IsMailboxLocked(local)
	if err != nil {
		b.log.Error("imap login lookup failed",
			zap.String("mailbox", local), zap.Error(err))
		return nil, imapbackend.ErrInvalidCredentials
	}
	if locked {
		ok, err := b.store.VerifyMailboxPassword(local, password)
		if err != nil || !ok {
			return nil, imapbackend.ErrInvalidCredentials
		}
	}

	b.log.Debug("imap login", zap.String("mailbox", local))
	return &user{backend: b, local: local}, nil
}

// user exposes exactly one mailbox, INBOX, backed by the store.
type user struct {
	backend *imapBackend
	local   string
}

func (u *user) Username() string { return u.local }

func (u *user) address() string {
	return storage.NormalizeAddress(u.local, u.backend.domain)
}

func (u *user) ListMailboxes(_ bool) ([]imapbackend.Mailbox, error) {
	return []imapbackend.Mailbox{&mailbox{user: u}}, nil
}

func (u *user) GetMailbox(name string) (imapbackend.Mailbox, error) {
	if name != "INBOX" {
		return nil, errors.New("Mailbox does not exist")
	}
	return &mailbox{user: u}, nil
}

func (u *user) CreateMailbox(string) error { return errReadOnly }

func (u *user) DeleteMailbox(string) error { return errReadOnly }

func (u *user) RenameMailbox(string, string) error { return errReadOnly }

func (u *user) Logout() error { return nil }
