// Package storage defines the persistence model and the capability set
// every message store must provide. Callers depend only on Backend;
// sqlstore is the durable implementation, memstore backs tests.
package storage

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Backend is the full capability set of the message store. Lookups for
// absent rows return (nil, nil); errors indicate storage failures and
// are never retried inside the store.
type Backend interface {
	StoreMessage(m *Message) error
	// ListByAddress returns messages for a full address, newest first.
	ListByAddress(address string) ([]*Message, error)
	GetMessage(id string) (*Message, error)
	// DeleteMessage reports whether a row was removed.
	DeleteMessage(id string) (bool, error)
	// DeleteOlderThan removes messages older than the given number of
	// hours and returns the (id, full address) of every removed row.
	DeleteOlderThan(hours int) ([]Deleted, error)
	// SearchMessages matches query as a substring of subject, body or
	// sender, optionally scoped to one full address.
	SearchMessages(address, query string, limit int) ([]*Message, error)

	CreateWebhook(w *Webhook) error
	ListWebhooks(address string) ([]*Webhook, error)
	GetWebhook(id string) (*Webhook, error)
	UpdateWebhook(w *Webhook) error
	DeleteWebhook(id string) (bool, error)
	// ActiveWebhooks returns enabled webhooks for the mailbox whose
	// event set contains the given event.
	ActiveWebhooks(address, event string) ([]*Webhook, error)

	GetMailbox(address string) (*Mailbox, error)
	SetMailboxPassword(address, password string) error
	ClearMailboxPassword(address string) error
	VerifyMailboxPassword(address, password string) (bool, error)
	IsMailboxLocked(address string) (bool, error)

	CreateUser(u *User) error
	GetUser(id string) (*User, error)
	GetUserByEmail(email string) (*User, error)

	GetRateLimit(address string) (*RateLimit, error)
	SetRateLimit(rl *RateLimit) error
	DeleteRateLimit(address string) (bool, error)
	AppendRequest(address string, at time.Time) error
	CountRequestsSince(address string, since time.Time) (int64, error)
	OldestRequestSince(address string, since time.Time) (*time.Time, error)
	PurgeRequestsBefore(before time.Time) (int64, error)

	Close() error
}

// HashPassword hashes a mailbox or account password for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPassword reports whether password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
