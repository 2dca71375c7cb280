package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Webhook event names. A webhook's event set is a subset of these;
// EventTest is only ever used for synthetic test deliveries and cannot
// be subscribed to.
const (
	EventArrival  = "arrival"
	EventDeletion = "deletion"
	EventTest     = "test"
)

// Message is a received email, immutable once stored.
type Message struct {
	ID          string      `gorm:"primaryKey" json:"id"`
	ToAddress   string      `gorm:"index" json:"to"`
	FromAddress string      `json:"from"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
	Timestamp   time.Time   `gorm:"index" json:"timestamp"`
	Raw         string      `json:"raw,omitempty"`
	Attachments Attachments `gorm:"type:text" json:"attachments"`
}

// Attachment is a decoded MIME part carried by a Message. Content is
// base64-encoded; Size is the decoded length in bytes.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     string `json:"content"`
}

// Attachments is stored as a JSON blob in a single column.
type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		a = Attachments{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	return string(b), nil
}

func (a *Attachments) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Attachments{}
		return nil
	case string:
		return json.Unmarshal([]byte(v), a)
	case []byte:
		return json.Unmarshal(v, a)
	default:
		return fmt.Errorf("unsupported attachments column type %T", src)
	}
}

// StringList is stored as a JSON blob in a single column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(b), nil
}

func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = StringList{}
		return nil
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return fmt.Errorf("unsupported string list column type %T", src)
	}
}

func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Mailbox materializes only when a local-part is claimed with a password.
// Every local-part under the configured domain implicitly exists.
type Mailbox struct {
	Address      string    `gorm:"primaryKey" json:"address"`
	PasswordHash *string   `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsLocked reports whether the mailbox has a claim password set.
func (m *Mailbox) IsLocked() bool {
	return m != nil && m.PasswordHash != nil
}

// Webhook is a per-mailbox delivery subscription.
type Webhook struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	MailboxAddress string     `gorm:"index" json:"mailbox_address"`
	URL            string     `json:"url"`
	Events         StringList `gorm:"type:text" json:"events"`
	CreatedAt      time.Time  `json:"created_at"`
	Enabled        bool       `json:"enabled"`
}

// RateLimit holds per-mailbox request caps. Invariant:
// 0 < RequestsPerHour <= RequestsPerDay.
type RateLimit struct {
	MailboxAddress  string    `gorm:"primaryKey" json:"mailbox_address"`
	RequestsPerHour int       `json:"requests_per_hour"`
	RequestsPerDay  int       `json:"requests_per_day"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RateLimitRequest is an append-only log entry used for window counting.
type RateLimitRequest struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	MailboxAddress string    `gorm:"index" json:"mailbox_address"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
}

// User is an account for the optional authentication layer.
type User struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	Email        string    `gorm:"uniqueIndex" json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Deleted identifies a message removed by the retention sweep.
type Deleted struct {
	ID      string
	Address string
}

// LocalPart strips the domain from an address. Mailboxes are keyed by
// local-part only; multiple configured domains share one namespace.
func LocalPart(address string) string {
	if i := strings.Index(address, "@"); i >= 0 {
		return address[:i]
	}
	return address
}

// NormalizeAddress expands a bare local-part to local@domain and
// lower-cases the domain portion.
func NormalizeAddress(address, domain string) string {
	address = strings.TrimSpace(address)
	i := strings.Index(address, "@")
	if i < 0 {
		return address + "@" + strings.ToLower(domain)
	}
	return address[:i+1] + strings.ToLower(address[i+1:])
}
