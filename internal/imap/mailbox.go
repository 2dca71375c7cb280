package imap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	imap "github.com/emersion/go-imap"
	imapbackend "github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/themadorg/tossmail/internal/storage"
)

// uidValidity never changes: UIDs are positional and not stable across
// deletions, which clients detect through the listing itself.
const uidValidity = 1

// mailbox is the read-only INBOX projection of one stored mailbox.
type mailbox struct {
	user *user
}

func (m *mailbox) Name() string { return "INBOX" }

func (m *mailbox) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{
		Attributes: []string{},
		Delimiter:  "/",
		Name:       "INBOX",
	}, nil
}

// snapshot lists the stored messages, newest first. UID is the 1-based
// position in this listing.
func (m *mailbox) snapshot() ([]*storage.Message, error) {
	return m.user.backend.store.ListByAddress(m.user.address())
}

func (m *mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	msgs, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	status := imap.NewMailboxStatus("INBOX", items)
	status.Flags = []string{}
	status.PermanentFlags = []string{}
	status.Messages = uint32(len(msgs))
	status.Recent = 0
	status.Unseen = 0
	status.UidNext = uint32(len(msgs)) + 1
	status.UidValidity = uidValidity
	return status, nil
}

func (m *mailbox) SetSubscribed(bool) error { return nil }

func (m *mailbox) Check() error { return nil }

func (m *mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	msgs, err := m.snapshot()
	if err != nil {
		return err
	}

	for i, msg := range msgs {
		seqNum := uint32(i + 1)
		// Positional UIDs make the uid and sequence spaces identical.
		if !seqSet.Contains(seqNum) {
			continue
		}
		fetched, err := fetch(msg, seqNum, items)
		if err != nil {
			return err
		}
		ch <- fetched
	}
	_ = uid
	return nil
}

func fetch(msg *storage.Message, seqNum uint32, items []imap.FetchItem) (*imap.Message, error) {
	raw := rawBytes(msg)
	fetched := imap.NewMessage(seqNum, items)

	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			hdr, _, err := headerAndBody(raw)
			if err != nil {
				return nil, err
			}
			env, err := backendutil.FetchEnvelope(hdr)
			if err != nil {
				return nil, err
			}
			fetched.Envelope = env
		case imap.FetchBody, imap.FetchBodyStructure:
			hdr, body, err := headerAndBody(raw)
			if err != nil {
				return nil, err
			}
			bs, err := backendutil.FetchBodyStructure(hdr, body, item == imap.FetchBodyStructure)
			if err != nil {
				return nil, err
			}
			fetched.BodyStructure = bs
		case imap.FetchFlags:
			fetched.Flags = []string{}
		case imap.FetchInternalDate:
			fetched.InternalDate = msg.Timestamp
		case imap.FetchRFC822Size:
			fetched.Size = uint32(len(raw))
		case imap.FetchUid:
			fetched.Uid = seqNum
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				break
			}
			hdr, body, err := headerAndBody(raw)
			if err != nil {
				return nil, err
			}
			literal, err := backendutil.FetchBodySection(hdr, body, section)
			if err != nil {
				return nil, err
			}
			fetched.Body[section] = literal
		}
	}
	return fetched, nil
}

func headerAndBody(raw []byte) (textproto.Header, io.Reader, error) {
	body := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(body)
	return hdr, body, err
}

// rawBytes returns the original message when it was kept, or a minimal
// RFC 5322 rendering of the stored fields for legacy rows.
func rawBytes(msg *storage.Message) []byte {
	if msg.Raw != "" {
		return []byte(msg.Raw)
	}
	return Render(msg)
}

// Render synthesizes an RFC 5322 document from the stored fields.
func Render(msg *storage.Message) []byte {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(msg.Timestamp)
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: msg.FromAddress}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.ToAddress}})

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		// Header construction is static; failure means a broken row.
		return []byte(fmt.Sprintf("Subject: %s\r\n\r\n%s\r\n", msg.Subject, msg.Body))
	}
	_, _ = io.WriteString(w, msg.Body)
	_ = w.Close()
	return buf.Bytes()
}

// SearchMessages returns every message; criteria parsing is not
// supported.
func (m *mailbox) SearchMessages(uid bool, _ *imap.SearchCriteria) ([]uint32, error) {
	msgs, err := m.snapshot()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(msgs))
	for i := range msgs {
		ids = append(ids, uint32(i+1))
	}
	_ = uid
	return ids, nil
}

func (m *mailbox) CreateMessage([]string, time.Time, imap.Literal) error {
	return errReadOnly
}

// Flag updates are accepted and discarded; flags are never persisted.
func (m *mailbox) UpdateMessagesFlags(bool, *imap.SeqSet, imap.FlagsOp, []string) error {
	return nil
}

func (m *mailbox) CopyMessages(bool, *imap.SeqSet, string) error {
	return errReadOnly
}

// Expunge is a no-op so CLOSE succeeds; nothing is flagged \Deleted.
func (m *mailbox) Expunge() error { return nil }

var _ imapbackend.Mailbox = (*mailbox)(nil)
