// Package parser converts raw SMTP DATA into the canonical stored
// message. It is deliberately forgiving: unusual structure produces
// defaults, and only input that is not an RFC 5322 message at all is
// rejected.
package parser

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/themadorg/tossmail/internal/storage"
)

// Fallbacks applied when the message omits the corresponding field.
const (
	DefaultFrom        = "unknown@unknown.com"
	DefaultSubject     = "(No Subject)"
	DefaultBody        = "(No body)"
	DefaultFilename    = "attachment"
	DefaultContentType = "application/octet-stream"
)

// Parse builds a Message draft from raw DATA bytes. envelopeRcpt is the
// SMTP RCPT TO address, used when the To header is missing or
// malformed. The caller assigns the message ID.
func Parse(raw []byte, envelopeRcpt string) (*storage.Message, error) {
	mr, err := mail.CreateReader(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("not a parseable message: %w", err)
	}

	msg := &storage.Message{
		ToAddress:   envelopeRcpt,
		FromAddress: DefaultFrom,
		Subject:     DefaultSubject,
		Timestamp:   time.Now().UTC(),
		Raw:         string(raw),
		Attachments: storage.Attachments{},
	}

	if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 && to[0].Address != "" {
		msg.ToAddress = to[0].Address
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 && from[0].Address != "" {
		msg.FromAddress = from[0].Address
	}
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		msg.Subject = subject
	}

	var textBody, htmlBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part does not fail the whole message; keep
			// whatever was collected so far.
			break
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := h.ContentType()
			data, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			// Inline parts that carry a name are attachments in
			// disguise; some senders skip Content-Disposition.
			if name := params["name"]; name != "" {
				msg.Attachments = append(msg.Attachments, newAttachment(name, ct, data))
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/html") && htmlBody == "":
				htmlBody = string(data)
			case strings.HasPrefix(ct, "text/plain") && textBody == "":
				textBody = string(data)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, newAttachment(filename, ct, data))
		}
	}

	switch {
	case htmlBody != "":
		msg.Body = htmlBody
	case textBody != "":
		msg.Body = textBody
	default:
		msg.Body = DefaultBody
	}

	return msg, nil
}

func newAttachment(filename, contentType string, data []byte) storage.Attachment {
	if filename == "" {
		filename = DefaultFilename
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	return storage.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		Content:     base64.StdEncoding.EncodeToString(data),
	}
}
