package parser

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseSimpleMessage(t *testing.T) {
	raw := crlf(`From: Bob <bob@x.test>
To: alice@ex.test
Subject: hi
Content-Type: text/plain

hello
`)
	msg, err := Parse(raw, "fallback@ex.test")
	require.NoError(t, err)

	assert.Equal(t, "alice@ex.test", msg.ToAddress)
	assert.Equal(t, "bob@x.test", msg.FromAddress)
	assert.Equal(t, "hi", msg.Subject)
	assert.Contains(t, msg.Body, "hello")
	assert.Equal(t, string(raw), msg.Raw)
	assert.Empty(t, msg.Attachments)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestParseDefaults(t *testing.T) {
	raw := crlf(`X-Nothing: useful

`)
	msg, err := Parse(raw, "rcpt@ex.test")
	require.NoError(t, err)

	assert.Equal(t, "rcpt@ex.test", msg.ToAddress)
	assert.Equal(t, DefaultFrom, msg.FromAddress)
	assert.Equal(t, DefaultSubject, msg.Subject)
	assert.Equal(t, DefaultBody, msg.Body)
}

func TestParseMalformedToUsesEnvelope(t *testing.T) {
	raw := crlf(`From: bob@x.test
To: not an address
Subject: hi

body
`)
	msg, err := Parse(raw, "rcpt@ex.test")
	require.NoError(t, err)
	assert.Equal(t, "rcpt@ex.test", msg.ToAddress)
}

func TestParsePrefersHTMLOverText(t *testing.T) {
	raw := crlf(`From: bob@x.test
To: alice@ex.test
Subject: multi
Content-Type: multipart/alternative; boundary=BOUND

--BOUND
Content-Type: text/plain

plain version
--BOUND
Content-Type: text/html

<p>html version</p>
--BOUND--
`)
	msg, err := Parse(raw, "alice@ex.test")
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "html version")
	assert.NotContains(t, msg.Body, "plain version")
}

func TestParseTextOnlyMultipart(t *testing.T) {
	raw := crlf(`From: bob@x.test
To: alice@ex.test
Subject: multi
Content-Type: multipart/alternative; boundary=BOUND

--BOUND
Content-Type: text/plain

only text
--BOUND--
`)
	msg, err := Parse(raw, "alice@ex.test")
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "only text")
}

func TestParseAttachment(t *testing.T) {
	raw := crlf(`From: bob@x.test
To: alice@ex.test
Subject: with attachment
Content-Type: multipart/mixed; boundary=BOUND

--BOUND
Content-Type: text/plain

see attached
--BOUND
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

aGVsbG8gcGRm
--BOUND--
`)
	msg, err := Parse(raw, "alice@ex.test")
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "see attached")

	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)

	decoded, err := base64.StdEncoding.DecodeString(att.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello pdf", string(decoded))
	assert.EqualValues(t, len(decoded), att.Size)
}

func TestParseAttachmentDefaults(t *testing.T) {
	raw := crlf(`From: bob@x.test
To: alice@ex.test
Subject: nameless
Content-Type: multipart/mixed; boundary=BOUND

--BOUND
Content-Type: text/plain

body
--BOUND
Content-Disposition: attachment

payload
--BOUND--
`)
	msg, err := Parse(raw, "alice@ex.test")
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, DefaultFilename, msg.Attachments[0].Filename)
}

func TestParseGarbageFails(t *testing.T) {
	_, err := Parse([]byte("\x00\x01\x02 not a message"), "rcpt@ex.test")
	assert.Error(t, err)
}
