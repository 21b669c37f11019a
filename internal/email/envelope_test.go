package email

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderBlock(t *testing.T) {
	raw := []byte("Subject: Quarterly review\r\n" +
		"From: Alice Example <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Date: Tue, 05 Aug 2025 10:30:00 +0200\r\n" +
		"\r\n" +
		"body starts here and must be ignored\r\n")

	fields := ParseHeaderBlock(raw)

	assert.Equal(t, "Quarterly review", fields.Subject)
	assert.Equal(t, "Alice Example <alice@example.com>", fields.From)
	assert.Equal(t, "bob@example.com", fields.To)

	expected := time.Date(2025, 8, 5, 10, 30, 0, 0, time.FixedZone("", 2*3600))
	assert.True(t, fields.Date.Equal(expected), "got %v", fields.Date)
}

func TestParseHeaderBlockMissingDate(t *testing.T) {
	raw := []byte("Subject: no date here\r\nFrom: a@b.c\r\n\r\n")

	fields := ParseHeaderBlock(raw)

	assert.True(t, fields.Date.IsZero())
	assert.Equal(t, "no date here", fields.Subject)
}

func TestParseHeaderBlockUnparseableDate(t *testing.T) {
	raw := []byte("Date: not a date at all\r\nSubject: x\r\n\r\n")

	fields := ParseHeaderBlock(raw)

	assert.True(t, fields.Date.IsZero())
}

func TestParseHeaderBlockCaseInsensitive(t *testing.T) {
	raw := []byte("SUBJECT: shouting\r\nfrom: quiet@example.com\r\n\r\n")

	fields := ParseHeaderBlock(raw)

	assert.Equal(t, "shouting", fields.Subject)
	assert.Equal(t, "quiet@example.com", fields.From)
}

func TestParseHeaderBlockFirstOccurrenceWins(t *testing.T) {
	raw := []byte("Subject: first\r\nSubject: second\r\n\r\n")

	fields := ParseHeaderBlock(raw)

	assert.Equal(t, "first", fields.Subject)
}

func TestParseHeaderBlockFoldedLines(t *testing.T) {
	raw := []byte("Subject: a very long\r\n subject line\r\nTo: one@example.com,\r\n\ttwo@example.com\r\n\r\n")

	fields := ParseHeaderBlock(raw)

	assert.Equal(t, "a very long subject line", fields.Subject)
	assert.Equal(t, "one@example.com, two@example.com", fields.To)
}

func TestParseHeaderBlockGarbageInput(t *testing.T) {
	fields := ParseHeaderBlock([]byte("no colon line\r\n::\r\n\x00\x01\x02"))

	assert.Empty(t, fields.Subject)
	assert.True(t, fields.Date.IsZero())
}

func TestParseHeaderBlockDeterministic(t *testing.T) {
	raw := []byte("Subject: stable\r\nDate: Mon, 02 Jan 2006 15:04:05 -0700\r\n\r\n")

	first := ParseHeaderBlock(raw)
	second := ParseHeaderBlock(raw)

	assert.Equal(t, first, second)
}

func TestHasAttachment(t *testing.T) {
	t.Run("nil structure", func(t *testing.T) {
		assert.False(t, HasAttachment(nil))
	})

	t.Run("plain text", func(t *testing.T) {
		bs := &imap.BodyStructure{MIMEType: "text", MIMESubType: "plain"}
		assert.False(t, HasAttachment(bs))
	})

	t.Run("attachment disposition", func(t *testing.T) {
		bs := &imap.BodyStructure{
			MIMEType:    "application",
			MIMESubType: "pdf",
			Disposition: "attachment",
		}
		assert.True(t, HasAttachment(bs))
	})

	t.Run("filename param only", func(t *testing.T) {
		bs := &imap.BodyStructure{
			MIMEType:          "application",
			MIMESubType:       "octet-stream",
			DispositionParams: map[string]string{"filename": "report.xlsx"},
		}
		assert.True(t, HasAttachment(bs))
	})

	t.Run("nested multipart", func(t *testing.T) {
		bs := &imap.BodyStructure{
			MIMEType:    "multipart",
			MIMESubType: "mixed",
			Parts: []*imap.BodyStructure{
				{MIMEType: "text", MIMESubType: "plain"},
				{
					MIMEType:    "multipart",
					MIMESubType: "alternative",
					Parts: []*imap.BodyStructure{
						{MIMEType: "text", MIMESubType: "html"},
						{MIMEType: "image", MIMESubType: "png", Disposition: "ATTACHMENT"},
					},
				},
			},
		}
		assert.True(t, HasAttachment(bs))
	})
}

func TestBuildEnvelope(t *testing.T) {
	raw := []byte("Subject: hello\r\nFrom: a@example.com\r\nTo: b@example.com\r\nDate: Tue, 05 Aug 2025 10:30:00 +0000\r\n\r\n")
	bs := &imap.BodyStructure{MIMEType: "text", MIMESubType: "plain"}

	env := BuildEnvelope("acct-1", "INBOX", 42, []string{"\\Seen"}, raw, bs)

	require.Equal(t, "acct-1", env.AccountName)
	assert.Equal(t, "INBOX", env.Mailbox)
	assert.Equal(t, uint32(42), env.UID)
	assert.Equal(t, []string{"\\Seen"}, env.Flags)
	assert.Equal(t, "hello", env.Subject)
	assert.Equal(t, "a@example.com", env.From)
	assert.Equal(t, "b@example.com", env.To)
	assert.False(t, env.HasAttachment)
	assert.False(t, env.Date.IsZero())
}
