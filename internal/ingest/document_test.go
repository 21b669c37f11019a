package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailpipe/pkg/types"
)

func TestBuildDocument(t *testing.T) {
	doc := buildDocument(testEnvelope(7), []byte(sampleRaw), testLogger())

	require.NotNil(t, doc)
	assert.Equal(t, "msg-1@example.com", doc.ID)
	assert.Equal(t, "acct-1", doc.AccountName)
	assert.Equal(t, "INBOX", doc.Folder)
	assert.Equal(t, "Interested in your product", doc.Subject)
	assert.Equal(t, "Alice <alice@example.com>", doc.From)
	assert.Equal(t, []string{"sales@example.com"}, doc.Recipients)
	assert.Equal(t, "Please send pricing details.", doc.Body)
	assert.Equal(t, types.CategoryUncategorized, doc.Category)
	assert.False(t, doc.IndexedAt.IsZero())
}

func TestBuildDocumentMissingMessageID(t *testing.T) {
	raw := "Subject: no id\r\nFrom: a@example.com\r\n\r\nbody\r\n"

	doc := buildDocument(testEnvelope(99), []byte(raw), testLogger())

	assert.Equal(t, "acct-1:99", doc.ID, "falls back to account and UID")
}

func TestBuildDocumentHTMLOnly(t *testing.T) {
	raw := "Message-Id: <html@example.com>\r\n" +
		"Subject: html mail\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<html><body><p>Hello <b>world</b></p></body></html>\r\n"

	doc := buildDocument(testEnvelope(5), []byte(raw), testLogger())

	assert.Contains(t, doc.Body, "Hello")
	assert.Contains(t, doc.Body, "world")
	assert.NotContains(t, doc.Body, "<b>")
}

func TestBuildDocumentUnparseableMessage(t *testing.T) {
	env := testEnvelope(42)
	env.Subject = "envelope subject"

	doc := buildDocument(env, []byte("\x00\x01 not a mime message"), testLogger())

	require.NotNil(t, doc, "parse failure degrades, never aborts")
	assert.Equal(t, "envelope subject", doc.Subject)
	assert.Equal(t, "acct-1:42", doc.ID)
	assert.False(t, doc.Date.IsZero())
}

func TestBuildDocumentEmptySubjectPlaceholder(t *testing.T) {
	env := testEnvelope(43)
	env.Subject = ""
	raw := "Message-Id: <blank@example.com>\r\nFrom: a@example.com\r\n\r\nbody\r\n"

	doc := buildDocument(env, []byte(raw), testLogger())

	assert.Equal(t, "(no subject)", doc.Subject)
}

func TestBuildDocumentDateFallback(t *testing.T) {
	env := testEnvelope(44)
	env.Date = time.Time{}
	raw := "Message-Id: <dated@example.com>\r\nDate: Tue, 05 Aug 2025 10:30:00 +0000\r\n\r\nbody\r\n"

	doc := buildDocument(env, []byte(raw), testLogger())

	assert.Equal(t, 2025, doc.Date.Year(), "takes the parsed Date header when the envelope has none")
}
