package ingest

import (
	"bytes"
	"net/mail"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailpipe/pkg/types"
)

const noSubject = "(no subject)"

// buildDocument turns a raw message plus its envelope into the canonical
// index document. Parsing failures degrade to envelope fields and an
// empty body rather than aborting ingestion.
func buildDocument(envelope *types.MailEnvelope, raw []byte, logger *logrus.Logger) *types.EmailDocument {
	doc := &types.EmailDocument{
		AccountName: envelope.AccountName,
		Folder:      envelope.Mailbox,
		Subject:     envelope.Subject,
		From:        envelope.From,
		Date:        envelope.Date,
		Category:    types.CategoryUncategorized,
		IndexedAt:   time.Now().UTC(),
	}

	var messageID string
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"account": envelope.AccountName,
			"uid":     envelope.UID,
		}).Warn("Failed to parse message, indexing envelope fields only")
	} else {
		messageID = strings.Trim(env.GetHeader("Message-Id"), "<> ")
		if subject := env.GetHeader("Subject"); subject != "" {
			doc.Subject = subject
		}
		if from := env.GetHeader("From"); from != "" {
			doc.From = from
		}
		doc.Recipients = parseRecipients(env)
		doc.Body = extractBody(env, logger)
		if doc.Date.IsZero() {
			if t, err := env.Date(); err == nil {
				doc.Date = t
			}
		}
	}

	if doc.Subject == "" {
		doc.Subject = noSubject
	}
	if doc.Recipients == nil {
		doc.Recipients = recipientsFromHeader(envelope.To)
	}
	if doc.Date.IsZero() {
		doc.Date = time.Now().UTC()
	}
	doc.ID = types.DocumentID(messageID, envelope.AccountName, envelope.UID)

	return doc
}

// extractBody prefers the structured plaintext part, falling back to an
// HTML-to-text conversion when no text part exists.
func extractBody(env *enmime.Envelope, logger *logrus.Logger) string {
	if text := strings.TrimSpace(env.Text); text != "" {
		return text
	}
	if env.HTML == "" {
		return ""
	}
	text, err := html2text.FromString(env.HTML, html2text.Options{TextOnly: true})
	if err != nil {
		logger.WithError(err).Debug("HTML to text conversion failed, using empty body")
		return ""
	}
	return strings.TrimSpace(text)
}

// parseRecipients collects To and Cc addresses from the parsed message.
func parseRecipients(env *enmime.Envelope) []string {
	var recipients []string
	for _, header := range []string{"To", "Cc"} {
		value := env.GetHeader(header)
		if value == "" {
			continue
		}
		recipients = append(recipients, recipientsFromHeader(value)...)
	}
	return recipients
}

// recipientsFromHeader splits an address header into individual addresses,
// returning the raw value as a single entry when it cannot be parsed.
func recipientsFromHeader(value string) []string {
	if value == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return []string{strings.TrimSpace(value)}
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Address)
	}
	return out
}
