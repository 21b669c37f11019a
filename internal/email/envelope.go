package email

import (
	"bufio"
	"bytes"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"

	"github.com/brandon/mailpipe/pkg/types"
)

// HeaderFields holds the values extracted from a raw header block. A zero
// Date means the header was missing or unparseable; callers default it.
type HeaderFields struct {
	Subject string
	From    string
	To      string
	Date    time.Time
}

// dateLayouts are tried in order when net/mail rejects a Date header.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"2 Jan 2006 15:04:05 -0700",
}

// ParseHeaderBlock extracts subject, from, to and date from a raw header
// block. Field names match case-insensitively, the first occurrence wins,
// and folded continuation lines are joined. The function is pure: the same
// bytes always yield the same fields, and malformed input never errors.
func ParseHeaderBlock(raw []byte) HeaderFields {
	var fields HeaderFields
	var name, value string
	seen := make(map[string]bool)

	flush := func() {
		if name == "" {
			return
		}
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			applyHeader(&fields, key, strings.TrimSpace(value))
		}
		name, value = "", ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // end of header block
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous field
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue // not a header line, skip
		}
		name = line[:idx]
		value = line[idx+1:]
	}
	flush()

	return fields
}

func applyHeader(fields *HeaderFields, key, value string) {
	switch key {
	case "subject":
		fields.Subject = decodeWord(value)
	case "from":
		fields.From = decodeWord(value)
	case "to":
		fields.To = decodeWord(value)
	case "date":
		fields.Date = parseDate(value)
	}
}

// decodeWord decodes RFC 2047 encoded words, returning the input verbatim
// when decoding fails.
func decodeWord(value string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseDate returns the zero time for unparseable date strings.
func parseDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(value); err == nil {
		return t
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// HasAttachment walks a possibly-nested body structure and reports whether
// any node carries an attachment disposition or a filename parameter. This
// is a header-level heuristic, not a body-content inspection.
func HasAttachment(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	if strings.EqualFold(bs.Disposition, "attachment") {
		return true
	}
	for key, value := range bs.DispositionParams {
		if strings.EqualFold(key, "filename") && value != "" {
			return true
		}
	}
	for key, value := range bs.Params {
		if strings.EqualFold(key, "name") && value != "" {
			return true
		}
	}
	for _, part := range bs.Parts {
		if HasAttachment(part) {
			return true
		}
	}
	return false
}

// BuildEnvelope combines a parsed header block with the identifier, flags
// and structural metadata supplied by the fetch.
func BuildEnvelope(account, mailbox string, uid uint32, flags []string, headerRaw []byte, bs *imap.BodyStructure) types.MailEnvelope {
	fields := ParseHeaderBlock(headerRaw)
	return types.MailEnvelope{
		AccountName:   account,
		Mailbox:       mailbox,
		UID:           uid,
		Flags:         flags,
		Subject:       fields.Subject,
		From:          fields.From,
		To:            fields.To,
		Date:          fields.Date,
		HasAttachment: HasAttachment(bs),
	}
}
