package types

import (
	"fmt"
	"time"
)

// Category is a classification label assigned to an indexed email.
type Category string

const (
	CategoryInterested    Category = "Interested"
	CategoryMeetingBooked Category = "MeetingBooked"
	CategoryNotInterested Category = "NotInterested"
	CategorySpam          Category = "Spam"
	CategoryOutOfOffice   Category = "OutOfOffice"

	// CategoryUncategorized is the default assigned at index time, before
	// (or in place of) any classification result.
	CategoryUncategorized Category = "Uncategorized"
)

// ActionableCategory is the label that triggers webhook notification.
const ActionableCategory = CategoryInterested

// Categories lists the labels a classifier is allowed to return.
var Categories = []Category{
	CategoryInterested,
	CategoryMeetingBooked,
	CategoryNotInterested,
	CategorySpam,
	CategoryOutOfOffice,
}

// ParseCategory validates a label against the closed category set.
// Uncategorized is accepted: it is a valid stored value, just never a
// valid classifier output.
func ParseCategory(s string) (Category, error) {
	if Category(s) == CategoryUncategorized {
		return CategoryUncategorized, nil
	}
	for _, c := range Categories {
		if Category(s) == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category: %q", s)
}

// MailEnvelope is lightweight message metadata produced during sync and
// live fetch, before any full-message retrieval. It never carries a body.
type MailEnvelope struct {
	AccountName   string    `json:"account_name"`
	Mailbox       string    `json:"mailbox"`
	UID           uint32    `json:"uid"`
	Flags         []string  `json:"flags,omitempty"`
	Subject       string    `json:"subject"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Date          time.Time `json:"date"`
	HasAttachment bool      `json:"has_attachment"`
}

// EmailDocument is the canonical unit handed to the index store. Category
// is the only field mutated after creation, via an out-of-band update
// keyed by ID.
type EmailDocument struct {
	ID          string    `json:"id"`
	AccountName string    `json:"account_name"`
	Folder      string    `json:"folder"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	From        string    `json:"from"`
	Recipients  []string  `json:"recipients"`
	Date        time.Time `json:"date"`
	Category    Category  `json:"category"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// DocumentID prefers the protocol-level message identifier and falls back
// to a composite of account name and UID so every document has a stable,
// globally unique id.
func DocumentID(messageID, accountName string, uid uint32) string {
	if messageID != "" {
		return messageID
	}
	return fmt.Sprintf("%s:%d", accountName, uid)
}
