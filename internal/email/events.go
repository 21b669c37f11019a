package email

import (
	"time"

	"github.com/brandon/mailpipe/pkg/types"
)

// EventKind identifies a session lifecycle or progress signal.
type EventKind int

const (
	// EventConnected is emitted after a successful credential exchange.
	EventConnected EventKind = iota

	// EventMailboxOpened is emitted after a mailbox is selected read-only.
	EventMailboxOpened

	// EventInitialSyncComplete is emitted once per mailbox after the bulk
	// header sync finishes. Count may be zero; that is not an error.
	EventInitialSyncComplete

	// EventMessage signals one new envelope available for full fetch.
	EventMessage

	// EventExpunge signals a server-side message removal. Sequence number
	// only; no document deletion is performed by the pipeline.
	EventExpunge

	// EventError reports a protocol-level error. Always followed by a
	// reconnect unless the session is closing.
	EventError

	// EventReconnectScheduled is emitted when a reconnect timer is armed.
	EventReconnectScheduled
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMailboxOpened:
		return "mailbox_opened"
	case EventInitialSyncComplete:
		return "initial_sync_complete"
	case EventMessage:
		return "message"
	case EventExpunge:
		return "expunge"
	case EventError:
		return "error"
	case EventReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "unknown"
	}
}

// Event is one entry in a session's ordered signal stream. Only the
// fields relevant to its Kind are populated.
type Event struct {
	Kind    EventKind
	Account string
	Mailbox string

	// EventMessage
	Envelope *types.MailEnvelope

	// EventInitialSyncComplete
	Count     int
	Envelopes []types.MailEnvelope

	// EventExpunge
	SeqNum uint32

	// EventReconnectScheduled
	Attempt int
	Delay   time.Duration

	// EventError
	Err error
}
