package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailpipe/internal/config"
	"github.com/brandon/mailpipe/pkg/types"
)

// SessionState is the lifecycle phase of an account session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticated
	StateSyncingInitial
	StateWatching
	StateFetchingNew
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSyncingInitial:
		return "syncing_initial"
	case StateWatching:
		return "watching"
	case StateFetchingNew:
		return "fetching_new"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// idleInterval is how long a single IDLE cycle is held before the
	// keepalive re-issue; kept under the 30-minute server timeout.
	idleInterval = 29 * time.Minute

	// reconnectDelay is the fixed wait before a reconnect attempt. The run
	// loop is sequential, so at most one reconnect timer is ever pending.
	reconnectDelay = 5 * time.Second

	eventBuffer  = 64
	updateBuffer = 32
)

var (
	errSessionClosed       = errors.New("session closed")
	errSessionReconnecting = errors.New("session reconnecting")
)

type fetchRequest struct {
	mailbox string
	uid     uint32
	reply   chan fetchResult
}

type fetchResult struct {
	raw []byte
	err error
}

// Session owns one physical IMAP connection to one mail account and runs
// its connection state machine. All connection state is owned exclusively
// by the run loop goroutine; external interaction happens through the
// event stream and the fetch request channel. Sessions are single-use:
// once closed they cannot be restarted.
type Session struct {
	cfg         *config.AccountConfig
	logger      *logrus.Entry
	syncWindow  time.Duration
	fetchRecent int

	events  chan Event
	fetchCh chan fetchRequest
	closeCh chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool

	state atomic.Int32

	// Run-loop-owned; never accessed from outside run().
	client     *client.Client
	mailbox    string
	msgCount   uint32
	lastUID    map[string]uint32
	reconnects int
}

// NewSession creates a session for one configured account. It does not
// connect; call Start.
func NewSession(cfg *config.AccountConfig, syncWindowDays, fetchRecentCount int, logger *logrus.Logger) *Session {
	return &Session{
		cfg:         cfg,
		logger:      logger.WithField("account", cfg.Name),
		syncWindow:  time.Duration(syncWindowDays) * 24 * time.Hour,
		fetchRecent: fetchRecentCount,
		events:      make(chan Event, eventBuffer),
		fetchCh:     make(chan fetchRequest),
		closeCh:     make(chan struct{}),
		done:        make(chan struct{}),
		lastUID:     make(map[string]uint32),
	}
}

// Name returns the configured account name.
func (s *Session) Name() string {
	return s.cfg.Name
}

// Events returns the session's ordered signal stream. The channel is
// closed when the session reaches the Closed state; no events are ever
// emitted after that.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State reports the current lifecycle phase.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Start begins the Disconnected -> Connecting transition. It is
// idempotent; calling it on a closed session returns an error.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	go s.run()
	return nil
}

// Close transitions the session to Closed, cancels pending timers,
// releases the connection and waits for the run loop to exit. Idempotent.
// After Close returns, no further events are emitted.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}
		return
	}
	s.closed = true
	started := s.started
	close(s.closeCh)
	s.mu.Unlock()

	if started {
		<-s.done
	} else {
		s.setState(StateClosed)
		close(s.events)
		close(s.done)
	}
}

// FetchFullMessage retrieves the complete raw message bytes for a single
// UID in the given mailbox. Safe to call concurrently with the session's
// own activity: requests are queued and serviced by the run loop between
// IDLE cycles, so protocol commands stay serialized per session. Requests
// queued while the session is reconnecting fail with an error instead of
// waiting for the transport to recover; the context bounds the wait
// through any remaining blind spots (dial, login, in-flight commands).
func (s *Session) FetchFullMessage(ctx context.Context, mailbox string, uid uint32) ([]byte, error) {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return nil, errSessionClosed
	}
	if !started {
		return nil, fmt.Errorf("session not started")
	}

	req := fetchRequest{mailbox: mailbox, uid: uid, reply: make(chan fetchResult, 1)}
	select {
	case s.fetchCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errSessionClosed
	}
	select {
	case res := <-req.reply:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errSessionClosed
	}
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
	s.logger.WithField("state", st.String()).Debug("Session state changed")
}

func (s *Session) prepare(ev Event) Event {
	ev.Account = s.cfg.Name
	if ev.Mailbox == "" {
		ev.Mailbox = s.mailbox
	}
	return ev
}

// emitServing delivers an event, servicing queued full-message fetches
// while delivery is blocked. The sole events consumer may itself be
// waiting on a fetch, so delivery and fetch service must never exclude
// each other. Callable only with a usable connection and no command in
// flight.
func (s *Session) emitServing(ev Event) error {
	ev = s.prepare(ev)
	for {
		select {
		case s.events <- ev:
			return nil
		case req := <-s.fetchCh:
			if err := s.serveFetch(req); err != nil {
				return err
			}
		case <-s.closeCh:
			return errSessionClosed
		}
	}
}

// emitFailing delivers an event while rejecting fetch requests with the
// given reason; used when no connection is available to serve them.
func (s *Session) emitFailing(ev Event, reason error) {
	ev = s.prepare(ev)
	for {
		select {
		case s.events <- ev:
			return
		case req := <-s.fetchCh:
			req.reply <- fetchResult{err: reason}
		case <-s.closeCh:
			return
		}
	}
}

// run is the session's single goroutine. It drives connect, sync, watch
// and reconnect until an explicit close.
func (s *Session) run() {
	defer func() {
		s.teardown()
		s.setState(StateClosed)
		close(s.events)
		close(s.done)
	}()

	s.setState(StateDisconnected)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		err := s.connectAndWatch()
		if errors.Is(err, errSessionClosed) {
			return
		}
		// Every protocol-level error is non-fatal: report it and
		// schedule a reconnect.
		s.logger.WithError(err).Error("Session error, scheduling reconnect")
		s.emitFailing(Event{Kind: EventError, Err: err}, errSessionReconnecting)
		if !s.waitReconnect() {
			return
		}
	}
}

// waitReconnect arms the fixed reconnect delay. Fetch requests arriving
// while the delay runs are failed immediately so callers are never parked
// across reconnect cycles. Returns false when the session was closed
// while waiting.
func (s *Session) waitReconnect() bool {
	s.teardown()
	s.setState(StateReconnecting)
	s.reconnects++
	s.emitFailing(Event{Kind: EventReconnectScheduled, Attempt: s.reconnects, Delay: reconnectDelay}, errSessionReconnecting)

	timer := time.NewTimer(reconnectDelay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case req := <-s.fetchCh:
			req.reply <- fetchResult{err: errSessionReconnecting}
		case <-s.closeCh:
			return false
		}
	}
}

func (s *Session) teardown() {
	if s.client == nil {
		return
	}
	c := s.client
	s.client = nil
	s.mailbox = ""

	// Bounded graceful logout; force-drop the connection if the server
	// does not answer.
	done := make(chan struct{})
	go func() {
		c.Logout() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Terminate() //nolint:errcheck
	}
}

// connectAndWatch performs one full pass of the state machine: connect,
// authenticate, initial sync of every configured mailbox, then hold the
// first mailbox in live-notification mode until an error or close.
func (s *Session) connectAndWatch() error {
	s.setState(StateConnecting)
	addr := fmt.Sprintf("%s:%d", s.cfg.IMAPHost, s.cfg.IMAPPort)

	var (
		c   *client.Client
		err error
	)
	if s.cfg.TLS {
		c, err = client.DialTLS(addr, &tls.Config{
			ServerName: s.cfg.IMAPHost,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	s.client = c

	if err := c.Login(s.cfg.IMAPUsername, s.cfg.IMAPPassword); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	s.setState(StateAuthenticated)
	s.logger.Info("Connected to IMAP server")
	if err := s.emitServing(Event{Kind: EventConnected}); err != nil {
		return err
	}

	// Initial sync for every configured mailbox, in order.
	for _, mailbox := range s.cfg.Mailboxes {
		if err := s.syncMailbox(mailbox); err != nil {
			return err
		}
		select {
		case <-s.closeCh:
			return errSessionClosed
		default:
		}
	}

	return s.watch(s.cfg.Mailboxes[0])
}

// syncMailbox selects a mailbox read-only and bulk-fetches headers for
// messages within the trailing sync window. An empty result set is a
// valid zero-count completion, not an error.
func (s *Session) syncMailbox(mailbox string) error {
	status, err := s.client.Select(mailbox, true)
	if err != nil {
		return fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}
	s.mailbox = mailbox
	s.msgCount = status.Messages
	if err := s.emitServing(Event{Kind: EventMailboxOpened, Mailbox: mailbox}); err != nil {
		return err
	}

	s.setState(StateSyncingInitial)
	criteria := imap.NewSearchCriteria()
	criteria.Since = time.Now().Add(-s.syncWindow)
	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("failed to search mailbox %s: %w", mailbox, err)
	}

	var envelopes []types.MailEnvelope
	if len(uids) > 0 {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids...)
		envelopes, err = s.fetchEnvelopes(seqSet, true)
		if err != nil {
			return fmt.Errorf("failed to fetch headers for mailbox %s: %w", mailbox, err)
		}
	}

	for _, env := range envelopes {
		if env.UID > s.lastUID[mailbox] {
			s.lastUID[mailbox] = env.UID
		}
	}

	s.logger.WithFields(logrus.Fields{
		"mailbox": mailbox,
		"count":   len(envelopes),
	}).Info("Initial sync complete")
	return s.emitServing(Event{
		Kind:      EventInitialSyncComplete,
		Mailbox:   mailbox,
		Count:     len(envelopes),
		Envelopes: envelopes,
	})
}

// headerSection requests only the envelope header fields, leaving the
// message unread on the server.
func headerSection() *imap.BodySectionName {
	return &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"Subject", "From", "To", "Date"},
		},
		Peek: true,
	}
}

// fetchEnvelopes fetches header fields plus structural metadata for the
// given set and runs each header block through the envelope extractor.
// The set is interpreted as UIDs when byUID is true, else sequence numbers.
func (s *Session) fetchEnvelopes(seqSet *imap.SeqSet, byUID bool) ([]types.MailEnvelope, error) {
	section := headerSection()
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchBodyStructure,
		imap.FetchFlags,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, 10)
	doneCh := make(chan error, 1)
	go func() {
		if byUID {
			doneCh <- s.client.UidFetch(seqSet, items, messages)
		} else {
			doneCh <- s.client.Fetch(seqSet, items, messages)
		}
	}()

	var envelopes []types.MailEnvelope
	for msg := range messages {
		var headerRaw []byte
		if literal := msg.GetBody(section); literal != nil {
			headerRaw, _ = io.ReadAll(literal)
		}
		envelopes = append(envelopes, BuildEnvelope(
			s.cfg.Name, s.mailbox, msg.Uid, msg.Flags, headerRaw, msg.BodyStructure,
		))
	}

	if err := <-doneCh; err != nil {
		return nil, err
	}
	return envelopes, nil
}

// watch holds the mailbox in live-notification mode. Each loop iteration
// is one IDLE cycle; server pushes, the keepalive deadline, queued full
// fetches and close requests all suspend the cycle, and the loop re-enters
// IDLE afterwards with a fresh deadline.
func (s *Session) watch(mailbox string) error {
	if s.mailbox != mailbox {
		status, err := s.client.Select(mailbox, true)
		if err != nil {
			return fmt.Errorf("failed to select watch mailbox %s: %w", mailbox, err)
		}
		s.mailbox = mailbox
		s.msgCount = status.Messages
	}

	updates := make(chan client.Update, updateBuffer)
	s.client.Updates = updates

	for {
		s.setState(StateWatching)
		s.reconnects = 0

		stop := make(chan struct{})
		idleDone := make(chan error, 1)
		go func() {
			idleDone <- s.client.Idle(stop, &client.IdleOptions{LogoutTimeout: idleInterval})
		}()

		// suspend ends the current IDLE cycle so a command can be issued.
		suspend := func() error {
			close(stop)
			return <-idleDone
		}

		deadline := time.NewTimer(idleInterval)
		newMail := false
		var cycleErr error

	cycle:
		for {
			select {
			case <-s.closeCh:
				suspend() //nolint:errcheck
				deadline.Stop()
				return errSessionClosed

			case err := <-idleDone:
				// IDLE ended on its own: treat errors as a transport
				// failure, otherwise just start a fresh cycle.
				deadline.Stop()
				if err != nil {
					return fmt.Errorf("idle failed: %w", err)
				}
				break cycle

			case <-deadline.C:
				// Keepalive: re-issue the watch request.
				s.logger.Debug("Idle deadline elapsed, re-issuing watch")
				cycleErr = suspend()
				break cycle

			case upd := <-updates:
				switch u := upd.(type) {
				case *client.MailboxUpdate:
					if u.Mailbox != nil {
						if u.Mailbox.Messages > s.msgCount {
							newMail = true
						}
						s.msgCount = u.Mailbox.Messages
					}
					if newMail {
						cycleErr = suspend()
						deadline.Stop()
						break cycle
					}
				case *client.ExpungeUpdate:
					// Observed only; deletion policy is downstream's call.
					if s.msgCount > 0 {
						s.msgCount--
					}
					ev := s.prepare(Event{Kind: EventExpunge, SeqNum: u.SeqNum})
					select {
					case s.events <- ev:
					default:
						// Buffer full; the consumer may be parked on a
						// fetch, so end the cycle and deliver while
						// serving the queue.
						deadline.Stop()
						if err := suspend(); err != nil {
							return fmt.Errorf("idle failed: %w", err)
						}
						if err := s.emitServing(ev); err != nil {
							return err
						}
						break cycle
					}
				}

			case req := <-s.fetchCh:
				cycleErr = suspend()
				deadline.Stop()
				if cycleErr != nil {
					req.reply <- fetchResult{err: cycleErr}
					return fmt.Errorf("idle failed: %w", cycleErr)
				}
				if err := s.serveFetch(req); err != nil {
					return err
				}
				if err := s.drainFetchQueue(); err != nil {
					return err
				}
				break cycle
			}
		}

		deadline.Stop()
		if cycleErr != nil {
			return fmt.Errorf("idle failed: %w", cycleErr)
		}

		// Unilateral updates may have arrived while commands were in
		// flight; fold them in before deciding on a fetch.
		drained, err := s.drainUpdates(updates)
		if err != nil {
			return err
		}
		newMail = drained || newMail

		if newMail {
			if err := s.fetchNew(); err != nil {
				return err
			}
		}
	}
}

// drainUpdates consumes buffered unilateral updates without blocking and
// reports whether any of them indicate new mail. Runs only between
// commands, so expunge delivery may serve queued fetches.
func (s *Session) drainUpdates(updates <-chan client.Update) (bool, error) {
	newMail := false
	for {
		select {
		case upd := <-updates:
			switch u := upd.(type) {
			case *client.MailboxUpdate:
				if u.Mailbox != nil {
					if u.Mailbox.Messages > s.msgCount {
						newMail = true
					}
					s.msgCount = u.Mailbox.Messages
				}
			case *client.ExpungeUpdate:
				if s.msgCount > 0 {
					s.msgCount--
				}
				if err := s.emitServing(Event{Kind: EventExpunge, SeqNum: u.SeqNum}); err != nil {
					return newMail, err
				}
			}
		default:
			return newMail, nil
		}
	}
}

// drainFetchQueue services any full-message fetches already queued, so a
// burst of concurrent callers does not pay one IDLE cycle each.
func (s *Session) drainFetchQueue() error {
	for {
		select {
		case req := <-s.fetchCh:
			if err := s.serveFetch(req); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// fetchNew fetches headers for the most recent messages in the mailbox.
// The IDLE notification does not reliably identify which messages are
// new, so a bounded recent window is re-fetched and envelopes whose UID
// was already seen are dropped; the index's upsert-by-id absorbs the rest.
func (s *Session) fetchNew() error {
	s.setState(StateFetchingNew)

	total := s.msgCount
	if total == 0 {
		return nil
	}
	from := uint32(1)
	if total > uint32(s.fetchRecent) {
		from = total - uint32(s.fetchRecent) + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, total)

	envelopes, err := s.fetchEnvelopes(seqSet, false)
	if err != nil {
		return fmt.Errorf("failed to fetch new messages: %w", err)
	}

	for i := range envelopes {
		env := envelopes[i]
		if env.UID <= s.lastUID[s.mailbox] {
			continue
		}
		s.lastUID[s.mailbox] = env.UID
		s.logger.WithFields(logrus.Fields{
			"uid":     env.UID,
			"subject": env.Subject,
		}).Info("New message detected")
		if err := s.emitServing(Event{Kind: EventMessage, Envelope: &env}); err != nil {
			return err
		}
	}
	return nil
}

// serveFetch retrieves the complete raw message for one queued request,
// switching mailboxes when the request targets one other than the watch
// mailbox. Request failures are reported to the caller, not treated as
// session errors: a missing UID must not tear down the connection. A
// failure to restore the watch mailbox is a session error: without it the
// next IDLE cycle would silently watch the wrong mailbox.
func (s *Session) serveFetch(req fetchRequest) error {
	if req.mailbox != "" && req.mailbox != s.mailbox {
		prev := s.mailbox
		if _, err := s.client.Select(req.mailbox, true); err != nil {
			req.reply <- fetchResult{err: fmt.Errorf("failed to select mailbox %s: %w", req.mailbox, err)}
			return nil
		}
		raw, err := s.fetchRaw(req.uid)
		req.reply <- fetchResult{raw: raw, err: err}

		// Before the watch mailbox is established there is nothing to
		// restore; the sync path selects its own mailbox next.
		if prev == "" {
			s.mailbox = req.mailbox
			return nil
		}
		status, err := s.client.Select(prev, true)
		if err != nil {
			return fmt.Errorf("failed to restore watch mailbox %s: %w", prev, err)
		}
		s.msgCount = status.Messages
		return nil
	}
	raw, err := s.fetchRaw(req.uid)
	req.reply <- fetchResult{raw: raw, err: err}
	return nil
}

func (s *Session) fetchRaw(uid uint32) ([]byte, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	doneCh := make(chan error, 1)
	go func() {
		doneCh <- s.client.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	for msg := range messages {
		if literal := msg.GetBody(section); literal != nil {
			raw, _ = io.ReadAll(literal)
		}
	}
	if err := <-doneCh; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d: no body returned", uid)
	}
	return raw, nil
}
