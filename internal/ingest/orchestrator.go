// Package ingest owns the set of account sessions and fans each new
// message out to the index and the enrichment steps. Indexing is
// synchronous with respect to the triggering signal; classification and
// notification run as supervised background tasks that never block or
// crash the ingestion loop.
package ingest

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailpipe/internal/email"
	"github.com/brandon/mailpipe/pkg/types"
)

// MessageSource is the narrow session surface the orchestrator consumes.
type MessageSource interface {
	Name() string
	Start() error
	Close()
	Events() <-chan email.Event
	FetchFullMessage(ctx context.Context, mailbox string, uid uint32) ([]byte, error)
}

// DocumentIndex is the index store contract the pipeline writes to.
type DocumentIndex interface {
	Put(doc *types.EmailDocument) error
	UpdateCategory(id string, category types.Category) error
}

// Classifier assigns a category label; it degrades to Uncategorized
// rather than returning an error.
type Classifier interface {
	Classify(ctx context.Context, subject, body string) types.Category
}

// Notifier delivers an indexed document to external sinks, best-effort.
type Notifier interface {
	Notify(ctx context.Context, doc *types.EmailDocument)
}

// Orchestrator subscribes to every session's signal stream and drives the
// index-then-enrich pipeline per message.
type Orchestrator struct {
	sources    []MessageSource
	index      DocumentIndex
	classifier Classifier
	notifier   Notifier
	logger     *logrus.Logger

	enrichWG sync.WaitGroup
}

// New creates an orchestrator over the given sessions and consumers.
func New(sources []MessageSource, index DocumentIndex, classifier Classifier, notifier Notifier, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		sources:    sources,
		index:      index,
		classifier: classifier,
		notifier:   notifier,
		logger:     logger,
	}
}

// Run starts every session and consumes their signal streams until the
// context is cancelled. Ordering is preserved within a session; messages
// from different sessions are processed concurrently. On return every
// session is closed and all in-flight enrichment tasks have finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, src := range o.sources {
		if err := src.Start(); err != nil {
			o.logger.WithError(err).WithField("account", src.Name()).Error("Failed to start session")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range o.sources {
		src := src
		g.Go(func() error {
			o.consume(gctx, src)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		o.closeSources()
		return nil
	})

	err := g.Wait()
	o.enrichWG.Wait()
	return err
}

func (o *Orchestrator) closeSources() {
	for _, src := range o.sources {
		o.logger.WithField("account", src.Name()).Info("Closing session")
		src.Close()
	}
}

// consume drains one session's event stream until it is closed. Events
// arrive in order; each message's processing is independent, so a failure
// never blocks the next signal.
func (o *Orchestrator) consume(ctx context.Context, src MessageSource) {
	for ev := range src.Events() {
		log := o.logger.WithFields(logrus.Fields{
			"account": ev.Account,
			"mailbox": ev.Mailbox,
		})

		switch ev.Kind {
		case email.EventConnected:
			log.Info("Session connected")

		case email.EventMailboxOpened:
			log.Info("Mailbox opened")

		case email.EventInitialSyncComplete:
			log.WithField("count", ev.Count).Info("Initial sync complete")
			for i := range ev.Envelopes {
				o.ingest(ctx, src, &ev.Envelopes[i])
			}

		case email.EventMessage:
			o.ingest(ctx, src, ev.Envelope)

		case email.EventExpunge:
			// Observed only; the pipeline never deletes documents.
			log.WithField("seq", ev.SeqNum).Debug("Message expunged on server")

		case email.EventError:
			log.WithError(ev.Err).Warn("Session reported error")

		case email.EventReconnectScheduled:
			log.WithFields(logrus.Fields{
				"attempt": ev.Attempt,
				"delay":   ev.Delay,
			}).Info("Session reconnect scheduled")
		}
	}
}

// ingest resolves the full raw message, parses it and writes it to the
// index with the default category. The message counts as ingested only
// once the index write is acknowledged; enrichment is then dispatched
// without blocking further signals.
func (o *Orchestrator) ingest(ctx context.Context, src MessageSource, envelope *types.MailEnvelope) {
	log := o.logger.WithFields(logrus.Fields{
		"account": envelope.AccountName,
		"mailbox": envelope.Mailbox,
		"uid":     envelope.UID,
	})

	raw, err := src.FetchFullMessage(ctx, envelope.Mailbox, envelope.UID)
	if err != nil {
		log.WithError(err).Error("Failed to fetch full message")
		return
	}

	doc := buildDocument(envelope, raw, o.logger)
	if err := o.index.Put(doc); err != nil {
		log.WithError(err).WithField("doc_id", doc.ID).Error("Failed to index document")
		return
	}
	log.WithField("doc_id", doc.ID).Info("Document indexed")

	o.enrichWG.Add(1)
	go func() {
		defer o.enrichWG.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.WithField("doc_id", doc.ID).WithField("panic", r).Error("Enrichment panicked")
			}
		}()
		o.enrich(ctx, doc)
	}()
}

// enrich classifies an already-indexed document and, for the actionable
// label, triggers notification. Failures here are terminal for this
// message's enrichment only: the document stays indexed with its default
// category.
func (o *Orchestrator) enrich(ctx context.Context, doc *types.EmailDocument) {
	if o.classifier == nil {
		return
	}

	category := o.classifier.Classify(ctx, doc.Subject, doc.Body)
	if category != types.CategoryUncategorized {
		if err := o.index.UpdateCategory(doc.ID, category); err != nil {
			o.logger.WithError(err).WithField("doc_id", doc.ID).Error("Failed to update category")
			return
		}
		doc.Category = category
		o.logger.WithFields(logrus.Fields{
			"doc_id":   doc.ID,
			"category": category,
		}).Info("Document classified")
	}

	if category == types.ActionableCategory && o.notifier != nil {
		o.notifier.Notify(ctx, doc)
	}
}
