// Package notify delivers indexed documents to configured webhook sinks.
// Delivery is fire-and-forget: failures are logged, never retried beyond
// the bounded backoff, and never propagate to the ingestion path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailpipe/internal/retry"
	"github.com/brandon/mailpipe/pkg/types"
)

const (
	deliveryAttempts  = 3
	deliveryBaseDelay = time.Second
)

// Notifier posts document payloads to zero or more webhook sinks.
type Notifier struct {
	sinks  []string
	client *http.Client
	logger *logrus.Logger
}

// NewNotifier creates a notifier for the given sink URLs. An empty list
// is valid; Notify becomes a no-op.
func NewNotifier(sinks []string, logger *logrus.Logger) *Notifier {
	return &Notifier{
		sinks: sinks,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Notify delivers the document to every configured sink. Best-effort:
// each sink gets a bounded number of attempts and a failure on one sink
// does not affect the others.
func (n *Notifier) Notify(ctx context.Context, doc *types.EmailDocument) {
	if len(n.sinks) == 0 {
		return
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		n.logger.WithError(err).WithField("doc_id", doc.ID).Error("Failed to marshal notification payload")
		return
	}

	for _, sink := range n.sinks {
		deliveryID := uuid.NewString()
		_, err := retry.Do(ctx, deliveryAttempts, deliveryBaseDelay, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, n.deliver(ctx, sink, deliveryID, payload)
		})
		if err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"sink":        sink,
				"doc_id":      doc.ID,
				"delivery_id": deliveryID,
			}).Error("Webhook delivery failed")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"sink":        sink,
			"doc_id":      doc.ID,
			"delivery_id": deliveryID,
		}).Info("Webhook delivered")
	}
}

func (n *Notifier) deliver(ctx context.Context, sink, deliveryID string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, sink)
	}
	return nil
}
