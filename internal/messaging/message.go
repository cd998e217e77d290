// Package messaging carries pipeline events over RabbitMQ with at-least-once,
// manually acknowledged delivery.
package messaging

import (
	"fmt"

	"github.com/google/uuid"

	"docindex/internal/apperr"
)

// Kind names a logical channel. The Router maps it onto a concrete queue.
type Kind string

// KindDocumentUploaded is published once per successfully created document.
const KindDocumentUploaded Kind = "document.uploaded"

// Message is a publishable event.
type Message interface {
	Kind() Kind
}

// validator is implemented by messages with invariants beyond JSON shape.
type validator interface {
	Validate() error
}

// DocumentUploaded announces that a document binary and record exist and can be processed.
// Wire form: {"DocumentId":"<uuid>"}.
type DocumentUploaded struct {
	DocumentID uuid.UUID `json:"DocumentId"`
}

func (DocumentUploaded) Kind() Kind { return KindDocumentUploaded }

func (m DocumentUploaded) Validate() error {
	if m.DocumentID == uuid.Nil {
		return fmt.Errorf("%w: DocumentId is required", apperr.ErrDeserialization)
	}
	return nil
}

// Router resolves message kinds to queue names.
type Router struct {
	queues map[Kind]string
}

// NewRouter builds a Router from a kind -> queue table, typically config.RabbitMQConfig.Queues.
func NewRouter(queues map[string]string) (*Router, error) {
	r := &Router{queues: make(map[Kind]string, len(queues))}
	for kind, queue := range queues {
		if kind == "" || queue == "" {
			return nil, fmt.Errorf("%w: empty route %q -> %q", apperr.ErrInvalidArgument, kind, queue)
		}
		r.queues[Kind(kind)] = queue
	}
	return r, nil
}

// Queue returns the queue for k.
func (r *Router) Queue(k Kind) (string, error) {
	q, ok := r.queues[k]
	if !ok {
		return "", fmt.Errorf("%w: no queue routed for %q", apperr.ErrInvalidArgument, k)
	}
	return q, nil
}
