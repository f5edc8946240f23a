// Package notify broadcasts chunk completions to NATS so dashboards and
// downstream services can follow a conversion as it progresses.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/tts-coordinator/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "tts.audio.chunk.created"

// Error message constants.
const (
	errFmtMarshal = "failed to marshal chunk event for %s: %w"
	errFmtPublish = "failed to publish chunk event on %s: %w"
)

var (
	// ErrNilConnection is returned when the publisher is built without a connection.
	ErrNilConnection = errors.New("nats connection is nil")
	// ErrEmptySubject is returned when the publisher is built without a subject.
	ErrEmptySubject = errors.New("subject is empty")
)

// NATSPublisher implements core.Publisher with core NATS publish.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
	now     func() time.Time
}

// NewNATSPublisher returns a publisher that emits one
// events.AudioChunkCreatedEvent per completed chunk on subject.
func NewNATSPublisher(conn *nats.Conn, subject string, log *logger.Logger) (*NATSPublisher, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	if subject == "" {
		return nil, ErrEmptySubject
	}

	return &NATSPublisher{conn: conn, subject: subject, log: log, now: time.Now}, nil
}

// ChunkCompleted publishes the event. The session id travels as the
// workflow id and the completed count as the page number so existing
// consumers of the event can render progress unchanged.
func (p *NATSPublisher) ChunkCompleted(_ context.Context, event core.ChunkEvent) error {
	payload := Event(event, p.now())

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf(errFmtMarshal, event.SessionID, err)
	}

	err = p.conn.Publish(p.subject, data)
	if err != nil {
		return fmt.Errorf(errFmtPublish, p.subject, err)
	}

	p.log.Info("Published chunk (%d,%d) of session %s: %d/%d",
		event.ChapterID, event.ChunkID, event.SessionID, event.Completed, event.TotalChunks)

	return nil
}

// Event converts a completion into the shared event schema.
func Event(event core.ChunkEvent, at time.Time) events.AudioChunkCreatedEvent {
	return events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  at,
			WorkflowID: event.SessionID,
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		AudioKey:   event.AudioKey,
		PageNumber: event.Completed,
		TotalPages: event.TotalChunks,
	}
}
