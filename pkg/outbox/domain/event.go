package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxEvent struct {
	ID            int64           `db:"id"`
	EventID       uuid.UUID       `db:"event_id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Topic         string          `db:"topic"`
	Payload       json.RawMessage `db:"payload"`
	Headers       json.RawMessage `db:"headers"`
	CreatedAt     time.Time       `db:"created_at"`
	PublishedAt   *time.Time      `db:"published_at"`
	Attempts      int             `db:"attempts"`
	LastError     *string         `db:"last_error"`
}

// HeaderMap decodes the stored headers. Rows written before headers existed decode to an empty map.
func (e *OutboxEvent) HeaderMap() (map[string]string, error) {
	headers := map[string]string{}
	if len(e.Headers) == 0 {
		return headers, nil
	}

	if err := json.Unmarshal(e.Headers, &headers); err != nil {
		return nil, err
	}

	return headers, nil
}
