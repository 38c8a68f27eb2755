package notion

import (
	"encoding/json"
	"errors"
)

var (
	ErrMissingData   = errors.New("webhook payload missing data object")
	ErrMissingPageID = errors.New("webhook payload missing data.id")
)

// Event types this relay understands. Database-level events arrive on the
// same webhook but carry no page to sync, so the dispatcher ignores them.
const (
	EventPageCreated     = "page.created"
	EventPageUpdated     = "page.updated"
	EventPageDeleted     = "page.deleted"
	EventDatabaseCreated = "database.created"
	EventDatabaseUpdated = "database.updated"
	EventDatabaseDeleted = "database.deleted"
)

// WebhookPayload is the inbound webhook body after HTTP-level validation.
// EventType is optional; when absent it is inferred from the page state.
type WebhookPayload struct {
	EventType string         `json:"event_type,omitempty"`
	Source    map[string]any `json:"source,omitempty"`
	Data      *PageData      `json:"data"`
}

// PageData is the Notion page record carried by a webhook delivery.
type PageData struct {
	ID             string                     `json:"id"`
	Object         string                     `json:"object"`
	Parent         *PageParent                `json:"parent,omitempty"`
	CreatedTime    string                     `json:"created_time"`
	LastEditedTime string                     `json:"last_edited_time"`
	Archived       bool                       `json:"archived"`
	InTrash        bool                       `json:"in_trash"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

type PageParent struct {
	DatabaseID string `json:"database_id"`
}

// Event is the normalized, immutable representation of one webhook delivery.
// It exists for the duration of a single dispatch and is never persisted;
// the JSON tags are the queue wire format read by the sync service.
type Event struct {
	EventType      string                     `json:"event_type"`
	PageID         string                     `json:"page_id"`
	DatabaseID     string                     `json:"database_id,omitempty"`
	LastEditedTime string                     `json:"last_edited_time,omitempty"`
	CreatedTime    string                     `json:"created_time,omitempty"`
	Archived       bool                       `json:"archived"`
	InTrash        bool                       `json:"in_trash"`
	Properties     map[string]Property        `json:"properties"`
	RawProperties  map[string]json.RawMessage `json:"raw_properties"`
	Sync2JIRA      bool                       `json:"sync2jira"`
	SourceInfo     map[string]any             `json:"source_info,omitempty"`
}

// ParseWebhook builds an Event from a validated webhook payload: properties
// are normalized, the sync intent is computed, and the event type is carried
// over or inferred. The page id is the only hard requirement here.
func ParseWebhook(payload WebhookPayload) (*Event, error) {
	if payload.Data == nil {
		return nil, ErrMissingData
	}
	if payload.Data.ID == "" {
		return nil, ErrMissingPageID
	}

	parsed, raw := NormalizeProperties(payload.Data.Properties)

	event := &Event{
		EventType:      inferEventType(payload),
		PageID:         payload.Data.ID,
		LastEditedTime: payload.Data.LastEditedTime,
		CreatedTime:    payload.Data.CreatedTime,
		Archived:       payload.Data.Archived,
		InTrash:        payload.Data.InTrash,
		Properties:     parsed,
		RawProperties:  raw,
		Sync2JIRA:      ShouldSync(parsed),
		SourceInfo:     payload.Source,
	}
	if payload.Data.Parent != nil {
		event.DatabaseID = payload.Data.Parent.DatabaseID
	}
	return event, nil
}

// inferEventType honors an explicit event_type when the sender provides one.
// Otherwise a trashed or archived page reads as a deletion and everything
// else as an update, since button-triggered deliveries carry no lifecycle
// marker of their own.
func inferEventType(payload WebhookPayload) string {
	if payload.EventType != "" {
		return payload.EventType
	}
	if payload.Data.InTrash || payload.Data.Archived {
		return EventPageDeleted
	}
	return EventPageUpdated
}
