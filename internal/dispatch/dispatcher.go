// Package dispatch classifies normalized Notion events into sync lifecycle
// actions and enqueues the resulting tasks on the owning tenant's partition.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChenyqThu/Notion2JIRA/internal/notion"
)

var ErrMissingPageID = errors.New("event missing page id")

// SyncQueue is the list every sync task lands on within a partition.
const SyncQueue = "sync_queue"

// MappingCachePrefix keys the best-effort pageID → JIRA linkage cache.
const MappingCachePrefix = "mapping:"

// Task types consumed by the downstream sync service.
const (
	TaskCreate = "notion_to_jira_create"
	TaskUpdate = "notion_to_jira_update"
	TaskDelete = "notion_to_jira_delete"
)

// Task priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var taskPriorities = map[string]string{
	TaskCreate: PriorityHigh,
	TaskUpdate: PriorityMedium,
	TaskDelete: PriorityHigh,
}

// Broker is the slice of the queue router the dispatcher needs. Implemented
// by *broker.Router; tests substitute fakes.
type Broker interface {
	PushTask(ctx context.Context, tenantID, queue string, payload any) (string, error)
	GetCache(ctx context.Context, tenantID, key string) json.RawMessage
}

// TaskPayload is the "data" member of a queue envelope.
type TaskPayload struct {
	Type      string        `json:"type"`
	Source    string        `json:"source"`
	EventData *notion.Event `json:"event_data"`
	CreatedAt string        `json:"created_at"`
	Priority  string        `json:"priority"`
}

// Result reports the outcome of one dispatch. Processed is false for
// unsupported event types and for deletions of pages that were never
// linked; neither is an error.
type Result struct {
	Processed bool   `json:"processed"`
	Action    string `json:"action,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// TaskSummary is handed to the enqueue hook for observability.
type TaskSummary struct {
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	Priority  string `json:"priority"`
	PageID    string `json:"page_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// Dispatcher maps one inbound event to at most one enqueued sync task.
type Dispatcher struct {
	broker    Broker
	logger    *zap.Logger
	onEnqueue func(TaskSummary)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatch logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithEnqueueHook registers a callback invoked after every successful
// enqueue, used by the admin event feed.
func WithEnqueueHook(hook func(TaskSummary)) Option {
	return func(d *Dispatcher) {
		d.onEnqueue = hook
	}
}

func New(b Broker, opts ...Option) *Dispatcher {
	d := &Dispatcher{broker: b, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs the lifecycle state machine for one event. The cache probe
// and the enqueue are the only side effects; both are bounded by ctx, so an
// aborted dispatch leaves nothing inconsistent.
func (d *Dispatcher) Dispatch(ctx context.Context, event *notion.Event) (Result, error) {
	if event == nil || event.PageID == "" {
		return Result{}, ErrMissingPageID
	}

	title := notion.ExtractTitle(event.Properties)
	d.logger.Info("dispatching event",
		zap.String("event_type", event.EventType),
		zap.String("page_id", event.PageID),
		zap.String("tenant", event.DatabaseID),
		zap.String("title", title),
		zap.Bool("sync2jira", event.Sync2JIRA))

	switch event.EventType {
	case notion.EventPageCreated:
		return d.handleCreated(ctx, event, title)
	case notion.EventPageUpdated:
		return d.handleUpdated(ctx, event, title)
	case notion.EventPageDeleted:
		return d.handleDeleted(ctx, event, title)
	default:
		d.logger.Info("unsupported event type",
			zap.String("event_type", event.EventType),
			zap.String("page_id", event.PageID))
		return Result{Processed: false, Reason: "unsupported_event_type"}, nil
	}
}

func (d *Dispatcher) handleCreated(ctx context.Context, event *notion.Event, title string) (Result, error) {
	if !event.Sync2JIRA {
		return Result{Processed: true, Action: "page_created"}, nil
	}
	taskID, err := d.enqueue(ctx, TaskCreate, event, title)
	if err != nil {
		return Result{}, err
	}
	return Result{Processed: true, Action: "page_created", TaskID: taskID}, nil
}

// handleUpdated treats an update with no known JIRA linkage as an implicit
// first sync: absence of a cache entry only means "not cached", and the
// create path downstream is idempotent against an existing issue.
func (d *Dispatcher) handleUpdated(ctx context.Context, event *notion.Event, title string) (Result, error) {
	if !event.Sync2JIRA {
		return Result{Processed: true, Action: "page_updated"}, nil
	}
	taskType := TaskCreate
	if d.mappingExists(ctx, event) {
		taskType = TaskUpdate
	}
	taskID, err := d.enqueue(ctx, taskType, event, title)
	if err != nil {
		return Result{}, err
	}
	return Result{Processed: true, Action: "page_updated", TaskID: taskID}, nil
}

// handleDeleted ignores the sync flag: if a linkage exists the downstream
// issue must be told regardless of the page's final opt-out state.
func (d *Dispatcher) handleDeleted(ctx context.Context, event *notion.Event, title string) (Result, error) {
	if !d.mappingExists(ctx, event) {
		return Result{Processed: false, Reason: "no_existing_mapping"}, nil
	}
	taskID, err := d.enqueue(ctx, TaskDelete, event, title)
	if err != nil {
		return Result{}, err
	}
	return Result{Processed: true, Action: "page_deleted", TaskID: taskID}, nil
}

func (d *Dispatcher) mappingExists(ctx context.Context, event *notion.Event) bool {
	return d.broker.GetCache(ctx, event.DatabaseID, MappingCachePrefix+event.PageID) != nil
}

func (d *Dispatcher) enqueue(ctx context.Context, taskType string, event *notion.Event, title string) (string, error) {
	priority, ok := taskPriorities[taskType]
	if !ok {
		priority = PriorityLow
	}
	createdAt := time.Now().UTC().Format(time.RFC3339)
	payload := TaskPayload{
		Type:      taskType,
		Source:    "notion",
		EventData: event,
		CreatedAt: createdAt,
		Priority:  priority,
	}
	taskID, err := d.broker.PushTask(ctx, event.DatabaseID, SyncQueue, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s for page %s: %w", taskType, event.PageID, err)
	}
	if d.onEnqueue != nil {
		d.onEnqueue(TaskSummary{
			TaskID:    taskID,
			TaskType:  taskType,
			Priority:  priority,
			PageID:    event.PageID,
			TenantID:  event.DatabaseID,
			Title:     title,
			CreatedAt: createdAt,
		})
	}
	return taskID, nil
}
