// Package queue provides an in-memory priority message queue with bounded
// retries and completed/failed histories.
//
// Pending entries are kept in priority order: a new entry is inserted before
// the first entry of strictly lower priority, so equal priorities stay FIFO.
// Dequeue takes the first entry whose retry time has passed; entries still
// waiting are skipped, never blocked on.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/realtime/internal/buffer"
	"github.com/remote-agent-terminal/realtime/internal/model"
)

const (
	DefaultCapacity        = 10000
	DefaultHistorySize     = 1000
	DefaultRetention       = 24 * time.Hour
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = 5 * time.Second
	DefaultProcessInterval = 100 * time.Millisecond
)

// Handler processes one message. A returned error or a panic counts as a failure.
type Handler func(ctx context.Context, msg *model.QueuedMessage) error

// Config holds configuration for the queue.
type Config struct {
	Capacity          int
	HistorySize       int
	Retention         time.Duration
	DefaultMaxRetries int
	DefaultRetryDelay time.Duration
}

type registration struct {
	handler    Handler
	priority   model.Priority
	maxRetries int
	retryDelay time.Duration
}

// Status is a snapshot of queue counters.
type Status struct {
	Pending    int            `json:"pending"`
	Retrying   int            `json:"retrying"`
	Processing int            `json:"processing"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	ByType     map[string]int `json:"byType"`
	Handlers   []string       `json:"handlers"`
}

// Queue is a priority-ordered retrying delivery pipeline.
type Queue struct {
	log    zerolog.Logger
	now    func() time.Time
	config Config

	mu         sync.Mutex
	handlers   map[model.MessageType]registration
	pending    []*model.QueuedMessage
	processing map[string]*model.QueuedMessage
	completed  *buffer.Ring[*model.QueuedMessage]
	failed     *buffer.Ring[*model.QueuedMessage]

	wake chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue.
func New(log zerolog.Logger, config Config, opts ...Option) *Queue {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.DefaultMaxRetries < 0 {
		config.DefaultMaxRetries = DefaultMaxRetries
	}
	if config.DefaultRetryDelay < 0 {
		config.DefaultRetryDelay = DefaultRetryDelay
	}

	q := &Queue{
		log:        log,
		now:        time.Now,
		config:     config,
		handlers:   make(map[model.MessageType]registration),
		processing: make(map[string]*model.QueuedMessage),
		completed:  buffer.NewRing[*model.QueuedMessage](config.HistorySize),
		failed:     buffer.NewRing[*model.QueuedMessage](config.HistorySize),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterHandler binds fn to messages of type typ. priority is the default for
// messages enqueued without one; maxRetries and retryDelay govern failures.
func (q *Queue) RegisterHandler(typ model.MessageType, fn Handler, priority model.Priority, maxRetries int, retryDelay time.Duration) error {
	if typ == "" {
		return fmt.Errorf("%w: message type is required", model.ErrInvalidArgument)
	}
	if fn == nil {
		return fmt.Errorf("%w: handler is required", model.ErrInvalidArgument)
	}
	if !priority.Valid() {
		return fmt.Errorf("%w: invalid priority %d", model.ErrInvalidArgument, priority)
	}
	if maxRetries < 0 || retryDelay < 0 {
		return fmt.Errorf("%w: retries and delay must not be negative", model.ErrInvalidArgument)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[typ] = registration{
		handler:    fn,
		priority:   priority,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
	q.log.Debug().Str("type", string(typ)).Str("priority", priority.String()).Msg("handler registered")
	return nil
}

// HasHandler reports whether typ has a registered handler.
func (q *Queue) HasHandler(typ model.MessageType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.handlers[typ]
	return ok
}

type enqueueOptions struct {
	priority   model.Priority
	maxRetries *int
	metadata   map[string]string
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithPriority overrides the handler's default priority.
func WithPriority(p model.Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = p
	}
}

// WithMaxRetries overrides the handler's retry budget.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxRetries = &n
	}
}

// WithMetadata attaches metadata to the message.
func WithMetadata(md map[string]string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.metadata = maps.Clone(md)
	}
}

// Enqueue adds a message and returns its id. Payload is stored as JSON; raw
// JSON and byte slices are kept as-is.
//
// When the queue is full the oldest entry of the lowest priority present is
// moved to failed history; the new message is still accepted and the returned
// error wraps model.ErrQueueCapacityExceeded.
func (q *Queue) Enqueue(typ model.MessageType, payload any, opts ...EnqueueOption) (string, error) {
	if typ == "" {
		return "", fmt.Errorf("%w: message type is required", model.ErrInvalidArgument)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.priority != 0 && !o.priority.Valid() {
		return "", fmt.Errorf("%w: invalid priority %d", model.ErrInvalidArgument, o.priority)
	}

	q.mu.Lock()

	reg, registered := q.handlers[typ]
	priority := o.priority
	if priority == 0 {
		priority = model.PriorityNormal
		if registered {
			priority = reg.priority
		}
	}
	maxRetries := q.config.DefaultMaxRetries
	if registered {
		maxRetries = reg.maxRetries
	}
	if o.maxRetries != nil && *o.maxRetries >= 0 {
		maxRetries = *o.maxRetries
	}

	msg := &model.QueuedMessage{
		ID:         uuid.New().String(),
		Type:       typ,
		Payload:    raw,
		Priority:   priority,
		Status:     model.MessageStatusPending,
		CreatedAt:  q.now(),
		MaxRetries: maxRetries,
		Metadata:   o.metadata,
	}

	var evicted *model.QueuedMessage
	if len(q.pending) >= q.config.Capacity {
		evicted = q.evictLocked()
	}
	q.insertLocked(msg)
	q.mu.Unlock()

	q.notify()

	if evicted != nil {
		q.log.Warn().
			Str("evicted_id", evicted.ID).
			Str("evicted_type", string(evicted.Type)).
			Str("priority", evicted.Priority.String()).
			Msg("queue full, evicted pending message")
		return msg.ID, fmt.Errorf("%w: evicted message %s", model.ErrQueueCapacityExceeded, evicted.ID)
	}
	return msg.ID, nil
}

// ProcessOnce runs eligible messages until none remain or ctx is done. It returns
// the number of handler invocations.
func (q *Queue) ProcessOnce(ctx context.Context) int {
	processed := 0
	for ctx.Err() == nil {
		msg, reg, ok := q.dequeue()
		if !ok {
			break
		}
		if reg == nil {
			q.logMissing(msg)
			continue
		}

		err := q.invoke(ctx, reg.handler, msg)
		processed++

		if err != nil && ctx.Err() != nil {
			q.requeueCancelled(msg)
			break
		}
		q.finish(msg, reg, err)
	}
	return processed
}

// Run processes the queue every interval, and promptly after each Enqueue,
// until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultProcessInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.log.Info().Dur("interval", interval).Msg("queue processing started")
	for {
		select {
		case <-ctx.Done():
			q.log.Info().Msg("queue processing stopped")
			return nil
		case <-ticker.C:
		case <-q.wake:
		}
		q.ProcessOnce(ctx)
	}
}

// Status returns the message with id from the queue or its histories.
func (q *Queue) Status(id string) (*model.QueuedMessage, error) {
	q.mu.Lock()
	for _, m := range q.pending {
		if m.ID == id {
			c := m.Clone()
			q.mu.Unlock()
			return c, nil
		}
	}
	if m, ok := q.processing[id]; ok {
		c := m.Clone()
		q.mu.Unlock()
		return c, nil
	}
	q.mu.Unlock()

	byID := func(m *model.QueuedMessage) bool { return m.ID == id }
	if m, ok := q.completed.Find(byID); ok {
		return m.Clone(), nil
	}
	if m, ok := q.failed.Find(byID); ok {
		return m.Clone(), nil
	}
	return nil, model.ErrMessageNotFound
}

// QueueStatus returns queue-wide counters. ByType counts waiting messages.
func (q *Queue) QueueStatus() Status {
	q.mu.Lock()
	st := Status{
		Processing: len(q.processing),
		ByType:     make(map[string]int),
	}
	for _, m := range q.pending {
		if m.Status == model.MessageStatusRetrying {
			st.Retrying++
		} else {
			st.Pending++
		}
		st.ByType[string(m.Type)]++
	}
	for typ := range q.handlers {
		st.Handlers = append(st.Handlers, string(typ))
	}
	q.mu.Unlock()

	slices.Sort(st.Handlers)
	st.Completed = q.completed.Len()
	st.Failed = q.failed.Len()
	return st
}

// Failed returns up to limit dead-lettered messages, most recent first.
func (q *Queue) Failed(limit int) []*model.QueuedMessage {
	return cloneAll(q.failed.Recent(limit, nil))
}

// Completed returns up to limit completed messages, most recent first.
func (q *Queue) Completed(limit int) []*model.QueuedMessage {
	return cloneAll(q.completed.Recent(limit, nil))
}

// CleanupOldMessages drops history entries that finished before the retention
// window and returns how many were removed.
func (q *Queue) CleanupOldMessages() int {
	cutoff := q.now().Add(-q.config.Retention)
	keep := func(m *model.QueuedMessage) bool {
		finished := m.CreatedAt
		if m.ProcessedAt != nil {
			finished = *m.ProcessedAt
		}
		return finished.After(cutoff)
	}

	removed := q.completed.Retain(keep) + q.failed.Retain(keep)
	if removed > 0 {
		q.log.Debug().Int("removed", removed).Msg("old queue history cleaned up")
	}
	return removed
}

// dequeue removes the first eligible entry and marks it processing. reg is nil
// when the message type has no handler; that entry is already in failed history.
func (q *Queue) dequeue() (*model.QueuedMessage, *registration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, m := range q.pending {
		if m.NextRetryAt != nil && now.Before(*m.NextRetryAt) {
			continue
		}
		q.pending = slices.Delete(q.pending, i, i+1)

		reg, ok := q.handlers[m.Type]
		if !ok {
			m.Status = model.MessageStatusFailed
			m.ProcessedAt = &now
			m.Error = model.ErrHandlerMissing.Error()
			q.failed.Push(m)
			return m, nil, true
		}
		m.Status = model.MessageStatusProcessing
		q.processing[m.ID] = m
		return m, &reg, true
	}
	return nil, nil, false
}

// invoke runs h on a copy of msg and converts panics into errors.
func (q *Queue) invoke(ctx context.Context, h Handler, msg *model.QueuedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	q.mu.Lock()
	view := msg.Clone()
	q.mu.Unlock()
	return h(ctx, view)
}

func (q *Queue) finish(msg *model.QueuedMessage, reg *registration, err error) {
	q.mu.Lock()
	delete(q.processing, msg.ID)
	now := q.now()

	if err == nil {
		msg.Status = model.MessageStatusCompleted
		msg.ProcessedAt = &now
		msg.NextRetryAt = nil
		msg.Error = ""
		q.completed.Push(msg)
		q.mu.Unlock()

		q.log.Debug().Str("message_id", msg.ID).Str("type", string(msg.Type)).Msg("message completed")
		return
	}

	msg.Error = err.Error()
	if msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		next := now.Add(reg.retryDelay)
		msg.NextRetryAt = &next
		msg.Status = model.MessageStatusRetrying
		q.insertLocked(msg)
		q.mu.Unlock()

		q.log.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Int("retry", msg.RetryCount).
			Int("max_retries", msg.MaxRetries).
			Time("next_retry_at", next).
			Msg("message failed, retrying")
		return
	}

	msg.Status = model.MessageStatusFailed
	msg.ProcessedAt = &now
	msg.NextRetryAt = nil
	msg.Error = fmt.Sprintf("%v: %v", model.ErrMaxRetriesExceeded, err)
	q.failed.Push(msg)
	q.mu.Unlock()

	q.log.Error().Err(err).Str("message_id", msg.ID).Str("type", string(msg.Type)).Msg("message moved to failed history")
}

func (q *Queue) logMissing(msg *model.QueuedMessage) {
	q.log.Error().Str("message_id", msg.ID).Str("type", string(msg.Type)).Msg("no handler for message type")
}

// requeueCancelled puts msg back untouched so that a cancelled attempt does not
// consume retry budget.
func (q *Queue) requeueCancelled(msg *model.QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.processing, msg.ID)
	if msg.RetryCount > 0 {
		msg.Status = model.MessageStatusRetrying
	} else {
		msg.Status = model.MessageStatusPending
	}
	q.insertLocked(msg)
	q.log.Debug().Str("message_id", msg.ID).Msg("processing cancelled, message requeued")
}

func (q *Queue) insertLocked(msg *model.QueuedMessage) {
	idx := slices.IndexFunc(q.pending, func(m *model.QueuedMessage) bool {
		return m.Priority < msg.Priority
	})
	if idx < 0 {
		q.pending = append(q.pending, msg)
		return
	}
	q.pending = slices.Insert(q.pending, idx, msg)
}

// evictLocked drops the oldest entry of the lowest priority present into failed history.
func (q *Queue) evictLocked() *model.QueuedMessage {
	if len(q.pending) == 0 {
		return nil
	}

	victim := 0
	for i, m := range q.pending {
		v := q.pending[victim]
		if m.Priority < v.Priority || m.Priority == v.Priority && m.CreatedAt.Before(v.CreatedAt) {
			victim = i
		}
	}

	m := q.pending[victim]
	q.pending = slices.Delete(q.pending, victim, victim+1)

	now := q.now()
	m.Status = model.MessageStatusFailed
	m.ProcessedAt = &now
	m.Error = model.ErrQueueCapacityExceeded.Error()
	q.failed.Push(m)
	return m
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return slices.Clone(p), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(slices.Clone(p)), nil
	default:
		return json.Marshal(payload)
	}
}

func cloneAll(msgs []*model.QueuedMessage) []*model.QueuedMessage {
	out := make([]*model.QueuedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
