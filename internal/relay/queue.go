// Package relay delivers admitted messages to the backend with bounded
// concurrency and an open-loop circuit breaker, and routes replies back.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/wa-relay/internal/observability"
	"github.com/google/uuid"
)

// StatusIgnored is the backend status for messages it chose not to answer.
const StatusIgnored = "ignored"

// ErrQueueClosed is returned by Close when it is called twice.
var ErrQueueClosed = errors.New("relay queue closed")

// Payload is the JSON body posted to the backend.
type Payload struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
	MessageID   string `json:"message_id"`
	Timestamp   int64  `json:"timestamp"`
}

// Response is the structured backend answer. Every field is optional.
type Response struct {
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Response string `json:"response,omitempty"`
}

// Backend delivers one payload. Any returned error counts as a delivery failure.
type Backend interface {
	Deliver(ctx context.Context, payload Payload) (*Response, error)
}

// ReplyFunc sends backend reply text back to the originating conversation.
type ReplyFunc func(ctx context.Context, text string) error

// Task is one pending delivery.
type Task struct {
	ID             string
	ConversationID string
	Payload        Payload
	EnqueuedAt     time.Time
	Attempt        int
	Reply          ReplyFunc
}

// Config holds queue limits.
type Config struct {
	Concurrency int
	Cooldown    time.Duration
	// MaxAttempts abandons a task after that many failed deliveries. Zero retries forever.
	MaxAttempts int
	// Timeout bounds a single backend call.
	Timeout time.Duration
	// ReplyTimeout bounds sending the backend reply, counted from when the
	// backend answered.
	ReplyTimeout time.Duration
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Backlog     int       `json:"backlog"`
	Running     int       `json:"running"`
	BreakerOpen bool      `json:"breaker_open"`
	OpenUntil   time.Time `json:"open_until,omitzero"`
}

// Queue is the relay backlog and dispatcher. All state is guarded by mu;
// workers run outside the lock.
type Queue struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	backlog   []*Task
	running   int
	openUntil time.Time
	wakeAt    time.Time
	stopWake  func() bool
	closed    bool
}

// NewQueue creates a relay queue delivering to backend.
func NewQueue(cfg Config, backend Backend, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 90 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewTask builds a task with a fresh id.
func NewTask(conversationID string, payload Payload, reply ReplyFunc) *Task {
	return &Task{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Payload:        payload,
		EnqueuedAt:     time.Now(),
		Reply:          reply,
	}
}

// Enqueue appends task to the backlog and triggers dispatch. It returns
// false when an equivalent task (same conversation and source message) is
// already waiting, or when the queue is closed.
func (q *Queue) Enqueue(task *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	for _, pending := range q.backlog {
		if pending.ConversationID == task.ConversationID && pending.Payload.MessageID == task.Payload.MessageID {
			q.logger.Debug("Duplicate relay task dropped", "message_id", task.Payload.MessageID, "chat_id", task.ConversationID)
			return false
		}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now()
	}
	q.backlog = append(q.backlog, task)
	q.dispatchLocked()
	return true
}

// dispatchLocked starts workers until the concurrency cap or the backlog
// runs out. While the breaker is open it arms a single wake timer instead.
func (q *Queue) dispatchLocked() {
	defer func() { observability.SetBacklog(len(q.backlog)) }()

	for !q.closed && q.running < q.cfg.Concurrency && len(q.backlog) > 0 {
		if now := q.now(); now.Before(q.openUntil) {
			q.scheduleWakeLocked(now)
			return
		}

		task := q.backlog[0]
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		q.running++
		q.wg.Add(1)
		go q.work(task)
	}
}

func (q *Queue) scheduleWakeLocked(now time.Time) {
	if q.stopWake != nil {
		if q.wakeAt.Equal(q.openUntil) {
			return
		}
		q.stopWake()
	}

	q.wakeAt = q.openUntil
	q.stopWake = q.afterFunc(q.openUntil.Sub(now), func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.stopWake = nil
		q.wakeAt = time.Time{}
		q.dispatchLocked()
	})
}

func (q *Queue) work(task *Task) {
	defer q.wg.Done()

	err := q.deliver(task)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.running--

	if err != nil {
		q.failLocked(task, err)
	}
	q.dispatchLocked()
}

func (q *Queue) failLocked(task *Task, err error) {
	q.openUntil = q.now().Add(q.cfg.Cooldown)
	observability.RecordBreakerOpen()
	task.Attempt++

	if q.cfg.MaxAttempts > 0 && task.Attempt >= q.cfg.MaxAttempts {
		observability.RecordDelivery("abandoned")
		q.logger.Error("Relay task abandoned",
			"task_id", task.ID,
			"message_id", task.Payload.MessageID,
			"chat_id", task.ConversationID,
			"attempts", task.Attempt,
			"error", err)
		return
	}

	if q.closed {
		q.logger.Warn("Relay task dropped on shutdown", "task_id", task.ID, "message_id", task.Payload.MessageID, "error", err)
		return
	}

	q.backlog = append(q.backlog, task)
	q.logger.Warn("Relay delivery failed, breaker open",
		"task_id", task.ID,
		"message_id", task.Payload.MessageID,
		"attempt", task.Attempt,
		"retry_after", q.cfg.Cooldown,
		"error", err)
}

// deliver posts the payload and handles the response. Only backend errors
// are failures; a failed reply is logged since the backend already answered.
func (q *Queue) deliver(task *Task) error {
	start := time.Now()
	resp, err := q.callBackend(task)
	if err != nil {
		observability.RecordDelivery("failure")
		return err
	}

	switch {
	case resp != nil && strings.TrimSpace(resp.Response) != "":
		observability.RecordDelivery("reply")
		if task.Reply == nil {
			break
		}
		if err := q.reply(task, resp.Response); err != nil {
			q.logger.Error("Failed to send backend reply",
				"task_id", task.ID,
				"chat_id", task.ConversationID,
				"error", err)
		}
	case resp != nil && resp.Status == StatusIgnored:
		observability.RecordDelivery("ignored")
		q.logger.Info("Backend ignored message", "message_id", task.Payload.MessageID, "reason", resp.Reason)
	default:
		observability.RecordDelivery("no_action")
	}

	q.logger.Debug("Relay delivery complete",
		"task_id", task.ID,
		"message_id", task.Payload.MessageID,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (q *Queue) callBackend(task *Task) (*Response, error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.Timeout)
	defer cancel()
	return q.backend.Deliver(ctx, task.Payload)
}

func (q *Queue) reply(task *Task, text string) error {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.ReplyTimeout)
	defer cancel()
	return task.Reply(ctx, text)
}

// Reset closes the breaker and dispatches anything waiting.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.openUntil = time.Time{}
	if q.stopWake != nil {
		q.stopWake()
		q.stopWake = nil
		q.wakeAt = time.Time{}
	}
	q.logger.Info("Relay circuit breaker reset")
	q.dispatchLocked()
}

// Stats returns the current backlog and breaker state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Backlog: len(q.backlog),
		Running: q.running,
	}
	if q.now().Before(q.openUntil) {
		s.BreakerOpen = true
		s.OpenUntil = q.openUntil
	}
	return s
}

// Close stops dispatch and waits for in-flight deliveries until ctx is done,
// then cancels them. Tasks still in the backlog are logged and dropped.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	if q.stopWake != nil {
		q.stopWake()
		q.stopWake = nil
	}
	if n := len(q.backlog); n > 0 {
		q.logger.Warn("Relay queue closing with pending tasks", "pending", n)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
