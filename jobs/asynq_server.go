package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/costledger/internal/inventory"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Location    *time.Location
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	events := &AdjustmentEventLogger{Logger: cfg.Logger}
	mux.HandleFunc(TaskAdjustmentEvent, events.Handle)
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: cfg.Location})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// AdjustmentEventLogger records adjustment events in the structured log.
type AdjustmentEventLogger struct {
	Logger *slog.Logger
}

// Handle processes TaskAdjustmentEvent tasks.
func (l *AdjustmentEventLogger) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AdjustmentEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "inventory adjustment event",
		slog.String("event", payload.Event),
		slog.Int64("adjustment_id", payload.AdjustmentID),
		slog.String("code", payload.Code),
		slog.Int64("branch_id", payload.BranchID),
		slog.Int64("item_id", payload.ItemID),
		slog.String("type", payload.Type),
		slog.String("qty", payload.Quantity),
		slog.Time("at", payload.At),
	)
	return nil
}

// DefaultVerifyDelay collapses bursts of mutations on one partition into a
// single verification.
const DefaultVerifyDelay = 30 * time.Second

// Client submits jobs to the queue. It receives ledger events after commit.
type Client struct {
	client      *asynq.Client
	verifyDelay time.Duration
}

var _ inventory.IntegrationHandler = (*Client)(nil)

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client, verifyDelay: DefaultVerifyDelay}, nil
}

// WithVerifyDelay overrides the delay before a partition is verified.
func (c *Client) WithVerifyDelay(d time.Duration) *Client {
	if d > 0 {
		c.verifyDelay = d
	}
	return c
}

// EnqueueVerifyPartition schedules one partition check. A check already
// scheduled for the partition absorbs the request.
func (c *Client) EnqueueVerifyPartition(ctx context.Context, branchID, itemID int64) error {
	task, err := NewVerifyPartitionTask(branchID, itemID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.ProcessIn(c.verifyDelay),
		asynq.Unique(c.verifyDelay),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// EnqueueIntegritySweep runs a full sweep now.
func (c *Client) EnqueueIntegritySweep(ctx context.Context, concurrency int) (*asynq.TaskInfo, error) {
	task, err := NewIntegritySweepTask(concurrency)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueIdempotencyCleanup runs the cleanup now.
func (c *Client) EnqueueIdempotencyCleanup(ctx context.Context, retention time.Duration) (*asynq.TaskInfo, error) {
	task, err := NewIdempotencyCleanupTask(retention)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// HandlePartitionChanged schedules verification of the changed partition.
func (c *Client) HandlePartitionChanged(ctx context.Context, evt inventory.PartitionChangedEvent) error {
	return c.EnqueueVerifyPartition(ctx, evt.BranchID, evt.ItemID)
}

// HandleAdjustmentPosted forwards the event to the worker.
func (c *Client) HandleAdjustmentPosted(ctx context.Context, evt inventory.AdjustmentPostedEvent) error {
	return c.enqueueAdjustmentEvent(ctx, AdjustmentEventPayload{
		Event:        EventAdjustmentPosted,
		AdjustmentID: evt.AdjustmentID,
		Code:         evt.Code,
		BranchID:     evt.BranchID,
		ItemID:       evt.ItemID,
		Type:         string(evt.Type),
		Quantity:     evt.Quantity.String(),
		TotalCost:    evt.TotalCost.String(),
		At:           evt.PostedAt,
	})
}

// HandleAdjustmentCancelled forwards the event to the worker.
func (c *Client) HandleAdjustmentCancelled(ctx context.Context, evt inventory.AdjustmentCancelledEvent) error {
	return c.enqueueAdjustmentEvent(ctx, AdjustmentEventPayload{
		Event:        EventAdjustmentCancelled,
		AdjustmentID: evt.AdjustmentID,
		Code:         evt.Code,
		BranchID:     evt.BranchID,
		ItemID:       evt.ItemID,
		Type:         string(evt.Type),
		Quantity:     evt.Quantity.String(),
		ActorID:      evt.CancelledBy,
		At:           evt.CancelledAt,
	})
}

func (c *Client) enqueueAdjustmentEvent(ctx context.Context, payload AdjustmentEventPayload) error {
	task, err := NewAdjustmentEventTask(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue":"default","pending":0}`))
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("jobs health", slog.Any("error", err))
		}
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	pending := 0
	queueName := QueueDefault
	if info != nil {
		pending = int(info.Pending)
		queueName = info.Queue
	}
	_, _ = w.Write([]byte(`{"queue":"` + queueName + `","pending":` + itoa(pending) + `}`))
}

func itoa(i int) string {
	return strconv.FormatInt(int64(i), 10)
}
