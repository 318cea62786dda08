package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aevon-lab/completion-aggregator/internal/core/partition"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultWorkerCount = 10
	defaultQueueSize   = 1000
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("dispatcher closed")

	// ErrNotStarted is returned by Enqueue before Start.
	ErrNotStarted = errors.New("dispatcher not started")
)

var (
	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "completion_aggregator_tasks_dispatched_total",
		Help: "Aggregation tasks handed to the dispatcher",
	}, []string{"routing_key"})

	tasksHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "completion_aggregator_tasks_handled_total",
		Help: "Aggregation tasks handled by lane workers, by result",
	}, []string{"routing_key", "result"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "completion_aggregator_task_duration_seconds",
		Help:    "Time spent handling one aggregation task",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"routing_key"})
)

// Dispatcher hands a Task to asynchronous execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) error
}

// Handler executes one Task.
type Handler func(ctx context.Context, task Task) error

// LocalOptions configure a LocalDispatcher. Zero values take the defaults.
type LocalOptions struct {
	Workers    int
	QueueSize  int
	RoutingKey string
}

// LocalDispatcher runs tasks in-process on a fixed set of lanes.
// Tasks for the same (user, scope) always land on the same lane, so they run in order.
// A failed task is logged and dropped; its stale items stay unresolved for the next drain.
type LocalDispatcher struct {
	handler    Handler
	routingKey string
	lanes      []chan []byte

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

var _ Dispatcher = (*LocalDispatcher)(nil)

// NewLocalDispatcher creates a dispatcher. Call Start or Run before enqueueing.
func NewLocalDispatcher(handler Handler, opts LocalOptions) *LocalDispatcher {
	if handler == nil {
		panic("dispatch: handler cannot be nil")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkerCount
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	lanes := make([]chan []byte, opts.Workers)
	for i := range lanes {
		lanes[i] = make(chan []byte, opts.QueueSize)
	}
	return &LocalDispatcher{
		handler:    handler,
		routingKey: opts.RoutingKey,
		lanes:      lanes,
	}
}

// Start launches one worker per lane. Handlers run detached from ctx cancellation
// so queued work drains on Close.
func (d *LocalDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	workerCtx := context.WithoutCancel(ctx)
	d.wg.Add(len(d.lanes))
	for i, lane := range d.lanes {
		go d.work(workerCtx, i, lane)
	}

	slog.Info("[Dispatcher] Lane workers started",
		"lanes", len(d.lanes),
		"routing_key", d.routingKey)
}

// Run starts the workers and blocks until ctx is done, then drains and closes.
func (d *LocalDispatcher) Run(ctx context.Context) error {
	d.Start(ctx)
	<-ctx.Done()
	d.Close()
	return nil
}

// Enqueue implements Dispatcher. It blocks while the task's lane is full.
// Lanes only drain once workers run, so Enqueue fails before Start.
func (d *LocalDispatcher) Enqueue(ctx context.Context, task Task) error {
	payload, err := MarshalTask(task)
	if err != nil {
		return fmt.Errorf("dispatch: encode task: %w", err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if !d.started {
		return ErrNotStarted
	}

	lane := d.lanes[partition.Lane(partition.Key(task.UserID, task.ScopeKey), len(d.lanes))]
	select {
	case lane <- payload:
		tasksDispatched.WithLabelValues(d.routingKey).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued tasks to finish.
func (d *LocalDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	started := d.started
	d.mu.Unlock()

	if started {
		d.wg.Wait()
	}
	slog.Info("[Dispatcher] Closed", "routing_key", d.routingKey)
}

func (d *LocalDispatcher) work(ctx context.Context, laneID int, lane <-chan []byte) {
	defer d.wg.Done()

	for payload := range lane {
		task, err := UnmarshalTask(payload)
		if err != nil {
			tasksHandled.WithLabelValues(d.routingKey, "malformed").Inc()
			slog.Error("[Dispatcher] Dropping undecodable task", "lane", laneID, "error", err)
			continue
		}

		start := time.Now()
		err = d.handler(ctx, task)
		taskDuration.WithLabelValues(d.routingKey).Observe(time.Since(start).Seconds())
		if err != nil {
			tasksHandled.WithLabelValues(d.routingKey, "error").Inc()
			slog.Error("[Dispatcher] Task failed; items stay stale until the next drain",
				"lane", laneID,
				"user_id", task.UserID,
				"scope_key", task.ScopeKey,
				"changed_blocks", len(task.ChangedBlocks),
				"error", err)
			continue
		}
		tasksHandled.WithLabelValues(d.routingKey, "ok").Inc()
	}
}
