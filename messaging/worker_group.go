package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/msgbus-go/internal/reliability"
)

// ChannelFactory opens a channel for one worker
type ChannelFactory func(ctx context.Context) (Channel, error)

// WorkItem is a unit of queued work run against a worker's channel
type WorkItem func(ctx context.Context, channel Channel) error

// WorkerActivity is the long-running body of a worker. It returns when the
// worker is stopped or when its channel fails.
type WorkerActivity func(ctx context.Context, worker *Worker) error

type workerGroupState int

const (
	workerGroupCreated workerGroupState = iota
	workerGroupStarted
	workerGroupStopped
	workerGroupDisposed
)

func (s workerGroupState) String() string {
	switch s {
	case workerGroupCreated:
		return "created"
	case workerGroupStarted:
		return "started"
	case workerGroupStopped:
		return "stopped"
	default:
		return "disposed"
	}
}

// Worker is the handle an activity receives
type Worker struct {
	group      *WorkerGroup
	channel    Channel
	ctx        context.Context
	index      int
	generation uint64
}

// Channel returns the channel owned by this worker
func (w *Worker) Channel() Channel { return w.channel }

// Index returns the worker's position in its group
func (w *Worker) Index() int { return w.index }

// Generation returns the start generation the worker belongs to
func (w *Worker) Generation() uint64 { return w.generation }

// Done is closed when the worker should stop
func (w *Worker) Done() <-chan struct{} { return w.ctx.Done() }

// Next blocks for the next work item. It returns false once the worker is stopped.
func (w *Worker) Next() (WorkItem, bool) {
	if item := w.group.popPending(); item != nil {
		return item, true
	}

	select {
	case <-w.ctx.Done():
		return nil, false
	default:
	}

	select {
	case item := <-w.group.queue:
		return item, true
	case <-w.ctx.Done():
		return nil, false
	}
}

// Retry puts item back at the front of the queue
func (w *Worker) Retry(item WorkItem) {
	w.group.pushPending(item)
}

// WorkerGroup runs a fixed number of workers, each owning one channel,
// that share a bounded work queue.
type WorkerGroup struct {
	name     string
	connect  ChannelFactory
	workers  int
	queue    chan WorkItem
	backoff  *reliability.ExponentialBackoff
	logger   *slog.Logger
	onFault  func(err error)
	closed   chan struct{}
	pendMu   sync.Mutex
	pending  []WorkItem
	wg       sync.WaitGroup
	mu       sync.Mutex
	state    workerGroupState
	gen      uint64
	cancel   context.CancelFunc
	activity WorkerActivity
}

// WorkerGroupOption configures a worker group
type WorkerGroupOption func(*WorkerGroup)

// WithWorkers sets the number of workers
func WithWorkers(n int) WorkerGroupOption {
	return func(g *WorkerGroup) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithWorkQueueSize sets the capacity of the shared work queue
func WithWorkQueueSize(n int) WorkerGroupOption {
	return func(g *WorkerGroup) {
		if n > 0 {
			g.queue = make(chan WorkItem, n)
		}
	}
}

// WithReconnectBackoff sets the delay policy between reconnect attempts
func WithReconnectBackoff(backoff *reliability.ExponentialBackoff) WorkerGroupOption {
	return func(g *WorkerGroup) {
		g.backoff = backoff
	}
}

// WithWorkerGroupLogger sets the logger
func WithWorkerGroupLogger(logger *slog.Logger) WorkerGroupOption {
	return func(g *WorkerGroup) {
		g.logger = logger
	}
}

// WithFaultHandler is called for every connection fault of the current generation
func WithFaultHandler(fn func(err error)) WorkerGroupOption {
	return func(g *WorkerGroup) {
		g.onFault = fn
	}
}

// NewWorkerGroup creates a worker group that opens channels with connect
func NewWorkerGroup(name string, connect ChannelFactory, opts ...WorkerGroupOption) (*WorkerGroup, error) {
	if connect == nil {
		return nil, argumentError("NewWorkerGroup", "connect", "cannot be nil")
	}

	g := &WorkerGroup{
		name:    name,
		connect: connect,
		workers: DefaultWorkers,
		queue:   make(chan WorkItem, DefaultWorkQueueSize),
		backoff: reliability.NewExponentialBackoff(DefaultReconnectDelay, DefaultMaxReconnectDelay, 2.0, 0),
		logger:  slog.Default(),
		closed:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Start launches the workers with activity; nil runs queued work items
func (g *WorkerGroup) Start(activity WorkerActivity) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case workerGroupDisposed:
		return ErrDisposed
	case workerGroupStarted:
		return ErrAlreadyStarted
	}

	if activity == nil {
		activity = RunWorkItems
	}
	g.activity = activity
	g.state = workerGroupStarted
	g.spawnLocked(false)

	g.logger.Info("worker group started",
		"group", g.name,
		"workers", g.workers,
		"generation", g.gen,
	)
	return nil
}

// Stop signals the workers to finish. It does not wait and keeps queued work.
func (g *WorkerGroup) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case workerGroupDisposed:
		return ErrDisposed
	case workerGroupStarted:
	default:
		return ErrNotStarted
	}

	g.cancel()
	g.state = workerGroupStopped
	g.logger.Info("worker group stopping", "group", g.name, "generation", g.gen)
	return nil
}

// Add enqueues a work item, blocking while the queue is full
func (g *WorkerGroup) Add(ctx context.Context, item WorkItem) error {
	if item == nil {
		return argumentError("WorkerGroup.Add", "item", "cannot be nil")
	}

	select {
	case <-g.closed:
		return ErrDisposed
	default:
	}

	select {
	case g.queue <- item:
		return nil
	case <-g.closed:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers and waits for them to exit. It is idempotent.
func (g *WorkerGroup) Close() error {
	g.mu.Lock()
	if g.state == workerGroupDisposed {
		g.mu.Unlock()
		return nil
	}
	if g.cancel != nil {
		g.cancel()
	}
	g.state = workerGroupDisposed
	close(g.closed)
	g.mu.Unlock()

	g.wg.Wait()
	g.logger.Debug("worker group closed", "group", g.name)
	return nil
}

// Closed is closed once the group has been disposed
func (g *WorkerGroup) Closed() <-chan struct{} {
	return g.closed
}

// spawnLocked starts a new generation of workers; g.mu must be held
func (g *WorkerGroup) spawnLocked(reconnecting bool) {
	g.gen++
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go g.runWorker(ctx, g.gen, i, g.activity, reconnecting)
	}
}

func (g *WorkerGroup) runWorker(ctx context.Context, gen uint64, index int, activity WorkerActivity, reconnecting bool) {
	defer g.wg.Done()

	attempt := 0
	if reconnecting {
		if err := reliability.Sleep(ctx, g.backoff.NextDelay(attempt)); err != nil {
			return
		}
		attempt++
	}

	for {
		if ctx.Err() != nil {
			return
		}

		channel, err := g.connect(ctx)
		if err != nil {
			delay := g.backoff.NextDelay(attempt)
			g.logger.Warn("failed to open channel",
				"group", g.name,
				"worker", index,
				"attempt", attempt+1,
				"nextRetryIn", delay,
				"error", err,
			)
			if err := reliability.Sleep(ctx, delay); err != nil {
				return
			}
			attempt++
			continue
		}

		worker := &Worker{group: g, channel: channel, ctx: ctx, index: index, generation: gen}
		err = g.runActivity(ctx, activity, worker)

		if closeErr := channel.Close(); closeErr != nil {
			g.logger.Debug("failed to close channel", "group", g.name, "worker", index, "error", closeErr)
		}

		switch {
		case ctx.Err() != nil:
			return
		case IsConnectionFault(err):
			// The fault restarts the whole group under a new generation;
			// this worker's part is done either way.
			g.reportFault(gen, err)
			return
		case err != nil:
			g.logger.Error("worker activity failed", "group", g.name, "worker", index, "error", err)
			return
		default:
			return
		}
	}
}

func (g *WorkerGroup) runActivity(ctx context.Context, activity WorkerActivity, worker *Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker activity panicked: %v", r)
		}
	}()
	return activity(ctx, worker)
}

// reportFault restarts the group after a connection fault raised under gen.
// Faults from a superseded generation, or after Stop or Close, are discarded.
func (g *WorkerGroup) reportFault(gen uint64, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen != g.gen || g.state != workerGroupStarted {
		g.logger.Debug("discarding stale connection fault",
			"group", g.name,
			"faultGeneration", gen,
			"currentGeneration", g.gen,
			"state", g.state.String(),
		)
		return false
	}

	g.logger.Warn("channel connection lost, restarting workers",
		"group", g.name,
		"generation", gen,
		"error", err,
	)
	if g.onFault != nil {
		g.onFault(err)
	}

	g.cancel()
	g.spawnLocked(true)
	return true
}

// Generation returns the current start generation
func (g *WorkerGroup) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

func (g *WorkerGroup) pushPending(item WorkItem) {
	g.pendMu.Lock()
	g.pending = append([]WorkItem{item}, g.pending...)
	g.pendMu.Unlock()
}

func (g *WorkerGroup) popPending() WorkItem {
	g.pendMu.Lock()
	defer g.pendMu.Unlock()

	if len(g.pending) == 0 {
		return nil
	}
	item := g.pending[0]
	g.pending = g.pending[1:]
	return item
}

// RunWorkItems is the default activity: it runs queued work items against
// the worker's channel until stopped. An item that fails on a broken
// connection is put back for the next generation.
func RunWorkItems(ctx context.Context, worker *Worker) error {
	for {
		item, ok := worker.Next()
		if !ok {
			return nil
		}

		if err := item(ctx, worker.Channel()); err != nil && IsConnectionFault(err) {
			worker.Retry(item)
			return err
		}
	}
}
