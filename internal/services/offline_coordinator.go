package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prudhvinik1/offlinecore/internal/connectivity"
	"github.com/prudhvinik1/offlinecore/internal/logging"
	"github.com/prudhvinik1/offlinecore/internal/models"
	"github.com/prudhvinik1/offlinecore/internal/remote"
	"github.com/prudhvinik1/offlinecore/internal/repositories"
	"github.com/prudhvinik1/offlinecore/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	DefaultQueueKey    = "offline:queue"
	DefaultCachePrefix = "offline:cache:"
)

var (
	// ErrQueueNotDurable means the action was queued in memory but the
	// durable store rejected the write. It will be written again with the
	// next queue mutation.
	ErrQueueNotDurable = errors.New("queued action is not durable yet")
	ErrInvalidAction   = errors.New("invalid action")
)

type CoordinatorOptions struct {
	QueueKey    string
	CachePrefix string
	Retry       RetryPolicy
	Clock       Clock
	Logger      logrus.FieldLogger
}

type subscriber struct {
	id string
	fn func(bool)
}

// notification is one pending delivery of a connectivity value to a fixed
// set of subscribers.
type notification struct {
	targets   []subscriber
	connected bool
}

type outcomeSubscriber struct {
	id string
	fn func(models.ActionOutcome)
}

// OfflineCoordinator keeps writes durable while the device is offline and
// replays them once connectivity returns. One instance is created per process
// and shared by handle.
type OfflineCoordinator struct {
	store       repositories.KeyValueStore
	monitor     connectivity.Monitor
	sender      remote.ActionSender
	queueKey    string
	cachePrefix string
	retry       RetryPolicy
	clock       Clock
	log         logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// persistMu orders queue writes; the blob is snapshotted while holding it.
	persistMu sync.Mutex

	mu               sync.Mutex
	initialized      bool
	loaded           bool
	closed           bool
	isConnected      bool
	draining         bool
	queue            []*models.QueuedAction
	retryRound       int
	retryTimer       Timer
	retryGen         int
	subscribers      []subscriber
	notifications    []notification
	delivering       bool
	outcomeListeners []outcomeSubscriber
	stopMonitor      func()
}

func NewOfflineCoordinator(
	store repositories.KeyValueStore,
	monitor connectivity.Monitor,
	sender remote.ActionSender,
	opts CoordinatorOptions,
) *OfflineCoordinator {
	if opts.QueueKey == "" {
		opts.QueueKey = DefaultQueueKey
	}
	if opts.CachePrefix == "" {
		opts.CachePrefix = DefaultCachePrefix
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry.BaseDelay = DefaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &OfflineCoordinator{
		store:       store,
		monitor:     monitor,
		sender:      sender,
		queueKey:    opts.QueueKey,
		cachePrefix: opts.CachePrefix,
		retry:       opts.Retry,
		clock:       opts.Clock,
		log:         logging.Component(opts.Logger, "offline_coordinator"),
		ctx:         ctx,
		cancel:      cancel,
		// Assume connectivity until the first real reading arrives.
		isConnected: true,
	}
}

// Init loads the persisted queue, starts listening to the connectivity
// monitor and probes once. Calling it again is a no-op.
func (c *OfflineCoordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	c.mu.Unlock()

	c.ensureLoaded(ctx)

	stop := c.monitor.Subscribe(func(state models.NetworkState) {
		c.handleNetworkState(state)
	})
	c.mu.Lock()
	c.stopMonitor = stop
	c.mu.Unlock()

	drained := false
	state, err := c.monitor.Fetch(ctx)
	if err != nil {
		c.log.WithError(err).Warn("initial connectivity probe failed, keeping current state")
	} else {
		drained = c.handleNetworkState(state)
	}

	if !drained && c.IsConnected() {
		c.triggerDrain()
	}

	c.log.WithFields(logrus.Fields{
		"queue_length": c.QueueLength(),
		"connected":    c.IsConnected(),
	}).Info("offline coordinator initialized")

	return nil
}

// Close stops retries and monitor notifications and waits for a running
// drain to finish. In-flight sends see a cancelled context.
func (c *OfflineCoordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	stop := c.stopMonitor
	c.stopMonitor = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.cancel()
	c.wg.Wait()
}

func (c *OfflineCoordinator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}

// Subscribe registers listener for connectivity changes and calls it once
// with the current state. The call happens before Subscribe returns unless
// another notification is being delivered, in which case it is queued behind
// it. Listeners may subscribe, unsubscribe or report connectivity themselves.
func (c *OfflineCoordinator) Subscribe(listener func(connected bool)) (unsubscribe func()) {
	entry := subscriber{id: uuid.NewString(), fn: listener}

	c.mu.Lock()
	c.subscribers = append(c.subscribers, entry)
	c.notifications = append(c.notifications, notification{
		targets:   []subscriber{entry},
		connected: c.isConnected,
	})
	c.mu.Unlock()

	c.deliverNotifications()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subscribers {
			if s.id == entry.id {
				c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// OnOutcome registers listener for the final fate of queued actions.
// Callers that only need fire-and-forget semantics never register one.
func (c *OfflineCoordinator) OnOutcome(listener func(models.ActionOutcome)) (unsubscribe func()) {
	entry := outcomeSubscriber{id: uuid.NewString(), fn: listener}

	c.mu.Lock()
	c.outcomeListeners = append(c.outcomeListeners, entry)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.outcomeListeners {
			if s.id == entry.id {
				c.outcomeListeners = append(c.outcomeListeners[:i:i], c.outcomeListeners[i+1:]...)
				return
			}
		}
	}
}

// AddToQueue appends an action and writes the whole queue to the durable
// store before returning. When the write fails the action is still queued in
// memory and the returned error wraps ErrQueueNotDurable.
func (c *OfflineCoordinator) AddToQueue(ctx context.Context, actionName string, payload interface{}) (*models.QueuedAction, error) {
	if actionName == "" {
		return nil, fmt.Errorf("%w: empty action name", ErrInvalidAction)
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	c.ensureLoaded(ctx)

	action := &models.QueuedAction{
		ID:         utils.NewActionID(),
		ActionName: actionName,
		Payload:    raw,
		EnqueuedAt: c.clock.Now().UTC(),
	}

	c.mu.Lock()
	c.queue = append(c.queue, action)
	queued := action.Clone()
	length := len(c.queue)
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{
		"action_id":    action.ID,
		"action":       actionName,
		"queue_length": length,
	})

	if err := c.persistQueue(ctx); err != nil {
		log.WithError(err).Error("failed to persist queued action")
		return queued, fmt.Errorf("%w: %v", ErrQueueNotDurable, err)
	}

	log.Info("action queued")
	return queued, nil
}

// PendingActions returns copies of the queued actions in queue order.
func (c *OfflineCoordinator) PendingActions() []*models.QueuedAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	actions := make([]*models.QueuedAction, len(c.queue))
	for i, action := range c.queue {
		actions[i] = action.Clone()
	}
	return actions
}

func (c *OfflineCoordinator) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ProcessQueue replays a snapshot of the queue, one action at a time. It
// returns at once when a drain is already running, the queue is empty or the
// device is offline. Actions queued while it runs wait for the next pass.
func (c *OfflineCoordinator) ProcessQueue(ctx context.Context) {
	c.mu.Lock()
	if c.draining || c.closed || !c.isConnected || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	c.draining = true
	snapshot := make([]*models.QueuedAction, len(c.queue))
	copy(snapshot, c.queue)
	c.mu.Unlock()

	c.log.WithField("actions", len(snapshot)).Info("draining offline queue")

	var retry []*models.QueuedAction
	var delivered, rejected, expired int
	networkFailure := false

	for _, action := range snapshot {
		log := c.log.WithFields(logrus.Fields{
			"action_id": action.ID,
			"action":    action.ActionName,
		})

		err := c.send(ctx, action)
		switch {
		case err == nil:
			delivered++
			c.emitOutcome(action, models.OutcomeDelivered, "")

		case remote.IsDomain(err):
			// A business-rule rejection will not become valid by retrying.
			rejected++
			log.WithError(err).Warn("queued action rejected by server, dropping")
			c.emitOutcome(action, models.OutcomeRejected, domainDetail(err))

		default:
			networkFailure = true

			c.mu.Lock()
			action.Attempts++
			action.LastError = err.Error()
			attempts := action.Attempts
			c.mu.Unlock()

			if c.retry.Exhausted(attempts) {
				expired++
				log.WithError(err).WithField("attempts", attempts).Warn("queued action out of attempts, dropping")
				c.emitOutcome(action, models.OutcomeExpired, err.Error())
				continue
			}

			log.WithError(err).WithField("attempts", attempts).Info("queued action failed, will retry")
			retry = append(retry, action)
		}
	}

	c.mu.Lock()
	live := c.queue[len(snapshot):]
	next := make([]*models.QueuedAction, 0, len(retry)+len(live))
	next = append(next, retry...)
	next = append(next, live...)
	c.queue = next
	if networkFailure {
		c.retryRound++
	} else {
		c.retryRound = 0
	}
	round := c.retryRound
	c.mu.Unlock()

	// Written even when empty so the store never diverges from memory.
	if err := c.persistQueue(context.WithoutCancel(ctx)); err != nil {
		c.log.WithError(err).Error("failed to persist queue after drain")
	}

	c.mu.Lock()
	c.draining = false
	remaining := len(c.queue)
	reschedule := remaining > 0 && c.isConnected && !c.closed
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"delivered": delivered,
		"rejected":  rejected,
		"expired":   expired,
		"remaining": remaining,
	}).Info("offline queue drained")

	if reschedule {
		c.scheduleRetry(round)
	}
}

// handleNetworkState applies a monitor reading and reports whether it started
// a drain.
func (c *OfflineCoordinator) handleNetworkState(state models.NetworkState) bool {
	connected := state.Reachable()

	c.mu.Lock()
	if c.closed || connected == c.isConnected {
		c.mu.Unlock()
		return false
	}
	c.isConnected = connected
	if !connected && c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	targets := make([]subscriber, len(c.subscribers))
	copy(targets, c.subscribers)
	c.notifications = append(c.notifications, notification{targets: targets, connected: connected})
	c.mu.Unlock()

	c.log.WithField("connected", connected).Info("connectivity changed")
	c.deliverNotifications()

	if connected {
		c.triggerDrain()
		return true
	}
	return false
}

// deliverNotifications drains the pending notifications in FIFO order. Only
// one goroutine delivers at a time and no lock is held while a listener runs;
// notifications queued by a listener are delivered after it returns.
func (c *OfflineCoordinator) deliverNotifications() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true

	for len(c.notifications) > 0 {
		next := c.notifications[0]
		c.notifications[0] = notification{}
		c.notifications = c.notifications[1:]
		c.mu.Unlock()

		for _, s := range next.targets {
			c.notify(s, next.connected)
		}

		c.mu.Lock()
	}
	c.notifications = nil
	c.delivering = false
	c.mu.Unlock()
}

func (c *OfflineCoordinator) notify(s subscriber, connected bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("connectivity subscriber panicked")
		}
	}()
	s.fn(connected)
}

func (c *OfflineCoordinator) emitOutcome(action *models.QueuedAction, status models.OutcomeStatus, detail string) {
	c.mu.Lock()
	listeners := make([]outcomeSubscriber, len(c.outcomeListeners))
	copy(listeners, c.outcomeListeners)
	outcome := models.ActionOutcome{
		ActionID:   action.ID,
		ActionName: action.ActionName,
		Status:     status,
		Detail:     detail,
		Attempts:   action.Attempts,
		At:         c.clock.Now().UTC(),
	}
	c.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithField("panic", r).Error("outcome listener panicked")
				}
			}()
			l.fn(outcome)
		}()
	}
}

// Drain starts a background ProcessQueue pass tied to the coordinator's
// lifetime. Close waits for it.
func (c *OfflineCoordinator) Drain() {
	c.triggerDrain()
}

// triggerDrain runs ProcessQueue in the background.
func (c *OfflineCoordinator) triggerDrain() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Debug("queue drain triggered")

	go func() {
		defer c.wg.Done()
		c.ProcessQueue(c.ctx)
	}()
}

func (c *OfflineCoordinator) scheduleRetry(round int) {
	delay := c.retry.Delay(round)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}

	c.retryGen++
	gen := c.retryGen
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.retryGen == gen {
			c.retryTimer = nil
		}
		c.mu.Unlock()
		c.triggerDrain()
	})

	c.log.WithFields(logrus.Fields{"delay": delay.String(), "round": round}).Info("queue retry scheduled")
}

// send converts a panicking sender into a network failure so one bad action
// cannot stop the pass.
func (c *OfflineCoordinator) send(ctx context.Context, action *models.QueuedAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()

	_, err = c.sender.Send(ctx, action.ActionName, action.Payload)
	return err
}

// ensureLoaded reads the persisted queue once. Actions queued before that
// (there can be none after the first call) keep their place behind it.
func (c *OfflineCoordinator) ensureLoaded(ctx context.Context) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	loaded := c.loaded
	c.mu.Unlock()
	if loaded {
		return
	}

	persisted := c.readQueue(ctx)

	c.mu.Lock()
	c.queue = append(persisted, c.queue...)
	c.loaded = true
	c.mu.Unlock()
}

func (c *OfflineCoordinator) readQueue(ctx context.Context) []*models.QueuedAction {
	raw, err := c.store.Get(ctx, c.queueKey)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		c.log.WithError(err).Error("failed to load offline queue, starting empty")
		return nil
	}

	var persisted []*models.QueuedAction
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		c.log.WithError(err).Error("persisted offline queue is corrupt, starting empty")
		return nil
	}

	queue := make([]*models.QueuedAction, 0, len(persisted))
	for _, action := range persisted {
		if action == nil || action.ActionName == "" {
			continue
		}
		queue = append(queue, action)
	}

	c.log.WithField("queue_length", len(queue)).Info("offline queue loaded")
	return queue
}

func (c *OfflineCoordinator) persistQueue(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	queue := c.queue
	if queue == nil {
		queue = []*models.QueuedAction{}
	}
	data, err := json.Marshal(queue)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}

	if err := c.store.Set(ctx, c.queueKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return data, nil
	}
}

func domainDetail(err error) string {
	var sendErr *remote.SendError
	if errors.As(err, &sendErr) {
		return sendErr.Detail
	}
	return err.Error()
}
