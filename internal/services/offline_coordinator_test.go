package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prudhvinik1/offlinecore/internal/connectivity"
	"github.com/prudhvinik1/offlinecore/internal/models"
	"github.com/prudhvinik1/offlinecore/internal/remote"
	"github.com/prudhvinik1/offlinecore/internal/repositories"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInit_Idempotent tests that a second Init neither re-subscribes to the
// monitor nor rewrites the persisted queue
func TestInit_Idempotent(t *testing.T) {
	store := repositories.NewMemoryStore()
	seedQueue(t, store, &models.QueuedAction{ID: "a1", ActionName: "saveGrade", Payload: json.RawMessage(`{"grade":18}`)})
	before, err := store.Get(context.Background(), DefaultQueueKey)
	require.NoError(t, err)

	monitor := connectivity.NewNotifier()
	monitor.Report(models.Connected(false))
	c, _ := newTestCoordinator(t, store, monitor, &fakeSender{})

	// ACT
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Init(context.Background()))

	// ASSERT
	assert.Equal(t, 1, monitor.Subscribers(), "monitor should be subscribed once")
	assert.Equal(t, 1, c.QueueLength())
	after, err := store.Get(context.Background(), DefaultQueueKey)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, c.IsConnected())
}

func TestInit_CorruptQueueStartsEmpty(t *testing.T) {
	store := repositories.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), DefaultQueueKey, "{not json"))

	monitor := connectivity.NewNotifier()
	monitor.Report(models.Connected(false))
	c, _ := newTestCoordinator(t, store, monitor, &fakeSender{})

	require.NoError(t, c.Init(context.Background()))

	assert.Equal(t, 0, c.QueueLength())
}

func TestInit_NoReadingKeepsConnectedAndDrains(t *testing.T) {
	store := repositories.NewMemoryStore()
	seedQueue(t, store, &models.QueuedAction{ID: "a1", ActionName: "saveGrade"})

	sender := &fakeSender{}
	c, _ := newTestCoordinator(t, store, connectivity.NewNotifier(), sender)

	require.NoError(t, c.Init(context.Background()))
	waitIdle(c)

	assert.True(t, c.IsConnected(), "connectivity is assumed until a reading arrives")
	assert.Equal(t, 1, sender.callCount())
	assert.Empty(t, readPersisted(t, store))
}

// TestSubscribe_ReplaysCurrentState tests that a new listener hears the
// current state before Subscribe returns, then every change
func TestSubscribe_ReplaysCurrentState(t *testing.T) {
	monitor := connectivity.NewNotifier()
	c, _ := newTestCoordinator(t, repositories.NewMemoryStore(), monitor, &fakeSender{})
	require.NoError(t, c.Init(context.Background()))

	var got []bool
	unsubscribe := c.Subscribe(func(connected bool) { got = append(got, connected) })

	// ASSERT: replayed synchronously with the default state
	assert.Equal(t, []bool{true}, got)

	monitor.Report(models.Connected(false))
	monitor.Report(models.Connected(false))
	monitor.Report(models.NetworkState{}) // unknown reads as offline, no change
	assert.Equal(t, []bool{true, false}, got)

	unsubscribe()
	monitor.Report(models.Connected(true))
	waitIdle(c)
	assert.Equal(t, []bool{true, false}, got, "unsubscribed listener must not be called")
	assert.True(t, c.IsConnected())
}

func TestSubscribe_PanickingListenerIsIsolated(t *testing.T) {
	monitor := connectivity.NewNotifier()
	c, _ := newTestCoordinator(t, repositories.NewMemoryStore(), monitor, &fakeSender{})
	require.NoError(t, c.Init(context.Background()))

	var order []string
	c.Subscribe(func(connected bool) {
		order = append(order, "first")
		if !connected {
			panic("banner crashed")
		}
	})
	c.Subscribe(func(connected bool) { order = append(order, "second") })
	order = nil

	// ACT
	monitor.Report(models.Connected(false))

	// ASSERT: second listener still notified, in registration order
	assert.Equal(t, []string{"first", "second"}, order)
}

// TestSubscribe_ListenerMayCallBack tests that a listener can report
// connectivity and subscribe others while a change is being delivered
func TestSubscribe_ListenerMayCallBack(t *testing.T) {
	monitor := connectivity.NewNotifier()
	c, _ := newTestCoordinator(t, repositories.NewMemoryStore(), monitor, &fakeSender{})
	require.NoError(t, c.Init(context.Background()))

	reported := false
	c.Subscribe(func(connected bool) {
		if !connected && !reported {
			reported = true
			monitor.Report(models.Connected(true))
		}
	})

	var recorded []bool
	c.Subscribe(func(connected bool) { recorded = append(recorded, connected) })

	var late []bool
	subscribed := false
	c.Subscribe(func(connected bool) {
		if !connected && !subscribed {
			subscribed = true
			c.Subscribe(func(connected bool) { late = append(late, connected) })
		}
	})

	// ACT
	done := make(chan struct{})
	go func() {
		defer close(done)
		monitor.Report(models.Connected(false))
	}()

	// ASSERT
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connectivity report from a listener never returned")
	}
	waitIdle(c)

	assert.Equal(t, []bool{true, false, true}, recorded, "changes delivered in order")
	assert.Equal(t, []bool{true}, late, "late subscriber hears the state current at registration")
	assert.True(t, c.IsConnected())

	// Later subscriptions still work.
	var after []bool
	c.Subscribe(func(connected bool) { after = append(after, connected) })
	assert.Equal(t, []bool{true}, after)
}

// TestAddToQueue_Durable tests that a queued action survives a restart
func TestAddToQueue_Durable(t *testing.T) {
	store := repositories.NewMemoryStore()
	offline := connectivity.NewNotifier()
	offline.Report(models.Connected(false))

	c, _ := newTestCoordinator(t, store, offline, &fakeSender{})
	require.NoError(t, c.Init(context.Background()))

	// ACT
	queued, err := c.AddToQueue(context.Background(), "enrollStudent", map[string]interface{}{"student": 7, "course": "3B"})
	require.NoError(t, err)

	// ASSERT: a fresh coordinator on the same store sees exactly that action
	restarted, _ := newTestCoordinator(t, store, offline, &fakeSender{})
	require.NoError(t, restarted.Init(context.Background()))

	pending := restarted.PendingActions()
	require.Len(t, pending, 1)
	assert.Equal(t, queued.ID, pending[0].ID)
	assert.Equal(t, "enrollStudent", pending[0].ActionName)
	assert.JSONEq(t, `{"student":7,"course":"3B"}`, string(pending[0].Payload))
}

func TestAddToQueue_StoreFailureIsReported(t *testing.T) {
	store := &failingStore{KeyValueStore: repositories.NewMemoryStore()}
	c, _ := newTestCoordinator(t, store, connectivity.NewNotifier(), &fakeSender{})

	store.failSet(true)
	queued, err := c.AddToQueue(context.Background(), "saveGrade", nil)

	require.ErrorIs(t, err, ErrQueueNotDurable)
	require.NotNil(t, queued)
	assert.Equal(t, 1, c.QueueLength(), "action stays queued in memory")

	// The next mutation writes it out.
	store.failSet(false)
	_, err = c.AddToQueue(context.Background(), "saveGrade", nil)
	require.NoError(t, err)
	assert.Len(t, readPersisted(t, store), 2)
}

func TestAddToQueue_RejectsInvalidInput(t *testing.T) {
	c, _ := newTestCoordinator(t, repositories.NewMemoryStore(), connectivity.NewNotifier(), &fakeSender{})

	_, err := c.AddToQueue(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = c.AddToQueue(context.Background(), "saveGrade", json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidAction)

	assert.Equal(t, 0, c.QueueLength())
}

// TestProcessQueue_SuccessDrains tests that delivered actions leave the queue
func TestProcessQueue_SuccessDrains(t *testing.T) {
	store := repositories.NewMemoryStore()
	sender := &fakeSender{}
	c, clock := newTestCoordinator(t, store, connectivity.NewNotifier(), sender)

	for _, name := range []string{"first", "second", "third"} {
		_, err := c.AddToQueue(context.Background(), name, nil)
		require.NoError(t, err)
	}

	var outcomes []models.ActionOutcome
	c.OnOutcome(func(o models.ActionOutcome) { outcomes = append(outcomes, o) })

	// ACT
	c.ProcessQueue(context.Background())

	// ASSERT
	assert.Equal(t, []string{"first", "second", "third"}, sender.actionNames(), "replay is serial and ordered")
	assert.Empty(t, readPersisted(t, store))
	assert.Equal(t, 0, c.QueueLength())
	assert.Empty(t, clock.pending(), "nothing left to retry")
	require.Len(t, outcomes, 3)
	assert.Equal(t, models.OutcomeDelivered, outcomes[0].Status)
}

// TestProcessQueue_NetworkFailureRequeues tests that a failed send stays
// queued and a retry is scheduled after the back-off
func TestProcessQueue_NetworkFailureRequeues(t *testing.T) {
	store := repositories.NewMemoryStore()
	sender := &fakeSender{respond: func(string, int) (*models.ActionResult, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	c, clock := newTestCoordinator(t, store, connectivity.NewNotifier(), sender)

	queued, err := c.AddToQueue(context.Background(), "saveGrade", map[string]int{"grade": 18})
	require.NoError(t, err)

	// ACT
	c.ProcessQueue(context.Background())

	// ASSERT
	persisted := readPersisted(t, store)
	require.Len(t, persisted, 1)
	assert.Equal(t, queued.ID, persisted[0].ID)
	assert.Equal(t, 1, persisted[0].Attempts)

	timers := clock.pending()
	require.Len(t, timers, 1)
	assert.Equal(t, DefaultRetryDelay, timers[0].delay)

	// Firing the back-off replays again.
	clock.fireAll()
	waitIdle(c)
	assert.Equal(t, 2, sender.callCount())
	assert.Len(t, clock.pending(), 1, "still failing, so another retry is scheduled")
}

func TestProcessQueue_PanickingSenderIsNetworkFailure(t *testing.T) {
	store := repositories.NewMemoryStore()
	sender := &fakeSender{respond: func(name string, n int) (*models.ActionResult, error) {
		if name == "explodes" {
			panic("nil map")
		}
		return &models.ActionResult{OK: true}, nil
	}}
	c, _ := newTestCoordinator(t, store, connectivity.NewNotifier(), sender)

	_, err := c.AddToQueue(context.Background(), "explodes", nil)
	require.NoError(t, err)
	_, err = c.AddToQueue(context.Background(), "fine", nil)
	require.NoError(t, err)

	c.ProcessQueue(context.Background())

	assert.Equal(t, []string{"explodes", "fine"}, sender.actionNames(), "the pass continues after a panic")
	persisted := readPersisted(t, store)
	require.Len(t, persisted, 1)
	assert.Equal(t, "explodes", persisted[0].ActionName)
}

func TestProcessQueue_ConnectionSentinelRequeues(t *testing.T) {
	store := repositories.NewMemoryStore()
	sender := &fakeSender{respond: func(name string, n int) (*models.ActionResult, error) {
		return remote.Classify(name, &models.ActionResult{OK: false, Msg: remote.ConnectionErrorMessage})
	}}
	c, _ := newTestCoordinator(t, store, connectivity.NewNotifier(), sender)

	_, err := c.AddToQueue(context.Background(), "saveGrade", nil)
	require.NoError(t, err)

	c.ProcessQueue(context.Background())

	assert.Len(t, readPersisted(t, store), 1)
}

// TestProcessQueue_DomainFailureDropped tests that business rejections are
// not retried
func TestProcessQueue_DomainFailureDropped(t *testing.T) {
	store := repositories.NewMemoryStore()
	sender := &fakeSender{respond: func(name string, n int) (*models.ActionResult, error) {
		return remote.Classify(name, &models.ActionResult{OK: false, Msg: "validation failed"})
	}}
	c, clock := newTestCoordinator(t, store, connectivity.NewNotifier(), sender)

	queued, err := c.AddToQueue(context.Background(), "saveGrade", nil)
	require.NoError(t, err)

	var outcomes []models.ActionOutcome
	c.OnOutcome(func(o models.ActionOutcome) { outcomes = append(outcomes, o) })

	// ACT
	c.ProcessQueue(context.Background())

	// ASSERT
	assert.Empty(t, readPersisted(t, store))
	assert.Empty(t, clock.pending(), "no retry for a domain failure")
	require.Len(t, outcomes, 1)
	assert.Equal(t, queued.ID, outcomes[0].ActionID)
	assert.Equal(t, models.OutcomeRejected, outcomes[0].Status)
	assert.Equal(t, "validation failed", outcomes[0].Detail)
}

// TestProcessQueue_AtMostOneDrain tests that a second call while a drain is
// in flight sends nothing
func TestProcessQueue_AtMostOneDrain(t *testing.T) {
	store := repositories.NewMemoryStore()
	sender := &fakeSender{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
	c, _ := newTestCoordinator(t, store, connectivity.NewNotifier(), sender)

	for _, name := range []string{"first", "second"} {
		_, err := c.AddToQueue(context.Background(), name, nil)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		c.ProcessQueue(context.Background())
		close(done)
	}()
	<-sender.started

	// ACT: concurrent call while the first send is pending
	c.ProcessQueue(context.Background())
	close(sender.release)
	<-done

	// ASSERT
	assert.Equal(t, []string{"first", "second"}, sender.actionNames())
	assert.Equal(t, 0, c.QueueLength())
}

func TestProcessQueue_LiveAppendsWaitForNextPass(t *testing.T) {
	store := repositories.NewMemoryStore()
	sender := &fakeSender{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
	c, clock := newTestCoordinator(t, store, connectivity.NewNotifier(), sender)

	_, err := c.AddToQueue(context.Background(), "first", nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.ProcessQueue(context.Background())
		close(done)
	}()
	<-sender.started

	late, err := c.AddToQueue(context.Background(), "late", nil)
	require.NoError(t, err)
	close(sender.release)
	<-done

	assert.Equal(t, []string{"first"}, sender.actionNames())
	persisted := readPersisted(t, store)
	require.Len(t, persisted, 1)
	assert.Equal(t, late.ID, persisted[0].ID)
	assert.Len(t, clock.pending(), 1, "non-empty queue schedules another pass")
}

func TestProcessQueue_SkipsWhenOffline(t *testing.T) {
	monitor := connectivity.NewNotifier()
	monitor.Report(models.Connected(false))
	sender := &fakeSender{}
	c, _ := newTestCoordinator(t, repositories.NewMemoryStore(), monitor, sender)
	require.NoError(t, c.Init(context.Background()))

	_, err := c.AddToQueue(context.Background(), "saveGrade", nil)
	require.NoError(t, err)

	c.ProcessQueue(context.Background())

	assert.Zero(t, sender.callCount())
	assert.Equal(t, 1, c.QueueLength())
}

// TestOfflineToOnline_TriggersOneDrain tests that regaining connectivity
// replays the queue exactly once
func TestOfflineToOnline_TriggersOneDrain(t *testing.T) {
	store := repositories.NewMemoryStore()
	seedQueue(t, store, &models.QueuedAction{ID: "a1", ActionName: "saveGrade"})

	monitor := connectivity.NewNotifier()
	monitor.Report(models.Connected(false))
	sender := &fakeSender{}
	c, _ := newTestCoordinator(t, store, monitor, sender)
	require.NoError(t, c.Init(context.Background()))
	waitIdle(c)
	require.Zero(t, sender.callCount(), "no drain while offline")

	// ACT
	monitor.Report(models.Connected(true))
	monitor.Report(models.Connected(true))
	waitIdle(c)

	// ASSERT
	assert.Equal(t, 1, sender.callCount())
	assert.Empty(t, readPersisted(t, store))
}

// TestInit_FlipOnlineTriggersSingleDrain tests that an initial reading that
// brings the coordinator online starts exactly one drain
func TestInit_FlipOnlineTriggersSingleDrain(t *testing.T) {
	store := repositories.NewMemoryStore()
	seedQueue(t, store, &models.QueuedAction{ID: "a1", ActionName: "saveGrade"})

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	sender := &fakeSender{}
	monitor := &flippingMonitor{Notifier: connectivity.NewNotifier()}
	c, _ := newTestCoordinator(t, store, monitor, sender, func(opts *CoordinatorOptions) {
		opts.Logger = logger
	})

	// ACT
	require.NoError(t, c.Init(context.Background()))
	waitIdle(c)

	// ASSERT
	triggered := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "queue drain triggered" {
			triggered++
		}
	}
	assert.Equal(t, 1, triggered)
	assert.Equal(t, 1, sender.callCount())
	assert.Empty(t, readPersisted(t, store))
}

func TestRetryPolicy_MaxAttemptsExpiresAction(t *testing.T) {
	store := repositories.NewMemoryStore()
	sender := &fakeSender{respond: func(string, int) (*models.ActionResult, error) {
		return nil, remote.NetworkError("saveGrade", "timeout", nil)
	}}
	c, clock := newTestCoordinator(t, store, connectivity.NewNotifier(), sender, func(o *CoordinatorOptions) {
		o.Retry = RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxAttempts: 2}
	})

	var outcomes []models.ActionOutcome
	c.OnOutcome(func(o models.ActionOutcome) { outcomes = append(outcomes, o) })

	_, err := c.AddToQueue(context.Background(), "saveGrade", nil)
	require.NoError(t, err)

	c.ProcessQueue(context.Background())
	timers := clock.pending()
	require.Len(t, timers, 1)
	assert.Equal(t, time.Second, timers[0].delay)

	clock.fireAll()
	waitIdle(c)

	assert.Empty(t, readPersisted(t, store))
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.OutcomeExpired, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Attempts)
	assert.Empty(t, clock.pending())
}

func TestClose_StopsRetries(t *testing.T) {
	sender := &fakeSender{respond: func(string, int) (*models.ActionResult, error) {
		return nil, errors.New("offline")
	}}
	c, clock := newTestCoordinator(t, repositories.NewMemoryStore(), connectivity.NewNotifier(), sender)

	_, err := c.AddToQueue(context.Background(), "saveGrade", nil)
	require.NoError(t, err)
	c.ProcessQueue(context.Background())
	require.Len(t, clock.pending(), 1)

	c.Close()

	assert.Empty(t, clock.pending())
	c.ProcessQueue(context.Background())
	assert.Equal(t, 1, sender.callCount())
}

// Helper functions for test setup

func newTestCoordinator(
	t *testing.T,
	store repositories.KeyValueStore,
	monitor connectivity.Monitor,
	sender remote.ActionSender,
	configure ...func(*CoordinatorOptions),
) (*OfflineCoordinator, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	opts := CoordinatorOptions{Clock: clock}
	for _, fn := range configure {
		fn(&opts)
	}

	c := NewOfflineCoordinator(store, monitor, sender, opts)
	t.Cleanup(c.Close)
	return c, clock
}

func waitIdle(c *OfflineCoordinator) {
	c.wg.Wait()
}

func seedQueue(t *testing.T, store repositories.KeyValueStore, actions ...*models.QueuedAction) {
	data, err := json.Marshal(actions)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), DefaultQueueKey, string(data)))
}

func readPersisted(t *testing.T, store repositories.KeyValueStore) []*models.QueuedAction {
	raw, err := store.Get(context.Background(), DefaultQueueKey)
	require.NoError(t, err)

	var actions []*models.QueuedAction
	require.NoError(t, json.Unmarshal([]byte(raw), &actions))
	return actions
}

type fakeSender struct {
	mu      sync.Mutex
	calls   []string
	respond func(actionName string, call int) (*models.ActionResult, error)
	started chan string
	release chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, actionName string, payload json.RawMessage) (*models.ActionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, actionName)
	n := len(f.calls)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- actionName
	}
	if f.release != nil {
		<-f.release
	}
	if f.respond == nil {
		return &models.ActionResult{OK: true}, nil
	}
	return f.respond(actionName, n)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) actionNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var active []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			active = append(active, timer)
		}
	}
	return active
}

func (c *fakeClock) fireAll() {
	for _, timer := range c.pending() {
		c.mu.Lock()
		timer.fired = true
		c.now = c.now.Add(timer.delay)
		c.mu.Unlock()
		timer.fn()
	}
}

type failingStore struct {
	repositories.KeyValueStore
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) failSet(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.KeyValueStore.Set(ctx, key, value)
}

// flippingMonitor publishes an offline reading during Fetch and then answers
// online, so the coordinator goes offline to online inside Init.
type flippingMonitor struct {
	*connectivity.Notifier
}

func (m *flippingMonitor) Fetch(ctx context.Context) (models.NetworkState, error) {
	m.Report(models.Connected(false))
	return models.Connected(true), nil
}
