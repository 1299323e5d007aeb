// ABOUTME: Periodic refresh coordinator driving the one2track poller
// ABOUTME: Serializes poll cycles, caches snapshots, and signals credential failures

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/one2track/bridge/cache"
	"github.com/one2track/bridge/models"
	"github.com/one2track/bridge/services"
)

const snapshotKey = "devices:latest"

// Coordinator owns the poll cadence for one TrackerClient. Cycles never
// overlap: the scheduled loop and on-demand Refresh calls are funneled
// through one singleflight group, so a caller asking for fresh data while a
// cycle is in flight shares that cycle's result. The coordinator is also the
// single owner of the client's Close.
type Coordinator struct {
	client   *services.TrackerClient
	cache    *cache.Cache
	interval time.Duration

	// onAuthFailure is invoked when a cycle fails with confirmed-invalid
	// credentials; that state needs operator action and is not fixed by
	// waiting for the next interval.
	onAuthFailure func(error)

	group singleflight.Group

	// clientMu serializes all client use. The poller and the messaging flow
	// share one session and both read-then-write its cookie/token pair.
	clientMu sync.Mutex

	// mu guards the status fields below. The client itself is only touched
	// inside the singleflight group; its session state is mirrored here so
	// Status never races a cycle.
	mu             sync.RWMutex
	authenticated  bool
	accountID      string
	lastSuccess    time.Time
	lastError      string
	reauthRequired bool

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a coordinator. onAuthFailure may be nil.
func New(client *services.TrackerClient, c *cache.Cache, interval time.Duration, onAuthFailure func(error)) *Coordinator {
	return &Coordinator{
		client:        client,
		cache:         c,
		interval:      interval,
		onAuthFailure: onAuthFailure,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the polling loop. The first cycle runs immediately.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Stop ends the polling loop, waits for an in-flight cycle to settle, and
// closes the client. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.client.Close()
	})
}

func (c *Coordinator) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.poll()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *Coordinator) poll() {
	if _, err := c.Refresh(context.Background()); err != nil {
		slog.Warn("poll cycle failed, retrying next interval", "error", err)
	}
}

// Refresh runs one poll cycle, or joins the cycle already in flight, and
// returns the resulting snapshot. Recoverable fetch failures come back as
// errors; the previous snapshot (if any) stays servable from the cache.
func (c *Coordinator) Refresh(ctx context.Context) (*models.Snapshot, error) {
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Snapshot), nil
}

func (c *Coordinator) refresh(ctx context.Context) (*models.Snapshot, error) {
	c.clientMu.Lock()
	result, err := c.client.Update(ctx)
	c.mirrorSession()
	c.clientMu.Unlock()
	if err != nil {
		c.recordFailure(err.Error())
		return nil, fmt.Errorf("unexpected error fetching device data: %w", err)
	}

	switch result.Outcome {
	case services.FetchOK:
		snapshot := &models.Snapshot{
			Devices:   result.Devices,
			Timestamp: time.Now(),
		}
		c.cache.Set(snapshotKey, snapshot)

		c.mu.Lock()
		c.lastSuccess = snapshot.Timestamp
		c.lastError = ""
		c.reauthRequired = false
		c.mu.Unlock()

		slog.Debug("poll cycle succeeded", "devices", len(snapshot.Devices))
		return snapshot, nil

	case services.FetchParseFailure:
		c.recordFailure("unreadable device data")
		return nil, fmt.Errorf("no usable device data received: %w", result.Err)

	case services.FetchSessionRejected:
		c.recordFailure("session rejected")
		return nil, fmt.Errorf("session rejected by service, re-authenticating next cycle")

	case services.FetchAuthRequired:
		c.recordFailure("authentication required")
		if services.CredentialsRejected(result.Err) {
			c.mu.Lock()
			c.reauthRequired = true
			c.mu.Unlock()
			if c.onAuthFailure != nil {
				c.onAuthFailure(result.Err)
			}
		}
		return nil, fmt.Errorf("authentication required: %w", result.Err)

	default:
		c.recordFailure("unknown outcome")
		return nil, fmt.Errorf("unknown fetch outcome %v", result.Outcome)
	}
}

func (c *Coordinator) recordFailure(reason string) {
	c.mu.Lock()
	c.lastError = reason
	c.mu.Unlock()
}

// mirrorSession copies the client's session state into the status fields.
// Callers must hold clientMu.
func (c *Coordinator) mirrorSession() {
	authenticated := c.client.Authenticated()
	accountID := c.client.AccountID()
	c.mu.Lock()
	c.authenticated = authenticated
	c.accountID = accountID
	c.mu.Unlock()
}

// SendMessage relays a message send through the shared client, serialized
// against poll cycles. A failure here does not invalidate the polling
// session; the next cycle re-checks it on its own.
func (c *Coordinator) SendMessage(ctx context.Context, deviceID, message, title string) error {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	err := c.client.SendMessage(ctx, deviceID, message, title)
	c.mirrorSession()
	return err
}

// Snapshot returns the latest cached snapshot, marked as cached.
func (c *Coordinator) Snapshot() (*models.Snapshot, bool) {
	val, ok := c.cache.Get(snapshotKey)
	if !ok {
		return nil, false
	}
	snapshot, ok := val.(*models.Snapshot)
	if !ok {
		return nil, false
	}
	cached := *snapshot
	cached.Cached = true
	return &cached, true
}

// Status describes the coordinator for the health endpoint.
type Status struct {
	Authenticated  bool      `json:"authenticated"`
	AccountID      string    `json:"account_id,omitempty"`
	LastSuccess    time.Time `json:"last_success,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	ReauthRequired bool      `json:"reauth_required"`
}

// Status reports the current polling/auth state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Authenticated:  c.authenticated,
		AccountID:      c.accountID,
		LastSuccess:    c.lastSuccess,
		LastError:      c.lastError,
		ReauthRequired: c.reauthRequired,
	}
}
