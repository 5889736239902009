// Package syncer drives a client replica: it owns the active base
// subscription, bootstraps the replica, applies live pushes, and reconciles
// gaps through paged catch-up after a disconnect.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gridbase/metasync/internal/meta"
	"github.com/gridbase/metasync/internal/replica"
	"go.uber.org/zap"
)

const defaultPageSize = 1000

var (
	errMissingTransport = errors.New("syncer: transport is required")
	errMissingStore     = errors.New("syncer: replica store is required")
	// ErrNoActiveBase indicates a resume with no base activated.
	ErrNoActiveBase = errors.New("syncer: no active base")
)

// State is the controller lifecycle for the active base.
type State int32

const (
	// StateIdle means no base is active.
	StateIdle State = iota
	// StateBootstrapping means a full snapshot load is in flight; pushed
	// events are buffered until it completes.
	StateBootstrapping
	// StateLive means pushed events are applied as they arrive.
	StateLive
	// StateCatchingUp means missed events are being paged in; pushed
	// events are buffered until the backlog is drained.
	StateCatchingUp
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootstrapping:
		return "bootstrapping"
	case StateLive:
		return "live"
	case StateCatchingUp:
		return "catching_up"
	default:
		return "unknown"
	}
}

// Transport is the controller's view of the server: channel membership over
// the persistent connection plus the bootstrap and catch-up fetch paths.
type Transport interface {
	Subscribe(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID) error
	Unsubscribe(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID) error
	Bootstrap(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID) (meta.BootstrapResult, error)
	EventsSince(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID, sinceID int64, offset, limit int) ([]meta.ChangeEvent, error)
}

// Observer receives each applied change event, in apply order, once per
// registration, after the replica write commits.
type Observer func(event meta.ChangeEvent)

// ControllerConfig describes the controller dependencies.
type ControllerConfig struct {
	Transport Transport
	Store     *replica.Store
	PageSize  int
	Logger    *zap.Logger
}

// Controller is the client sync state machine. All replica writes for the
// active base funnel through one apply mutex, so bootstrap, catch-up pages,
// and live pushes never interleave and per-base apply order is total.
type Controller struct {
	transport Transport
	store     *replica.Store
	pageSize  int
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	workspaceID meta.WorkspaceID
	baseID      meta.BaseID
	buffer      []meta.ChangeEvent

	applyMu sync.Mutex

	observerMu   sync.Mutex
	observers    []registeredObserver
	nextObserver int64
}

type registeredObserver struct {
	id int64
	fn Observer
}

// NewController validates dependencies and constructs an idle controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		transport: cfg.Transport,
		store:     cfg.Store,
		pageSize:  pageSize,
		logger:    logger,
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers an observer and returns its unregister function.
// Observers fire in registration order.
func (c *Controller) OnEvent(fn Observer) func() {
	c.observerMu.Lock()
	c.nextObserver++
	id := c.nextObserver
	c.observers = append(c.observers, registeredObserver{id: id, fn: fn})
	c.observerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.observerMu.Lock()
			for index, observer := range c.observers {
				if observer.id == id {
					c.observers = append(c.observers[:index], c.observers[index+1:]...)
					break
				}
			}
			c.observerMu.Unlock()
		})
	}
}

// ActivateBase switches the controller to a base: unsubscribe from the old
// channel first (preventing cross-base event leakage), subscribe to the new
// one, bootstrap, then go live, replaying any events pushed while the
// bootstrap was in flight.
func (c *Controller) ActivateBase(ctx context.Context, workspaceRaw, baseRaw string) error {
	workspaceID, err := meta.NewWorkspaceID(workspaceRaw)
	if err != nil {
		return err
	}
	baseID, err := meta.NewBaseID(baseRaw)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		previousWorkspace, previousBase := c.workspaceID, c.baseID
		c.state = StateIdle
		c.buffer = nil
		c.mu.Unlock()
		if err := c.transport.Unsubscribe(ctx, previousWorkspace, previousBase); err != nil {
			c.logger.Warn("unsubscribe from previous base failed",
				zap.String("base", previousBase.String()), zap.Error(err))
		}
		c.mu.Lock()
	}
	c.workspaceID = workspaceID
	c.baseID = baseID
	c.state = StateBootstrapping
	c.buffer = nil
	c.mu.Unlock()

	if err := c.transport.Subscribe(ctx, workspaceID, baseID); err != nil {
		c.toIdle()
		return fmt.Errorf("syncer: subscribe %s: %w", baseID, err)
	}

	if err := c.runBootstrap(ctx, workspaceID, baseID); err != nil {
		c.toIdle()
		return err
	}

	c.goLive(ctx)
	c.logger.Info("base live", zap.String("base", baseID.String()))
	return nil
}

// Deactivate unsubscribes from the active base and returns to idle.
func (c *Controller) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	workspaceID, baseID := c.workspaceID, c.baseID
	c.state = StateIdle
	c.buffer = nil
	c.mu.Unlock()

	return c.transport.Unsubscribe(ctx, workspaceID, baseID)
}

// HandlePush receives one live event from the transport. Events outside the
// active base are dropped; events during bootstrap or catch-up are buffered;
// live events are applied immediately.
func (c *Controller) HandlePush(event meta.ChangeEvent) {
	c.mu.Lock()
	if c.state == StateIdle || event.WorkspaceID != c.workspaceID || event.BaseID != c.baseID {
		c.mu.Unlock()
		return
	}
	if c.state == StateBootstrapping || c.state == StateCatchingUp {
		c.buffer = append(c.buffer, event)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.applyAndNotify(context.Background(), event); err != nil {
		c.logger.Warn("live apply failed, catch-up from last cursor recommended",
			zap.Int64("event_id", event.EventID), zap.Error(err))
	}
}

// Resume reconciles the replica after a reconnect or explicit resume. The
// channel subscription is re-established first (server membership does not
// survive a transport drop), then missed events are pulled in fixed-size
// pages until a short page signals the backlog is drained. With no cursor,
// catch-up is impossible and a full bootstrap runs instead.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return ErrNoActiveBase
	}
	workspaceID, baseID := c.workspaceID, c.baseID
	c.state = StateCatchingUp
	c.mu.Unlock()

	if err := c.transport.Subscribe(ctx, workspaceID, baseID); err != nil {
		return fmt.Errorf("syncer: resubscribe %s: %w", baseID, err)
	}

	cursor, found, err := c.store.Cursor(ctx, workspaceID, baseID)
	if err != nil {
		return err
	}
	if !found {
		c.mu.Lock()
		c.state = StateBootstrapping
		c.mu.Unlock()
		if err := c.runBootstrap(ctx, workspaceID, baseID); err != nil {
			return err
		}
		c.goLive(ctx)
		return nil
	}

	if err := c.catchUp(ctx, workspaceID, baseID, cursor.LastEventID); err != nil {
		return err
	}
	c.goLive(ctx)
	c.logger.Info("catch-up complete", zap.String("base", baseID.String()))
	return nil
}

// catchUp pages through missed events with a bounded loop. Page n+1 is not
// requested until page n is fully applied; a failure aborts the loop and the
// cursor holds at the last committed apply, so resuming is safe.
func (c *Controller) catchUp(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID, sinceID int64) error {
	for offset := 0; ; offset += c.pageSize {
		events, err := c.transport.EventsSince(ctx, workspaceID, baseID, sinceID, offset, c.pageSize)
		if err != nil {
			return fmt.Errorf("syncer: fetch events since %d: %w", sinceID, err)
		}
		for _, event := range events {
			if err := c.applyAndNotify(ctx, event); err != nil {
				return err
			}
		}
		if len(events) < c.pageSize {
			return nil
		}
	}
}

func (c *Controller) runBootstrap(ctx context.Context, workspaceID meta.WorkspaceID, baseID meta.BaseID) error {
	snapshot, err := c.transport.Bootstrap(ctx, workspaceID, baseID)
	if err != nil {
		return fmt.Errorf("syncer: bootstrap %s: %w", baseID, err)
	}
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.store.ApplyBootstrap(ctx, workspaceID, baseID, snapshot)
}

// goLive drains the buffered events in arrival order, then flips to Live.
// Buffered duplicates of already-applied events are harmless by idempotence.
func (c *Controller) goLive(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.buffer) == 0 {
			c.state = StateLive
			c.mu.Unlock()
			return
		}
		buffered := c.buffer
		c.buffer = nil
		c.mu.Unlock()

		for _, event := range buffered {
			if err := c.applyAndNotify(ctx, event); err != nil {
				c.logger.Warn("buffered apply failed",
					zap.Int64("event_id", event.EventID), zap.Error(err))
			}
		}
	}
}

func (c *Controller) applyAndNotify(ctx context.Context, event meta.ChangeEvent) error {
	c.applyMu.Lock()
	err := c.store.ApplyEvent(ctx, event)
	c.applyMu.Unlock()
	if err != nil {
		return err
	}

	c.observerMu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, observer := range c.observers {
		observers = append(observers, observer.fn)
	}
	c.observerMu.Unlock()
	for _, observer := range observers {
		observer(event)
	}
	return nil
}

func (c *Controller) toIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.buffer = nil
	c.mu.Unlock()
}
