// Package realtime maintains the live change subscription for the bound
// tenant and recovers it when the channel drops.
//
// The Channel is a small state machine: Closed -> Connecting -> Open, with
// Open -> Reconnecting -> Open on channel loss. A watchdog goroutine probes
// at a fixed check interval while reconnecting; on recovery it resubscribes
// and then runs a full sync cycle, so edits made during the outage are
// pushed before the authoritative state is pulled back in.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsuite/opsync/pkg/cloud"
	"github.com/opsuite/opsync/pkg/logger"
	"github.com/opsuite/opsync/pkg/models"
)

// State is the lifecycle state of the live channel.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// TransitionTo validates a state change and returns the new state.
func (s State) TransitionTo(newState State) (State, error) {
	switch s {
	case StateClosed:
		if newState == StateConnecting {
			return newState, nil
		}
	case StateConnecting:
		switch newState {
		case StateOpen, StateClosed:
			return newState, nil
		}
	case StateOpen:
		switch newState {
		case StateReconnecting, StateClosed:
			return newState, nil
		}
	case StateReconnecting:
		switch newState {
		case StateOpen, StateClosed:
			return newState, nil
		}
	}
	return s, fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

const defaultCheckInterval = 5 * time.Second

// Params configures a Channel.
type Params struct {
	Service cloud.Service
	Logger  logger.Logger

	// OnEvent receives every event delivered over the subscription.
	OnEvent func(models.RemoteEvent)

	// Resync runs after the subscription is re-established following an
	// outage, typically a push-then-hydrate cycle to reconcile what was
	// missed.
	Resync func(context.Context) error

	// CheckInterval is how often the watchdog probes while the channel is
	// down. Defaults to 5 seconds.
	CheckInterval time.Duration
}

// Channel owns one tenant-scoped live subscription.
type Channel struct {
	service       cloud.Service
	log           logger.Logger
	onEvent       func(models.RemoteEvent)
	resync        func(context.Context) error
	checkInterval time.Duration

	mu       sync.Mutex
	state    State
	tenantID string
	handle   cloud.SubscriptionHandle

	closeCh  chan struct{}
	loopDone chan struct{}
}

// New creates a closed Channel.
func New(p Params) *Channel {
	if p.Logger == nil {
		p.Logger = logger.Default()
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = defaultCheckInterval
	}
	return &Channel{
		service:       p.Service,
		log:           p.Logger,
		onEvent:       p.OnEvent,
		resync:        p.Resync,
		checkInterval: p.CheckInterval,
		state:         StateClosed,
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) transitionTo(newState State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.state.TransitionTo(newState)
	if err != nil {
		return err
	}
	c.state = next
	c.log.Debug("live channel state transitioned", "new_state", next)
	return nil
}

func (c *Channel) mustTransitionTo(newState State) {
	if err := c.transitionTo(newState); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
}

// Open subscribes to live changes for tenantID and starts the watchdog. It
// fails if the channel is already open; the initial subscribe failure is
// returned to the caller rather than retried, since it usually means the
// session or tenant is wrong.
func (c *Channel) Open(ctx context.Context, tenantID string) error {
	if err := c.transitionTo(StateConnecting); err != nil {
		return err
	}

	handle, err := c.service.Subscribe(ctx, tenantID, c.deliver, c.channelLost)
	if err != nil {
		c.mustTransitionTo(StateClosed)
		return fmt.Errorf("failed to open live channel: %w", err)
	}

	c.mu.Lock()
	c.tenantID = tenantID
	c.handle = handle
	c.closeCh = make(chan struct{})
	c.loopDone = make(chan struct{})
	closeCh, loopDone := c.closeCh, c.loopDone
	c.mu.Unlock()

	go c.watchdog(closeCh, loopDone)

	c.mustTransitionTo(StateOpen)
	return nil
}

// Close tears the subscription down and stops the watchdog. Closing an
// already-closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	closeCh, loopDone := c.closeCh, c.loopDone
	handle := c.handle
	c.mu.Unlock()

	if err := c.transitionTo(StateClosed); err != nil {
		return err
	}

	if closeCh != nil {
		close(closeCh)
		<-loopDone
	}

	// Unknown or already-dropped handles are a safe no-op server-side.
	if err := c.service.Unsubscribe(handle); err != nil {
		c.log.Warn("failed to unsubscribe live channel", "error", err)
	}
	return nil
}

// deliver forwards one event to the consumer.
func (c *Channel) deliver(ev models.RemoteEvent) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// channelLost is invoked by the transport when the subscription dies.
func (c *Channel) channelLost(err error) {
	c.log.Warn("live channel lost", "error", err)
	if terr := c.transitionTo(StateReconnecting); terr != nil {
		// Already closed or reconnecting; nothing to do.
		c.log.Debug("channel loss ignored", "state", c.State())
	}
}

// watchdog probes at the check interval and re-establishes the subscription
// whenever the channel sits in Reconnecting.
func (c *Channel) watchdog(closeCh chan struct{}, loopDone chan struct{}) {
	defer close(loopDone)

	for {
		select {
		case <-closeCh:
			return
		case <-time.After(c.checkInterval):
		}

		if c.State() != StateReconnecting {
			continue
		}

		c.log.Info("attempting to reopen live channel")
		if err := c.reopen(); err != nil {
			c.log.Error("failed to reopen live channel", "error", err)
			continue
		}
		c.log.Info("live channel reopened")
	}
}

func (c *Channel) reopen() error {
	c.mu.Lock()
	tenantID := c.tenantID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handle, err := c.service.Subscribe(ctx, tenantID, c.deliver, c.channelLost)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()

	// Reconcile the outage window: local edits go out first, then the
	// authoritative state comes back in. Events delivered while this runs
	// are deduplicated downstream.
	if c.resync != nil {
		if err := c.resync(ctx); err != nil {
			c.log.Warn("post-reconnect sync failed", "error", err)
		}
	}

	if err := c.transitionTo(StateOpen); err != nil {
		// Closed mid-recovery; drop the fresh subscription again.
		_ = c.service.Unsubscribe(handle)
		return err
	}
	return nil
}
