package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status describes the connection state reported to the state-change callback.
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusStopped      Status = "STOPPED"
)

// ErrReconnectBudgetExhausted is the terminal error surfaced when an account
// burns through its configured reconnect cycles.
var ErrReconnectBudgetExhausted = errors.New("stream: reconnect budget exhausted")

const (
	reconnectBaseBackoff = 2 * time.Second
	reconnectMaxBackoff  = 2 * time.Minute
)

// ManagerOpts holds parameters for creating a connection Manager.
type ManagerOpts struct {
	AccountID string
	Client    Client
	// MaxReconnectCycles bounds reconnection before the manager gives up.
	// Zero means the default of 10.
	MaxReconnectCycles int
	// OnStateChange is invoked on every transition to a disconnected or
	// stopped status, with a reason string. May be nil.
	OnStateChange func(status Status, reason string)
	Log           zerolog.Logger
}

// Manager owns one account's stream connection: it connects, supervises the
// running connection, reconnects within a bounded cycle budget, and reports
// every disconnected transition through the state-change callback.
type Manager struct {
	accountID     string
	client        Client
	maxCycles     int
	onStateChange func(Status, string)
	log           zerolog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu        sync.Mutex
	connected bool
	stopped   bool
	stopCh    chan struct{}
	fatalErr  error
}

// NewManager creates a Manager. Connect must be called before the manager
// reports any state.
func NewManager(opts ManagerOpts) *Manager {
	maxCycles := opts.MaxReconnectCycles
	if maxCycles <= 0 {
		maxCycles = 10
	}
	return &Manager{
		accountID:     opts.AccountID,
		client:        opts.Client,
		maxCycles:     maxCycles,
		onStateChange: opts.OnStateChange,
		log:           opts.Log,
		baseBackoff:   reconnectBaseBackoff,
		maxBackoff:    reconnectMaxBackoff,
		stopCh:        make(chan struct{}),
	}
}

// Connect establishes the stream channel and starts the supervision loop.
// It returns once the initial connection is up, or with the connection error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("stream: manager for %s already stopped", m.accountID)
	}
	m.mu.Unlock()

	if err := m.client.Connect(ctx); err != nil {
		return fmt.Errorf("stream: connect %s: %w", m.accountID, err)
	}
	m.setConnected(true)
	m.log.Info().Msg("stream connected")

	go m.supervise(ctx)
	return nil
}

// supervise runs the connection and reconnects with exponential backoff,
// burning one cycle per drop, until the budget is exhausted or the manager
// is stopped.
func (m *Manager) supervise(ctx context.Context) {
	for cycle := 0; ; cycle++ {
		err := m.client.Run(ctx)
		m.setConnected(false)

		if m.isStopped() || ctx.Err() != nil {
			m.notify(StatusDisconnected, "shutdown")
			return
		}
		if err == nil {
			// Clean shutdown from the client side.
			m.notify(StatusDisconnected, "closed")
			m.Stop()
			return
		}

		m.notify(StatusDisconnected, err.Error())

		if cycle+1 >= m.maxCycles {
			m.log.Error().
				Int("cycles", m.maxCycles).
				Err(err).
				Msg("reconnect budget exhausted, stopping account")
			m.fail(fmt.Errorf("%w after %d cycles: %v", ErrReconnectBudgetExhausted, m.maxCycles, err))
			return
		}

		wait := backoff(cycle, m.baseBackoff, m.maxBackoff)
		m.log.Warn().
			Int("cycle", cycle+1).
			Int("max_cycles", m.maxCycles).
			Err(err).
			Dur("backoff", wait).
			Msg("stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-time.After(wait):
		}

		if err := m.client.Connect(ctx); err != nil {
			m.log.Warn().Int("cycle", cycle+1).Err(err).Msg("reconnect attempt failed")
			continue
		}
		m.setConnected(true)
		m.log.Info().Int("cycle", cycle+1).Msg("stream reconnected")
	}
}

// Stop tears the channel down. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.connected = false
	close(m.stopCh)
	m.mu.Unlock()

	_ = m.client.Close()
	m.notify(StatusStopped, "stopped")
}

// fail records a terminal error and stops the manager.
func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
	m.mu.Unlock()
	m.Stop()
}

// WaitForStop blocks until the manager has been stopped and returns the
// terminal error, if any.
func (m *Manager) WaitForStop() error {
	<-m.stopCh
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// IsConnected reports whether the stream channel is currently up.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *Manager) notify(status Status, reason string) {
	if m.onStateChange != nil {
		m.onStateChange(status, reason)
	}
}

func backoff(cycle int, base, max time.Duration) time.Duration {
	wait := time.Duration(math.Pow(2, float64(cycle))) * base
	if wait > max {
		wait = max
	}
	return wait
}
