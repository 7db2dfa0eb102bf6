// Package gateway ties the stream transport to message handling. Each
// account runs one connection manager plus an envelope loop that enforces
// the effectively-once guarantees: dedup, in-flight coalescing with stale
// recovery, per-session serialization, and ack-only-after-success.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openclaw/dingbridge/internal/config"
	"github.com/openclaw/dingbridge/internal/dedup"
	"github.com/openclaw/dingbridge/internal/logging"
	"github.com/openclaw/dingbridge/internal/risk"
	"github.com/openclaw/dingbridge/internal/robot"
	"github.com/openclaw/dingbridge/internal/sessionlock"
	"github.com/openclaw/dingbridge/internal/stream"
)

// Handler processes one parsed inbound message. A nil return marks the
// message handled: the gateway records the dedup entry and acknowledges the
// delivery. An error leaves the message unacknowledged so the platform may
// redeliver it.
type Handler interface {
	Handle(ctx context.Context, a *Account, msg *robot.Message) error
}

// ClientFactory builds the stream client for an account.
type ClientFactory func(accountID string, ac config.AccountConfig) (stream.Client, error)

// Gateway owns the cross-account state and runs one Account per configured
// identity.
type Gateway struct {
	cfg       *config.Config
	log       zerolog.Logger
	newClient ClientFactory
	handler   Handler

	dedup *dedup.Store
	risks *risk.Registry

	mu       sync.Mutex
	accounts map[string]*Account
}

// Opts holds parameters for creating a Gateway.
type Opts struct {
	Config    *config.Config
	Log       zerolog.Logger
	NewClient ClientFactory
	Handler   Handler
	// Risks may be shared with the send service; a nil value gets a fresh
	// registry.
	Risks *risk.Registry
}

// New creates a Gateway. Accounts start on Start.
func New(opts Opts) *Gateway {
	risks := opts.Risks
	if risks == nil {
		risks = risk.NewRegistry()
	}
	return &Gateway{
		cfg:       opts.Config,
		log:       opts.Log,
		newClient: opts.NewClient,
		handler:   opts.Handler,
		dedup:     dedup.NewStore(),
		risks:     risks,
		accounts:  make(map[string]*Account),
	}
}

// Risks exposes the shared risk registry.
func (g *Gateway) Risks() *risk.Registry { return g.risks }

// Start connects every configured account. Accounts that fail to connect
// abort the whole start.
func (g *Gateway) Start(ctx context.Context) error {
	for _, id := range g.cfg.AccountIDs() {
		ac, err := g.cfg.Account(id)
		if err != nil {
			return err
		}
		a, err := g.startAccount(ctx, id, ac)
		if err != nil {
			g.Stop()
			return fmt.Errorf("gateway: start account %s: %w", id, err)
		}
		g.mu.Lock()
		g.accounts[id] = a
		g.mu.Unlock()
	}
	return nil
}

// Stop tears down all running accounts.
func (g *Gateway) Stop() {
	g.mu.Lock()
	accounts := make([]*Account, 0, len(g.accounts))
	for _, a := range g.accounts {
		accounts = append(accounts, a)
	}
	g.mu.Unlock()
	for _, a := range accounts {
		a.Stop()
	}
}

// Wait blocks until every account has stopped, returning the first terminal
// error observed.
func (g *Gateway) Wait() error {
	g.mu.Lock()
	accounts := make([]*Account, 0, len(g.accounts))
	for _, a := range g.accounts {
		accounts = append(accounts, a)
	}
	g.mu.Unlock()

	var firstErr error
	for _, a := range accounts {
		if err := a.manager.WaitForStop(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.wg.Wait()
	}
	return firstErr
}

// AccountStatus is the dashboard view of one account.
type AccountStatus struct {
	AccountID string           `json:"accountId"`
	Connected bool             `json:"connected"`
	Counters  CountersSnapshot `json:"counters"`
	Inflight  int              `json:"inflight"`
	RiskCount int              `json:"riskCount"`
}

// Statuses snapshots every running account, ordered by account ID.
func (g *Gateway) Statuses() []AccountStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]AccountStatus, 0, len(g.accounts))
	for _, id := range g.cfg.AccountIDs() {
		a, ok := g.accounts[id]
		if !ok {
			continue
		}
		out = append(out, AccountStatus{
			AccountID: id,
			Connected: a.manager.IsConnected(),
			Counters:  a.Counters.Snapshot(),
			Inflight:  g.dedup.InflightCount(id),
			RiskCount: g.risks.CountForAccount(id),
		})
	}
	return out
}

func (g *Gateway) startAccount(ctx context.Context, id string, ac config.AccountConfig) (*Account, error) {
	a := &Account{
		ID:       id,
		Config:   ac,
		Log:      logging.ForAccount(g.log, id),
		Counters: &Counters{},
		Risks:    g.risks,
		dedup:    g.dedup,
		locks:    sessionlock.NewTable(),
		handler:  g.handler,
	}
	client, err := g.newClient(id, ac)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.manager = stream.NewManager(stream.ManagerOpts{
		AccountID:          id,
		Client:             a.client,
		MaxReconnectCycles: ac.MaxReconnectCycles,
		OnStateChange:      a.onStateChange,
		Log:                a.Log,
	})

	if err := a.manager.Connect(ctx); err != nil {
		return nil, err
	}
	a.wg.Add(1)
	go a.eventLoop(ctx)
	return a, nil
}

// Account is the per-account runtime context: configuration, connection
// manager, and the stores backing the effectively-once pipeline.
type Account struct {
	ID       string
	Config   config.AccountConfig
	Log      zerolog.Logger
	Counters *Counters
	Risks    *risk.Registry

	dedup   *dedup.Store
	locks   *sessionlock.Table
	client  stream.Client
	manager *stream.Manager
	handler Handler

	wg sync.WaitGroup
}

// Stop shuts the account's connection down.
func (a *Account) Stop() {
	a.manager.Stop()
}

// IsConnected reports the current channel state.
func (a *Account) IsConnected() bool {
	return a.manager.IsConnected()
}

// eventLoop pumps transport envelopes into handlers. Each robot envelope is
// handled on its own goroutine; ordering within a conversation is enforced
// by the session lock, not by the loop.
func (a *Account) eventLoop(ctx context.Context) {
	defer a.wg.Done()
	for env := range a.client.Events() {
		if env.Topic != stream.TopicRobot {
			continue
		}
		a.wg.Add(1)
		go func(env stream.Envelope) {
			defer a.wg.Done()
			a.handleEnvelope(ctx, env)
		}(env)
	}
}

// handleEnvelope runs the inbound pipeline for one delivery: parse, dedup
// check, in-flight claim, session-serialized dispatch, then completion
// bookkeeping. The delivery is acknowledged only after the handler returns
// success; every other path leaves it unacknowledged for redelivery.
func (a *Account) handleEnvelope(ctx context.Context, env stream.Envelope) {
	msg, err := robot.Parse(env.Data)
	if err != nil {
		a.Log.Error().Err(err).Str("envelope", env.ID).Msg("dropping malformed payload")
		a.Counters.bump(a.Log, "failed")
		return
	}

	key := msg.DedupKey(a.Config.RobotCode, a.Config.ClientID)
	if a.dedup.IsProcessed(a.ID, key) {
		a.Log.Debug().Str("key", key).Msg("duplicate of a processed message")
		a.Counters.bump(a.Log, "dedup-skipped")
		return
	}

	outcome, age := a.dedup.TryBeginProcessing(a.ID, key, env.ID)
	switch outcome {
	case dedup.OutcomeCoalesced:
		a.Log.Debug().Str("key", key).Msg("coalesced concurrent duplicate delivery")
		a.Counters.bump(a.Log, "dedup-skipped")
		return
	case dedup.OutcomeStaleRecovered:
		a.Log.Warn().Msgf("Releasing stale in-flight lock for %s after %s", key, age)
	}
	defer a.dedup.EndProcessing(a.ID, key, env.ID)

	lock, err := a.locks.Acquire(ctx, a.ID+":"+msg.ConversationID)
	if err != nil {
		a.Log.Warn().Err(err).Str("key", key).Msg("abandoned waiting for session lock")
		a.Counters.bump(a.Log, "failed")
		return
	}
	handleErr := a.handler.Handle(ctx, a, msg)
	lock.Release()

	if handleErr != nil {
		a.Log.Error().Err(handleErr).Str("key", key).Msg("message handling failed")
		a.Counters.bump(a.Log, "failed")
		return
	}

	a.dedup.MarkProcessed(a.ID, key)
	a.client.Ack(env.ID, stream.AckSuccess)
	a.Counters.bump(a.Log, "ok")
}

// onStateChange reacts to connection drops: in-progress work can no longer
// acknowledge over the dead channel, so the account's in-flight entries are
// cleared immediately rather than waiting out the staleness TTL.
func (a *Account) onStateChange(status stream.Status, reason string) {
	if status != stream.StatusDisconnected {
		return
	}
	if n := a.dedup.SweepAccount(a.ID); n > 0 {
		a.Log.Info().Msgf("Cleared %d stale in-flight lock(s) on disconnect (%s)", n, reason)
	}
}
