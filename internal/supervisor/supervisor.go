// Package supervisor drives the protocol connection through its lifecycle:
// handshake, pairing, connected and disconnected, with reconnect policy and
// credential durability at the state boundaries.
//
// All state transitions happen on the goroutine running Run. Other
// goroutines read state through Snapshot and request changes through Reset.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/ashureev/wa-relay/internal/observability"
	"github.com/ashureev/wa-relay/internal/protocol"
	"github.com/ashureev/wa-relay/internal/session"
)

// ErrStopped is returned by Reset once Run has exited.
var ErrStopped = errors.New("supervisor stopped")

// Disconnect reasons recorded by the supervisor itself.
const (
	reasonPairingExhausted = "pairing_exhausted"
	reasonConnectFailed    = "connect_failed"
	reasonReset            = "reset"
)

// SessionStore is the credential persistence the supervisor coordinates.
type SessionStore interface {
	Restore(ctx context.Context) (bool, error)
	Backup(ctx context.Context) (session.BackupResult, error)
	Clear(ctx context.Context) error
	HasCredentials() bool
}

// Resetter is state cleared on a full session reset.
type Resetter interface {
	Reset()
}

// MessageHandler receives inbound batches while connected, together with the
// epoch they arrived in.
type MessageHandler func(ctx context.Context, batch protocol.MessagesUpsert, epoch domain.ConnectionEpoch)

// Listener is called with the new snapshot after every state change.
type Listener func(domain.Snapshot)

// Config holds lifecycle policy.
type Config struct {
	MaxPairingAttempts    int
	StartDelay            time.Duration
	ReconnectDelay        time.Duration
	PairingExhaustedDelay time.Duration
	ConnectFailureDelay   time.Duration
	ResetDelay            time.Duration
}

type reconnectDue struct {
	gen    uint64
	reason string
}

type resetRequest struct {
	done chan error
}

// Supervisor owns the connection state machine.
type Supervisor struct {
	cfg    Config
	client protocol.Client
	store  SessionStore
	logger *slog.Logger

	scheduler Scheduler
	now       func() time.Time

	onMessages MessageHandler
	listeners  []Listener
	resetters  []Resetter

	commands chan any
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the event loop.
	ctx             context.Context
	reconnectGen    uint64
	cancelReconnect func()

	mu   sync.RWMutex
	snap domain.Snapshot

	wg sync.WaitGroup
}

// New creates a supervisor. Call Run to start it.
func New(cfg Config, client protocol.Client, store SessionStore, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPairingAttempts <= 0 {
		cfg.MaxPairingAttempts = 3
	}
	return &Supervisor{
		cfg:       cfg,
		client:    client,
		store:     store,
		logger:    logger,
		scheduler: timerScheduler{},
		now:       time.Now,
		commands:  make(chan any, 16),
		done:      make(chan struct{}),
		ctx:       context.Background(),
	}
}

// SetMessageHandler sets the consumer of inbound message batches.
func (s *Supervisor) SetMessageHandler(h MessageHandler) {
	s.onMessages = h
}

// AddListener registers a state change listener.
func (s *Supervisor) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// AddResetter registers state to clear on Reset.
func (s *Supervisor) AddResetter(r Resetter) {
	s.resetters = append(s.resetters, r)
}

// Snapshot returns a copy of the current state.
func (s *Supervisor) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Run restores the session, starts the first handshake and processes events
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ctx = ctx
	defer s.stop()

	s.restore(ctx)
	s.scheduleReconnect(s.cfg.StartDelay, "startup")

	events := s.client.Events()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Supervisor shutting down", "reason", ctx.Err())
			s.stopReconnect()
			if err := s.client.Close(); err != nil {
				s.logger.Debug("Failed to close protocol client", "error", err)
			}
			s.wg.Wait()
			return nil
		case ev := <-events:
			s.handleEvent(ev)
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		}
	}
}

func (s *Supervisor) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Reset discards the session and starts over: credentials are cleared, the
// registered resetters run, the client is closed and a fresh handshake
// starts after ResetDelay. A terminal state is cleared.
func (s *Supervisor) Reset(ctx context.Context) error {
	req := resetRequest{done: make(chan error, 1)}
	if !s.post(req) {
		return ErrStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

func (s *Supervisor) post(cmd any) bool {
	select {
	case s.commands <- cmd:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case reconnectDue:
		s.handleReconnectDue(c)
	case resetRequest:
		c.done <- s.handleReset()
	}
}

func (s *Supervisor) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.ConnectionUpdate:
		s.handleConnectionUpdate(e)
	case protocol.MessagesUpsert:
		s.handleMessages(e)
	}
}

func (s *Supervisor) handleConnectionUpdate(u protocol.ConnectionUpdate) {
	if u.QR != "" {
		s.onChallenge(u.QR)
	}
	switch u.Status {
	case protocol.ConnectionOpen:
		s.onOpen()
	case protocol.ConnectionClose:
		s.onClose(u)
	}
}

func (s *Supervisor) handleMessages(batch protocol.MessagesUpsert) {
	snap := s.Snapshot()
	if !snap.Connected() {
		s.logger.Debug("Dropping messages received while not connected", "count", len(batch.Messages), "state", snap.State)
		return
	}
	if s.onMessages != nil {
		s.onMessages(s.ctx, batch, snap.Epoch)
	}
}

func (s *Supervisor) restore(ctx context.Context) {
	restored, err := s.store.Restore(ctx)
	if err != nil {
		s.logger.Warn("Session restore failed, continuing with local state", "error", err)
		return
	}
	s.logger.Info("Session restore complete", "restored", restored, "has_credentials", s.store.HasCredentials())
}

// connect starts a handshake. The caller has checked that none is in flight.
func (s *Supervisor) connect() {
	s.update(func(snap *domain.Snapshot) {
		snap.State = domain.StateConnecting
	})
	s.logger.Info("Starting protocol handshake", "has_credentials", s.store.HasCredentials())

	if err := s.client.Connect(s.ctx); err != nil {
		s.logger.Warn("Protocol connect failed", "error", err, "retry_in", s.cfg.ConnectFailureDelay)
		s.update(func(snap *domain.Snapshot) {
			snap.State = domain.StateDisconnected
			snap.LastDisconnect = reasonConnectFailed
		})
		s.scheduleReconnect(s.cfg.ConnectFailureDelay, reasonConnectFailed)
	}
}

func (s *Supervisor) onChallenge(token string) {
	snap := s.Snapshot()
	if !snap.State.Handshaking() {
		s.logger.Debug("Ignoring pairing challenge outside handshake", "state", snap.State)
		return
	}

	attempt := snap.PairingAttempts + 1
	if attempt > s.cfg.MaxPairingAttempts {
		s.logger.Warn("Pairing attempts exhausted, discarding local credentials",
			"attempts", attempt,
			"max", s.cfg.MaxPairingAttempts,
			"retry_in", s.cfg.PairingExhaustedDelay)
		s.discardCredentials()
		s.closeClient()
		s.update(func(snap *domain.Snapshot) {
			snap.State = domain.StateDisconnected
			snap.Challenge = nil
			snap.PairingAttempts = 0
			snap.LastDisconnect = reasonPairingExhausted
		})
		s.scheduleReconnect(s.cfg.PairingExhaustedDelay, reasonPairingExhausted)
		return
	}

	s.update(func(snap *domain.Snapshot) {
		snap.State = domain.StateAwaitingPairing
		snap.PairingAttempts = attempt
		snap.Challenge = &domain.PairingChallenge{
			Token:    token,
			Attempt:  attempt,
			IssuedAt: s.now(),
		}
	})
	s.logger.Info("Pairing challenge issued", "attempt", attempt, "max", s.cfg.MaxPairingAttempts)
}

func (s *Supervisor) onOpen() {
	snap := s.Snapshot()
	if !snap.State.Handshaking() {
		s.logger.Debug("Ignoring open outside handshake", "state", snap.State)
		return
	}

	s.stopReconnect()
	now := s.now()
	s.update(func(snap *domain.Snapshot) {
		snap.State = domain.StateConnected
		snap.Epoch = domain.ConnectionEpoch{EstablishedAt: now}
		snap.PairingAttempts = 0
		snap.Challenge = nil
		snap.Terminal = false
		snap.LastDisconnect = ""
	})
	s.logger.Info("Protocol connection open", "established_at", now)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.store.Backup(s.ctx)
		if err != nil {
			s.logger.Warn("Session backup after connect failed", "error", err)
			return
		}
		s.logger.Debug("Session backup after connect", "skipped", res.Skipped, "reason", res.Reason, "uploaded", res.Uploaded)
	}()
}

func (s *Supervisor) onClose(u protocol.ConnectionUpdate) {
	snap := s.Snapshot()
	if snap.State == domain.StateDisconnected {
		s.logger.Debug("Ignoring close while already disconnected", "reason", u.Reason)
		return
	}

	reason := u.Reason
	if reason == "" {
		reason = protocol.ReasonUnknown
	}

	if reason.Terminal() {
		s.logger.Warn("Session invalidated, not reconnecting", "reason", reason, "status_code", u.StatusCode)
		s.stopReconnect()
		s.discardCredentials()
		s.closeClient()
		s.update(func(snap *domain.Snapshot) {
			snap.State = domain.StateDisconnected
			snap.Challenge = nil
			snap.PairingAttempts = 0
			snap.Terminal = true
			snap.LastDisconnect = string(reason)
		})
		return
	}

	delay := s.cfg.ReconnectDelay
	if reason == protocol.ReasonPairingTimeout {
		delay = s.cfg.PairingExhaustedDelay
	}
	s.logger.Info("Protocol connection closed", "reason", reason, "status_code", u.StatusCode, "retry_in", delay)
	s.update(func(snap *domain.Snapshot) {
		snap.State = domain.StateDisconnected
		snap.Challenge = nil
		snap.LastDisconnect = string(reason)
	})
	s.scheduleReconnect(delay, string(reason))
}

func (s *Supervisor) handleReconnectDue(c reconnectDue) {
	if c.gen != s.reconnectGen {
		s.logger.Debug("Ignoring superseded reconnect", "reason", c.reason)
		return
	}
	s.cancelReconnect = nil

	snap := s.Snapshot()
	if snap.Terminal {
		s.logger.Debug("Ignoring reconnect after terminal disconnect")
		return
	}
	if snap.State != domain.StateDisconnected {
		s.logger.Debug("Ignoring reconnect, handshake already in flight", "state", snap.State)
		return
	}
	s.connect()
}

func (s *Supervisor) handleReset() error {
	s.logger.Info("Session reset requested")

	s.stopReconnect()
	s.closeClient()
	if err := s.store.Clear(s.ctx); err != nil {
		s.logger.Warn("Failed to clear session during reset", "error", err)
	}
	for _, r := range s.resetters {
		r.Reset()
	}
	s.update(func(snap *domain.Snapshot) {
		snap.State = domain.StateDisconnected
		snap.Challenge = nil
		snap.PairingAttempts = 0
		snap.Terminal = false
		snap.LastDisconnect = reasonReset
	})
	s.scheduleReconnect(s.cfg.ResetDelay, reasonReset)
	return nil
}

// scheduleReconnect replaces any pending reconnect.
func (s *Supervisor) scheduleReconnect(d time.Duration, reason string) {
	s.stopReconnect()
	s.reconnectGen++
	due := reconnectDue{gen: s.reconnectGen, reason: reason}
	s.cancelReconnect = s.scheduler.Schedule(d, func() { s.post(due) })
	s.logger.Debug("Reconnect scheduled", "delay", d, "reason", reason)
}

func (s *Supervisor) stopReconnect() {
	if s.cancelReconnect != nil {
		s.cancelReconnect()
		s.cancelReconnect = nil
	}
}

func (s *Supervisor) discardCredentials() {
	if err := s.store.Clear(s.ctx); err != nil {
		s.logger.Warn("Failed to clear session credentials", "error", err)
	}
}

func (s *Supervisor) closeClient() {
	if err := s.client.Close(); err != nil {
		s.logger.Debug("Failed to close protocol client", "error", err)
	}
}

func (s *Supervisor) update(fn func(*domain.Snapshot)) {
	s.mu.Lock()
	prev := s.snap.State
	fn(&s.snap)
	if s.snap.State != prev {
		s.snap.LastTransitionAt = s.now()
	}
	next := s.snap
	s.mu.Unlock()

	observability.SetConnectionState(int(next.State))
	for _, l := range s.listeners {
		l(next)
	}
}
