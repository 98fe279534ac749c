// Package client is the realtime sync engine. It owns one reconnecting
// connection, authenticates the active principal over it and keeps the
// roster, room directory and open room timelines in step with the server.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fogsync/internal/auth"
	"fogsync/internal/bus"
	"fogsync/internal/clock"
	"fogsync/internal/config"
	"fogsync/internal/constants"
	"fogsync/internal/database"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/liveness"
	"fogsync/internal/metrics"
	"fogsync/internal/privacy"
	"fogsync/internal/retry"
	"fogsync/internal/roster"
	"fogsync/internal/subscription"
	"fogsync/internal/tracing"
	"fogsync/internal/transport"
	"fogsync/pkg/circuitbreaker"
	"fogsync/pkg/protocol"
)

const resubscribeTimeout = 30 * time.Second

// Client wires the transport, authentication, liveness and state stores
// together for one host.
type Client struct {
	cfg     *config.Config
	hooks   Hooks
	logger  *logrus.Logger
	errLog  *apperrors.Logger
	clock   clock.Clock
	metrics *metrics.Registry

	correlator *transport.Correlator
	bus        *bus.Bus
	machine    *auth.Machine
	monitor    *liveness.Monitor
	roster     *roster.Materializer
	directory  *roster.Directory
	subs       *subscription.Manager
	tracer     *tracing.TracingManager
	db         *database.Database

	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	closed       bool
	authedBefore bool
	workspaceID  string
	rooms        map[string]*roomHandle
	unsubscribe  []func()
	wg           sync.WaitGroup
}

// New builds a stopped client. A nil cfg uses config.Default.
func New(cfg *config.Config, hooks Hooks, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetLevel(cfg.Level())
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.metrics == nil {
		s.metrics = metrics.GetRegistry()
	}

	c := &Client{
		cfg:     cfg,
		hooks:   hooks,
		logger:  s.logger,
		errLog:  apperrors.NewLogger(s.logger),
		clock:   s.clock,
		metrics: s.metrics,
		subs:    subscription.NewManager(s.logger),
		tracer:  tracing.NewTracingManager(cfg.Tracing, s.logger),
		rooms:   make(map[string]*roomHandle),
	}

	store, err := c.credentialStore(s)
	if err != nil {
		return nil, err
	}
	exchanger, err := c.tokenExchanger(s)
	if err != nil {
		c.closeStore()
		return nil, err
	}

	c.correlator = transport.New(transport.Options{
		URL:           cfg.WebSocketURL(),
		Dialer:        s.dialer,
		Backoff:       retry.NewBackoff(cfg.Backoff(), s.clock),
		Clock:         s.clock,
		Logger:        s.logger,
		Metrics:       s.metrics,
		OnOpen:        c.handleOpen,
		OnClose:       c.handleClose,
		OnMessage:     c.handleMessage,
		OnDecodeError: func(err error) { c.reportError(ErrorKindOther, err) },
	})
	c.bus = bus.New(c.correlator, s.logger, s.metrics)
	c.machine = auth.NewMachine(auth.Options{
		Transport: c.correlator,
		Exchanger: exchanger,
		Store:     store,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Hooks: auth.Hooks{
			OnSession:           c.handleSession,
			OnStateChange:       c.handleState,
			OnPrincipalChange:   func(protocol.Principal) { c.resetState() },
			OnError:             func(err error) { c.reportError(ErrorKindOther, err) },
			OnWrongCredential:   hooks.OnWrongCredential,
			OnVisitorCredential: hooks.OnVisitorCredential,
		},
	})
	c.monitor = liveness.New(liveness.Options{
		Transport:          c.correlator,
		Clock:              s.clock,
		Logger:             s.logger,
		Metrics:            s.metrics,
		PingInterval:       cfg.PingInterval(),
		SleepCheckInterval: cfg.SleepCheckInterval(),
		LongAbsence:        cfg.LongAbsence(),
		ProbeTimeout:       cfg.ProbeTimeout(),
		OnLost:             c.handleLost,
	})
	c.roster = roster.NewMaterializer(roster.Options{
		Caller:   c.correlator,
		Logger:   s.logger,
		Metrics:  s.metrics,
		PageSize: cfg.RosterPageSize,
		SubLimit: cfg.RosterSubLimit,
		OnChange: func(view string) {
			if c.hooks.OnRosterChange != nil {
				c.hooks.OnRosterChange(view)
			}
		},
	})
	c.directory = roster.NewDirectory(roster.DirectoryOptions{
		Caller:   c.correlator,
		Logger:   s.logger,
		Metrics:  s.metrics,
		PageSize: cfg.PageSize,
		OnChange: func() {
			if c.hooks.OnDirectoryChange != nil {
				c.hooks.OnDirectoryChange()
			}
		},
	})

	c.unsubscribe = append(c.unsubscribe,
		c.bus.Subscribe(c.machine.HandleFatal, protocol.TypeFatal),
		c.bus.Subscribe(c.handleEvent),
	)
	return c, nil
}

func (c *Client) credentialStore(s *settings) (auth.CredentialStore, error) {
	if s.store != nil {
		return s.store, nil
	}
	if c.cfg.CredentialStore.Type != constants.CredentialStoreSQLite {
		return auth.NewMemoryStore(), nil
	}
	db, err := database.New(context.Background(), database.Options{
		Path:             c.cfg.CredentialStore.Path,
		EncryptionSecret: c.cfg.CredentialStore.EncryptionSecret,
	})
	if err != nil {
		return nil, err
	}
	c.db = db
	c.logger.WithFields(logrus.Fields{
		"path":      c.cfg.CredentialStore.Path,
		"encrypted": db.Encrypted(),
	}).Info("Visitor credential database opened")
	return db, nil
}

func (c *Client) tokenExchanger(s *settings) (auth.TokenExchanger, error) {
	if s.exchanger != nil {
		return s.exchanger, nil
	}
	return auth.NewHTTPExchanger(auth.ExchangerOptions{
		APIURL:  c.cfg.APIURL,
		Client:  s.httpClient,
		Timeout: c.cfg.TokenExchangeTimeout(),
		Breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        "token-exchange",
			MaxFailures: uint32(c.cfg.TokenExchange.BreakerMaxFailures),
			Cooldown:    c.cfg.BreakerCooldown(),
			IsFailure:   apperrors.IsRetryable,
			Clock:       s.clock,
			Logger:      s.logger,
		}),
		Logger:  s.logger,
		Metrics: s.metrics,
	})
}

// Start initializes tracing and launches the connection loop. Nothing is
// dialed until a principal is set.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConnectionClosed, "client closed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	if err := c.tracer.Initialize(runCtx); err != nil {
		c.logger.WithError(err).Warn("Failed to initialize tracing")
	}
	c.correlator.Start(runCtx)
	c.logger.WithFields(logrus.Fields{
		"env": c.cfg.Env,
		"url": privacy.MaskURL(c.cfg.WebSocketURL()),
	}).Info("Client started")
	return nil
}

// SetPrincipal switches identity. Session, roster, directory and open
// rooms are cleared before any handshake for p can complete; nil
// disconnects.
func (c *Client) SetPrincipal(p protocol.Principal) error {
	return c.machine.SetPrincipal(p)
}

// SetWorkspace selects the workspace an operator's roster is read from.
// Cached roster state is dropped when it changes; acquire the roster again
// afterwards.
func (c *Client) SetWorkspace(workspaceID string) {
	c.mu.Lock()
	changed := c.workspaceID != workspaceID
	c.workspaceID = workspaceID
	c.mu.Unlock()
	if !changed {
		return
	}
	if s := c.machine.Session(); s != nil {
		c.applyScope(s)
	}
}

// Call issues a correlated call. Calls made before the session is
// authenticated wait in the outbound queue.
func (c *Client) Call(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error) {
	return c.correlator.Call(ctx, msg)
}

// Session returns a copy of the authenticated session, or nil.
func (c *Client) Session() *auth.Session { return c.machine.Session() }

// State returns the authentication state.
func (c *Client) State() auth.State { return c.machine.State() }

// Roster returns the sectioned roster store.
func (c *Client) Roster() *roster.Materializer { return c.roster }

// Directory returns the flat room directory.
func (c *Client) Directory() *roster.Directory { return c.directory }

// Bus returns the inbound event bus for hosts that want raw events.
func (c *Client) Bus() *bus.Bus { return c.bus }

// VerifyVisitorCode upgrades a visitor session with the emailed code.
func (c *Client) VerifyVisitorCode(ctx context.Context, code string) error {
	return c.machine.VerifyVisitorCode(ctx, code)
}

// MarkActivity records local user activity for the next keepalive.
func (c *Client) MarkActivity() {
	c.monitor.MarkActivity(c.clock.Now())
}

// ApplyConfig takes the runtime-adjustable parts of a reloaded config.
// Everything else applies to the next client.
func (c *Client) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	c.logger.SetLevel(cfg.Level())
}

// Close disconnects, drops every subscription and releases resources.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	rooms := c.rooms
	c.rooms = make(map[string]*roomHandle)
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	for _, unsub := range unsubscribe {
		unsub()
	}
	c.monitor.Stop()
	c.machine.Close()
	c.subs.Reset()
	for _, h := range rooms {
		h.room.Invalidate()
	}
	// Closing the correlator fails pending calls, which releases the
	// background fetches waited on below.
	c.correlator.Close()
	if cancel != nil {
		cancel()
	}
	for _, h := range rooms {
		h.room.Wait()
	}
	c.directory.Resolver().Wait()
	c.wg.Wait()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := c.tracer.Shutdown(shutdownCtx); err != nil {
		c.logger.WithError(err).Warn("Failed to shutdown tracing")
	}
	c.logger.Info("Client closed")
	return c.closeStore()
}

func (c *Client) closeStore() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Client) handleOpen() {
	c.machine.HandleOpen()
}

func (c *Client) handleClose(err error) {
	c.machine.HandleClose(err)
}

func (c *Client) handleMessage(in *protocol.Inbound) {
	c.bus.Dispatch(in)
}

func (c *Client) handleEvent(in *protocol.Inbound) {
	c.roster.HandleEvent(in)
	c.directory.HandleEvent(in)
	for _, room := range c.openRooms() {
		room.HandleEvent(in)
	}
}

func (c *Client) handleSession(s *auth.Session) {
	if s != nil {
		c.applyScope(s)
	}
	if c.hooks.OnSession != nil {
		c.hooks.OnSession(s)
	}
}

// handleState runs liveness only while authenticated and restores server
// subscriptions after a re-authentication.
func (c *Client) handleState(state auth.State) {
	if state == auth.StateAuthenticated {
		c.mu.Lock()
		again := c.authedBefore
		c.authedBefore = true
		ctx := c.ctx
		closed := c.closed
		if again && !closed {
			c.wg.Add(1)
		}
		c.mu.Unlock()

		if !closed && ctx != nil {
			c.monitor.Start(ctx)
		}
		if again && !closed {
			go c.resubscribe(ctx)
		}
	} else {
		c.monitor.Stop()
	}
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(state)
	}
}

// handleLost runs on a monitor loop, which a state change stops and waits
// for, so the host hook is called from its own goroutine.
func (c *Client) handleLost(reason string, err error) {
	kind := ErrorKindOther
	if reason == liveness.ReasonStoppedResponding {
		kind = ErrorKindStoppedResponding
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.reportError(kind, err)
	}()
}

func (c *Client) reportError(kind string, err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(kind, err)
	}
}

func (c *Client) applyScope(s *auth.Session) {
	scope := roster.Scope{UserID: s.UserID, HelpdeskID: s.HelpdeskID}
	if s.IsAgent() {
		c.mu.Lock()
		scope.WorkspaceID = c.workspaceID
		c.mu.Unlock()
	}
	if c.directory.Scope() == scope {
		return
	}
	c.roster.Clear()
	c.directory.SetScope(scope)
	c.logger.WithFields(logrus.Fields{
		"user_id":      privacy.MaskID(scope.UserID),
		"workspace_id": scope.WorkspaceID,
		"helpdesk_id":  scope.HelpdeskID,
	}).Debug("Roster scope changed")
}

// resetState drops everything tied to the previous principal. Server-side
// subscriptions died with its session, so nothing is unsubscribed.
func (c *Client) resetState() {
	c.subs.Reset()
	c.roster.Clear()
	c.directory.Clear()

	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[string]*roomHandle)
	c.authedBefore = false
	c.mu.Unlock()

	for _, h := range rooms {
		h.room.Invalidate()
	}
}

func (c *Client) resubscribe(ctx context.Context) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, resubscribeTimeout)
	defer cancel()

	active := c.subs.Active()
	if len(active) == 0 {
		return
	}
	if err := c.subs.Resubscribe(ctx, c.subscribeFor); err != nil {
		c.errLog.LogWarn(err, "Failed to restore subscriptions")
		c.reportError(ErrorKindOther, err)
		return
	}
	c.logger.WithField("subscriptions", len(active)).Info("Subscriptions restored")
}
