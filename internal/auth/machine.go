package auth

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/internal/privacy"
	"fogsync/internal/tracing"
	"fogsync/internal/transport"
	"fogsync/pkg/protocol"
)

// Transport is the part of the correlator the machine drives.
type Transport interface {
	Call(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error)
	Enable()
	Disable()
	Drop(reason string)
	Reset()
	SetAuthenticated(authenticated bool)
}

// Hooks notify the host of session changes. Every hook is optional and runs
// on the goroutine that caused the change.
type Hooks struct {
	// OnSession receives the new session, or nil when it is cleared.
	OnSession func(s *Session)
	// OnStateChange receives every state transition.
	OnStateChange func(state State)
	// OnPrincipalChange runs after the principal was replaced and before
	// any handshake for the new one can complete.
	OnPrincipalChange func(p protocol.Principal)
	// OnError receives recoverable authentication failures.
	OnError func(err error)
	// OnWrongCredential receives the terminal credential rejection.
	OnWrongCredential func(err error)
	// OnVisitorCredential receives credentials issued to a visitor.
	OnVisitorCredential func(widgetID string, cred VisitorCredential)
}

// Options configures a Machine.
type Options struct {
	Transport Transport
	Exchanger TokenExchanger
	// Store persists issued visitor credentials beyond the in-memory copy.
	Store   CredentialStore
	Hooks   Hooks
	Logger  *logrus.Logger
	Metrics *metrics.Registry
}

// Machine runs the authentication handshake for the active principal.
type Machine struct {
	transport Transport
	exchanger TokenExchanger
	store     CredentialStore
	hooks     Hooks
	logger    *logrus.Logger
	errLog    *apperrors.Logger
	metrics   *metrics.Registry

	mu         sync.Mutex
	principal  protocol.Principal
	generation uint64
	state      State
	session    *Session
	closed     bool
	issued     map[string]VisitorCredential
	cancel     context.CancelFunc
}

// NewMachine creates a Machine in the disconnected state.
func NewMachine(opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetRegistry()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	return &Machine{
		transport: opts.Transport,
		exchanger: opts.Exchanger,
		store:     opts.Store,
		hooks:     opts.Hooks,
		logger:    opts.Logger,
		errLog:    apperrors.NewLogger(opts.Logger),
		metrics:   opts.Metrics,
		state:     StateDisconnected,
		issued:    make(map[string]VisitorCredential),
	}
}

// SetPrincipal replaces the active principal. Any change tears down the
// session and pending traffic; nil disconnects. Setting an identical
// descriptor is a no-op, so a wrong-credential state only clears when the
// descriptor actually changes.
func (m *Machine) SetPrincipal(p protocol.Principal) error {
	if p != nil {
		if err := p.Validate(); err != nil {
			return apperrors.NewValidationError("principal", err.Error())
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConnectionClosed, "auth machine closed")
	}
	if reflect.DeepEqual(m.principal, p) {
		m.mu.Unlock()
		return nil
	}
	hadPrincipal := m.principal != nil
	m.generation++
	m.principal = p
	m.session = nil
	m.cancelLocked()
	next := StateDisconnected
	if p != nil {
		next = StateConnecting
	}
	m.state = next
	m.mu.Unlock()

	fields := logrus.Fields{"state": next}
	if p != nil {
		fields["principal"] = p.Kind()
	}
	m.logger.WithFields(fields).Info("Principal changed")

	m.transport.SetAuthenticated(false)
	// Traffic queued before the first principal waits for it; anything
	// queued under a previous one is dropped.
	if hadPrincipal {
		m.transport.Reset()
	}
	m.emitSession(nil)
	if m.hooks.OnPrincipalChange != nil {
		m.hooks.OnPrincipalChange(p)
	}
	m.emitState(next)

	if p == nil {
		m.transport.Disable()
		return nil
	}
	if hadPrincipal {
		m.transport.Drop("principal changed")
	}
	m.transport.Enable()
	return nil
}

// HandleOpen starts the handshake on a freshly opened connection.
func (m *Machine) HandleOpen() {
	m.mu.Lock()
	if m.closed || m.principal == nil || m.state == StateWrongCredential {
		m.mu.Unlock()
		return
	}
	m.cancelLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	gen, p := m.generation, m.principal
	m.state = StateHandshaking
	m.mu.Unlock()

	m.emitState(StateHandshaking)
	go m.handshake(ctx, gen, p)
}

// HandleClose records a lost connection. The session survives reconnects.
func (m *Machine) HandleClose(err error) {
	m.mu.Lock()
	m.cancelLocked()
	if m.closed || m.state == StateWrongCredential {
		m.mu.Unlock()
		return
	}
	next := StateDisconnected
	if m.principal != nil {
		next = StateConnecting
	}
	changed := m.state != next
	m.state = next
	m.mu.Unlock()

	m.transport.SetAuthenticated(false)
	if changed {
		m.logger.WithError(err).WithField("state", next).Info("Connection lost")
		m.emitState(next)
	}
}

// HandleFatal reacts to an uncorrelated Error.Fatal frame.
func (m *Machine) HandleFatal(in *protocol.Inbound) {
	if in.MsgType != protocol.TypeFatal {
		return
	}
	m.mu.Lock()
	gen, p := m.generation, m.principal
	m.mu.Unlock()
	if p == nil {
		return
	}
	if in.Code == constants.StatusConflict {
		m.wrongCredential(gen, p, in.Code)
		return
	}
	m.reportError(apperrors.NewAuthError(string(p.Kind()), in.Code, in.ErrorText))
}

// VerifyVisitorCode confirms a visitor's email with the emailed code and
// upgrades the session without a new handshake.
func (m *Machine) VerifyVisitorCode(ctx context.Context, code string) error {
	m.mu.Lock()
	session := m.session
	gen := m.generation
	m.mu.Unlock()
	if session == nil || session.Principal != protocol.KindVisitor {
		return apperrors.New(apperrors.ErrCodeAuthentication, "visitor code verification requires a visitor session")
	}

	msg := &protocol.VisitorVerifyCode{
		Header:           protocol.Header{MsgType: protocol.TypeVisitorVerifyCode},
		VerificationCode: code,
	}
	in, err := m.transport.Call(ctx, msg)
	if err != nil {
		return err
	}
	if in.MsgType != protocol.TypeVisitorOk {
		return apperrors.NewUnexpectedReplyError(protocol.TypeVisitorOk, in.MsgType)
	}

	m.mu.Lock()
	if gen != m.generation || m.session == nil {
		m.mu.Unlock()
		return nil
	}
	updated := *m.session
	updated.UserType = UserTypeVisitorVerified
	m.session = &updated
	m.mu.Unlock()

	m.emitSession(&updated)
	return nil
}

// State returns the current handshake state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session, or nil.
func (m *Machine) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Principal returns the active principal.
func (m *Machine) Principal() protocol.Principal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.principal
}

// Close tears the session down for good and disconnects.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.generation++
	m.cancelLocked()
	hadSession := m.session != nil
	m.session = nil
	m.principal = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.transport.SetAuthenticated(false)
	m.transport.Disable()
	if hadSession {
		m.emitSession(nil)
	}
	m.emitState(StateDisconnected)
}

func (m *Machine) handshake(ctx context.Context, gen uint64, p protocol.Principal) {
	ctx, span := tracing.StartSpan(ctx, "auth.handshake", tracing.AttrPrincipal.String(string(p.Kind())))
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	msg, err := m.handshakeMessage(ctx, gen, p)
	if err != nil {
		spanErr = err
		m.handshakeSetupFailed(ctx, gen, p, err)
		return
	}
	if msg == nil {
		return
	}

	in, err := m.transport.Call(ctx, msg)
	if ctx.Err() != nil || !m.current(gen) {
		return
	}
	m.metrics.IncrementCounter(metrics.AuthHandshakes, map[string]string{"principal": string(p.Kind())}, "Handshake attempts")

	switch {
	case in != nil && in.MsgType == protocol.TypeAuthOk:
		ok, decodeErr := protocol.DecodeAs[protocol.AuthOk](in)
		if decodeErr != nil {
			spanErr = apperrors.NewDecodeError(decodeErr, in.Binary())
			m.reportError(spanErr)
			return
		}
		m.authenticated(ctx, gen, p, ok)
	case in != nil && isWrongCredential(in):
		spanErr = apperrors.NewWrongCredentialError(string(p.Kind()), in.Code)
		m.wrongCredential(gen, p, in.Code)
	case in != nil:
		spanErr = apperrors.NewAuthError(string(p.Kind()), in.Code, in.ErrorText)
		m.recoverable(gen, spanErr)
	case err != nil:
		spanErr = err
		if !isTeardown(err) {
			m.recoverable(gen, apperrors.Wrap(err, apperrors.ErrCodeAuthentication, "handshake failed"))
		}
	}
}

// handshakeMessage builds the variant-specific handshake call. A nil
// message with a nil error means the principal changed meanwhile.
func (m *Machine) handshakeMessage(ctx context.Context, gen uint64, p protocol.Principal) (protocol.Message, error) {
	header := protocol.Header{MsgType: protocol.TypeAuthUser}
	switch token := p.(type) {
	case *protocol.UserToken:
		return &protocol.AuthUser{Header: header, UserToken: *token, Version: constants.ProtocolVersion}, nil

	case *protocol.VisitorToken:
		header.MsgType = protocol.TypeAuthVisitor
		return &protocol.AuthVisitor{
			Header:       header,
			WidgetID:     token.WidgetID,
			VisitorKey:   token.VisitorKey,
			VisitorToken: m.visitorCredential(ctx, token),
			Origin:       token.Origin,
			Version:      constants.ProtocolVersion,
		}, nil

	case *protocol.AgentToken:
		if m.exchanger == nil {
			return nil, apperrors.NewConfigError("token_exchange", "operator principal requires a token exchanger")
		}
		apiToken, err := m.exchanger.Exchange(ctx, token)
		if !m.current(gen) {
			m.logger.Debug("Discarding token exchanged for a replaced principal")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		header.MsgType = protocol.TypeAuthAgent
		return &protocol.AuthAgent{
			Header:   header,
			AgentID:  token.AgentID,
			VendorID: token.VendorID,
			Token:    apiToken,
			Version:  constants.ProtocolVersion,
		}, nil
	}
	return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "unsupported principal")
}

// visitorCredential picks the best available prior credential: one issued
// during this process, then a persisted one, then the descriptor's own.
func (m *Machine) visitorCredential(ctx context.Context, token *protocol.VisitorToken) string {
	m.mu.Lock()
	cred, ok := m.issued[token.WidgetID]
	m.mu.Unlock()
	if ok && cred.Token != "" {
		return cred.Token
	}

	stored, ok, err := m.store.Load(ctx, token.WidgetID)
	if err != nil {
		m.errLog.LogWarn(err, "Failed to load stored visitor credential", logrus.Fields{"widget_id": token.WidgetID})
	} else if ok && stored.Token != "" {
		return stored.Token
	}
	return token.Credential
}

func (m *Machine) handshakeSetupFailed(ctx context.Context, gen uint64, p protocol.Principal, err error) {
	if ctx.Err() != nil || !m.current(gen) {
		return
	}
	code := apperrors.StatusCode(err)
	if code == constants.StatusUnauthorized || code == constants.StatusForbidden {
		m.wrongCredential(gen, p, code)
		return
	}
	m.recoverable(gen, err)
	// The socket is idle until a handshake succeeds; cycle it so the
	// exchange is retried after the reconnect backoff.
	m.transport.Drop("token exchange failed")
}

func (m *Machine) authenticated(ctx context.Context, gen uint64, p protocol.Principal, ok *protocol.AuthOk) {
	session := sessionFromAuthOk(ok, p.Kind())

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.session = session
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.transport.SetAuthenticated(true)
	m.logger.WithFields(logrus.Fields{
		"principal": p.Kind(),
		"user_id":   privacy.MaskID(session.UserID),
		"user_type": session.UserType,
	}).Info("Authenticated")

	if visitor, isVisitor := p.(*protocol.VisitorToken); isVisitor && ok.VisitorToken != "" {
		m.rememberVisitor(ctx, visitor.WidgetID, VisitorCredential{Token: ok.VisitorToken, UserID: ok.UserID})
	}

	m.emitSession(session)
	m.emitState(StateAuthenticated)
}

func (m *Machine) rememberVisitor(ctx context.Context, widgetID string, cred VisitorCredential) {
	m.mu.Lock()
	prev := m.issued[widgetID]
	m.issued[widgetID] = cred
	m.mu.Unlock()

	if prev == cred {
		return
	}
	if err := m.store.Save(ctx, widgetID, cred); err != nil {
		m.errLog.LogWarn(err, "Failed to persist visitor credential", logrus.Fields{"widget_id": widgetID})
	}
	if m.hooks.OnVisitorCredential != nil {
		m.hooks.OnVisitorCredential(widgetID, cred)
	}
}

func (m *Machine) wrongCredential(gen uint64, p protocol.Principal, code int) {
	m.mu.Lock()
	if gen != m.generation || m.state == StateWrongCredential {
		m.mu.Unlock()
		return
	}
	m.state = StateWrongCredential
	m.session = nil
	m.cancelLocked()
	m.mu.Unlock()

	err := apperrors.NewWrongCredentialError(string(p.Kind()), code)
	m.errLog.LogError(err, "Server rejected credential")

	m.transport.SetAuthenticated(false)
	m.transport.Disable()
	m.emitSession(nil)
	m.emitState(StateWrongCredential)
	if m.hooks.OnWrongCredential != nil {
		m.hooks.OnWrongCredential(err)
	}
}

// recoverable reports a transient failure. The connection stays up and the
// handshake is retried on the next reconnect.
func (m *Machine) recoverable(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	changed := m.state == StateHandshaking
	if changed {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	if changed {
		m.emitState(StateConnecting)
	}
	m.reportError(err)
}

func (m *Machine) reportError(err error) {
	m.errLog.LogRetryableError(err, "Authentication failed")
	if m.hooks.OnError != nil {
		m.hooks.OnError(err)
	}
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation && !m.closed
}

func (m *Machine) cancelLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Machine) emitSession(s *Session) {
	if m.hooks.OnSession != nil {
		m.hooks.OnSession(s)
	}
}

func (m *Machine) emitState(state State) {
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(state)
	}
}

func isWrongCredential(in *protocol.Inbound) bool {
	switch in.MsgType {
	case protocol.TypeAuthErr:
		return in.Code == constants.StatusUnauthorized || in.Code == constants.StatusForbidden
	case protocol.TypeFatal:
		return in.Code == constants.StatusConflict
	}
	return false
}

// isTeardown reports errors caused by our own reset or shutdown.
func isTeardown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrReset) || errors.Is(err, transport.ErrClosed)
}
