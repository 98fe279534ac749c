package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/internal/transport"
	"fogsync/pkg/protocol"
)

type callHandler func(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error)

type fakeTransport struct {
	mu            sync.Mutex
	handler       callHandler
	calls         []protocol.Message
	ops           []string
	authenticated bool
}

func (f *fakeTransport) Call(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return h(ctx, msg)
}

func (f *fakeTransport) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeTransport) Enable()            { f.record("enable") }
func (f *fakeTransport) Disable()           { f.record("disable") }
func (f *fakeTransport) Drop(reason string) { f.record("drop") }
func (f *fakeTransport) Reset()             { f.record("reset") }

func (f *fakeTransport) SetAuthenticated(authenticated bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = authenticated
}

func (f *fakeTransport) setHandler(h callHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.calls...)
}

func (f *fakeTransport) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeTransport) isAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

type fakeExchanger struct {
	token string
	err   error
	gate  chan struct{}
	calls int
	mu    sync.Mutex
}

func (f *fakeExchanger) Exchange(ctx context.Context, agent *protocol.AgentToken) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return f.token, f.err
}

type recorder struct {
	mu       sync.Mutex
	sessions []*Session
	states   []State
	errs     []error
	wrong    []error
	issued   []VisitorCredential
	switches int
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnSession: func(s *Session) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sessions = append(r.sessions, s)
		},
		OnStateChange: func(state State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, state)
		},
		OnPrincipalChange: func(protocol.Principal) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.switches++
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnWrongCredential: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.wrong = append(r.wrong, err)
		},
		OnVisitorCredential: func(_ string, cred VisitorCredential) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.issued = append(r.issued, cred)
		},
	}
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) wrongCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wrong)
}

func (r *recorder) lastSession() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

func newTestMachine(t *testing.T, tr *fakeTransport, ex TokenExchanger, store CredentialStore) (*Machine, *recorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	rec := &recorder{}
	m := NewMachine(Options{
		Transport: tr,
		Exchanger: ex,
		Store:     store,
		Hooks:     rec.hooks(),
		Logger:    logger,
		Metrics:   metrics.NewRegistry(),
	})
	t.Cleanup(m.Close)
	return m, rec
}

func reply(t *testing.T, msg protocol.Message) *protocol.Inbound {
	t.Helper()
	in, err := protocol.FromMessage(msg)
	require.NoError(t, err)
	return in
}

func authOk(t *testing.T, ok protocol.AuthOk) callHandler {
	return func(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error) {
		ok.Header = protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeAuthOk}
		return reply(t, &ok), nil
	}
}

func errorReply(t *testing.T, msgType string, code int) callHandler {
	return func(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error) {
		in := reply(t, &protocol.ErrorReply{
			Header: protocol.Header{MsgID: msg.Head().MsgID, MsgType: msgType},
			Code:   code,
			Error:  "rejected",
		})
		return in, apperrors.NewCallError(msgType, code, "rejected")
	}
}

func boolPtr(b bool) *bool { return &b }

func userToken() *protocol.UserToken {
	return &protocol.UserToken{
		WidgetID:   "w1",
		CustomerID: "c1",
		UserID:     "u1",
		UserHMAC:   "hmac",
	}
}

func TestMachine_UserHandshake(t *testing.T) {
	tr := &fakeTransport{}
	tr.setHandler(authOk(t, protocol.AuthOk{SessionID: "s1", UserID: "u1", HelpdeskID: "h1"}))
	m, rec := newTestMachine(t, tr, nil, nil)

	require.NoError(t, m.SetPrincipal(userToken()))
	assert.Equal(t, StateConnecting, m.State())
	assert.Equal(t, []string{"enable"}, tr.operations())

	m.HandleOpen()
	require.Eventually(t, func() bool { return m.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	session := m.Session()
	require.NotNil(t, session)
	assert.Equal(t, "s1", session.SessionID)
	assert.Equal(t, UserTypeUser, session.UserType)
	assert.True(t, tr.isAuthenticated())

	sent := tr.sent()
	require.Len(t, sent, 1)
	auth, ok := sent[0].(*protocol.AuthUser)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeAuthUser, auth.MsgType)
	assert.Equal(t, "hmac", auth.UserHMAC)
	assert.Equal(t, "s1", rec.lastSession().SessionID)
}

func TestMachine_SamePrincipalIsNoop(t *testing.T) {
	tr := &fakeTransport{}
	m, rec := newTestMachine(t, tr, nil, nil)

	require.NoError(t, m.SetPrincipal(userToken()))
	require.NoError(t, m.SetPrincipal(userToken()))

	assert.Equal(t, 1, rec.switches)
	assert.Equal(t, []string{"enable"}, tr.operations())
}

func TestMachine_InvalidPrincipal(t *testing.T) {
	m, _ := newTestMachine(t, &fakeTransport{}, nil, nil)

	err := m.SetPrincipal(&protocol.UserToken{WidgetID: "w1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestMachine_VisitorVerification(t *testing.T) {
	tr := &fakeTransport{}
	tr.setHandler(func(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error) {
		switch msg.Head().MsgType {
		case protocol.TypeAuthVisitor:
			return reply(t, &protocol.AuthOk{
				Header:        protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeAuthOk},
				UserID:        "u1",
				VisitorToken:  "issued-token",
				EmailVerified: boolPtr(false),
			}), nil
		case protocol.TypeVisitorVerifyCode:
			return reply(t, &protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeVisitorOk}), nil
		}
		return nil, errors.New("unexpected call")
	})
	store := NewMemoryStore()
	m, rec := newTestMachine(t, tr, nil, store)

	require.NoError(t, m.SetPrincipal(&protocol.VisitorToken{WidgetID: "w1"}))
	m.HandleOpen()
	require.Eventually(t, func() bool { return m.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)
	assert.Equal(t, UserTypeVisitorUnverified, m.Session().UserType)

	cred, ok, err := store.Load(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, VisitorCredential{Token: "issued-token", UserID: "u1"}, cred)
	assert.Len(t, rec.issued, 1)

	require.NoError(t, m.VerifyVisitorCode(context.Background(), "123456"))
	assert.Equal(t, UserTypeVisitorVerified, m.Session().UserType)
	assert.Equal(t, UserTypeVisitorVerified, rec.lastSession().UserType)

	visitorAuths := 0
	for _, msg := range tr.sent() {
		if msg.Head().MsgType == protocol.TypeAuthVisitor {
			visitorAuths++
		}
	}
	assert.Equal(t, 1, visitorAuths)
}

func TestMachine_VisitorReusesIssuedCredential(t *testing.T) {
	tr := &fakeTransport{}
	tr.setHandler(authOk(t, protocol.AuthOk{UserID: "u1", VisitorToken: "issued-token"}))
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "w1", VisitorCredential{Token: "stored-token"}))
	m, _ := newTestMachine(t, tr, nil, store)

	require.NoError(t, m.SetPrincipal(&protocol.VisitorToken{WidgetID: "w1", Credential: "descriptor-token"}))
	m.HandleOpen()
	require.Eventually(t, func() bool { return m.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	m.HandleClose(errors.New("dropped"))
	m.HandleOpen()
	require.Eventually(t, func() bool { return len(tr.sent()) == 2 }, time.Second, 5*time.Millisecond)

	sent := tr.sent()
	assert.Equal(t, "stored-token", sent[0].(*protocol.AuthVisitor).VisitorToken)
	assert.Equal(t, "issued-token", sent[1].(*protocol.AuthVisitor).VisitorToken)
}

func TestMachine_VerifyRequiresVisitorSession(t *testing.T) {
	m, _ := newTestMachine(t, &fakeTransport{}, nil, nil)
	err := m.VerifyVisitorCode(context.Background(), "123")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAuthentication, apperrors.GetCode(err))
}

func TestMachine_WrongCredential(t *testing.T) {
	for _, code := range []int{401, 403} {
		t.Run(codeName(code), func(t *testing.T) {
			tr := &fakeTransport{}
			tr.setHandler(errorReply(t, protocol.TypeAuthErr, code))
			m, rec := newTestMachine(t, tr, nil, nil)

			require.NoError(t, m.SetPrincipal(userToken()))
			m.HandleOpen()
			require.Eventually(t, func() bool { return m.State() == StateWrongCredential }, time.Second, 5*time.Millisecond)

			assert.Nil(t, m.Session())
			assert.Equal(t, 1, rec.wrongCount())
			assert.Equal(t, apperrors.ErrCodeWrongCredential, apperrors.GetCode(rec.wrong[0]))
			assert.Contains(t, tr.operations(), "disable")

			// Reconnects do not retry a rejected credential.
			m.HandleOpen()
			assert.Len(t, tr.sent(), 1)

			// Only a different descriptor clears the state.
			require.NoError(t, m.SetPrincipal(userToken()))
			assert.Equal(t, StateWrongCredential, m.State())
			other := userToken()
			other.UserHMAC = "fixed"
			require.NoError(t, m.SetPrincipal(other))
			assert.Equal(t, StateConnecting, m.State())
		})
	}
}

func codeName(code int) string {
	switch code {
	case 401:
		return "unauthorized"
	case 403:
		return "forbidden"
	}
	return "other"
}

func TestMachine_RecoverableAuthError(t *testing.T) {
	tr := &fakeTransport{}
	tr.setHandler(errorReply(t, protocol.TypeAuthErr, 500))
	m, rec := newTestMachine(t, tr, nil, nil)

	require.NoError(t, m.SetPrincipal(userToken()))
	m.HandleOpen()
	require.Eventually(t, func() bool { return rec.errorCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateConnecting, m.State())
	assert.Equal(t, 0, rec.wrongCount())
	assert.Equal(t, apperrors.ErrCodeAuthentication, apperrors.GetCode(rec.errs[0]))
	assert.Equal(t, 500, apperrors.StatusCode(rec.errs[0]))
}

func TestMachine_FatalConflict(t *testing.T) {
	tr := &fakeTransport{}
	tr.setHandler(authOk(t, protocol.AuthOk{UserID: "u1"}))
	m, rec := newTestMachine(t, tr, nil, nil)

	require.NoError(t, m.SetPrincipal(userToken()))
	m.HandleOpen()
	require.Eventually(t, func() bool { return m.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	m.HandleFatal(reply(t, &protocol.ErrorReply{
		Header: protocol.Header{MsgType: protocol.TypeFatal},
		Code:   409,
		Error:  "session replaced",
	}))

	assert.Equal(t, StateWrongCredential, m.State())
	assert.Nil(t, m.Session())
	assert.Nil(t, rec.lastSession())
	assert.Equal(t, 1, rec.wrongCount())
	assert.False(t, tr.isAuthenticated())
}

func TestMachine_FatalOtherCodeIsRecoverable(t *testing.T) {
	tr := &fakeTransport{}
	m, rec := newTestMachine(t, tr, nil, nil)
	require.NoError(t, m.SetPrincipal(userToken()))

	m.HandleFatal(reply(t, &protocol.ErrorReply{
		Header: protocol.Header{MsgType: protocol.TypeFatal},
		Code:   500,
	}))

	assert.Equal(t, 1, rec.errorCount())
	assert.Equal(t, 0, rec.wrongCount())
}

func TestMachine_PrincipalSwitchClearsSession(t *testing.T) {
	tr := &fakeTransport{}
	tr.setHandler(authOk(t, protocol.AuthOk{SessionID: "s1", UserID: "u1"}))
	m, rec := newTestMachine(t, tr, nil, nil)

	require.NoError(t, m.SetPrincipal(userToken()))
	m.HandleOpen()
	require.Eventually(t, func() bool { return m.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SetPrincipal(&protocol.VisitorToken{WidgetID: "w1"}))
	assert.Nil(t, m.Session())
	assert.Nil(t, rec.lastSession())
	assert.Equal(t, StateConnecting, m.State())
	assert.False(t, tr.isAuthenticated())
	assert.Equal(t, 2, rec.switches)
	assert.Equal(t, []string{"enable", "reset", "drop", "enable"}, tr.operations())

	require.NoError(t, m.SetPrincipal(nil))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, "disable", tr.operations()[len(tr.operations())-1])
}

func TestMachine_StaleHandshakeReplyIgnored(t *testing.T) {
	tr := &fakeTransport{}
	release := make(chan struct{})
	tr.setHandler(func(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error) {
		<-release
		return reply(t, &protocol.AuthOk{
			Header: protocol.Header{MsgID: msg.Head().MsgID, MsgType: protocol.TypeAuthOk},
			UserID: "u1",
		}), nil
	})
	m, _ := newTestMachine(t, tr, nil, nil)

	require.NoError(t, m.SetPrincipal(userToken()))
	m.HandleOpen()
	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SetPrincipal(&protocol.VisitorToken{WidgetID: "w1"}))
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateConnecting, m.State())
	assert.Nil(t, m.Session())
}

func TestMachine_AgentExchange(t *testing.T) {
	tr := &fakeTransport{}
	tr.setHandler(authOk(t, protocol.AuthOk{UserID: "a1", AgentRole: "admin"}))
	ex := &fakeExchanger{token: "api-token"}
	m, _ := newTestMachine(t, tr, ex, nil)

	require.NoError(t, m.SetPrincipal(&protocol.AgentToken{AgentID: "a1", VendorID: "v1"}))
	m.HandleOpen()
	require.Eventually(t, func() bool { return m.State() == StateAuthenticated }, time.Second, 5*time.Millisecond)

	sent := tr.sent()
	require.Len(t, sent, 1)
	auth := sent[0].(*protocol.AuthAgent)
	assert.Equal(t, protocol.TypeAuthAgent, auth.MsgType)
	assert.Equal(t, "api-token", auth.Token)
	assert.True(t, m.Session().IsAgent())
	assert.Equal(t, UserTypeUser, m.Session().UserType)
}

func TestMachine_AgentExchangeDiscardedAfterSwitch(t *testing.T) {
	tr := &fakeTransport{}
	ex := &fakeExchanger{token: "api-token", gate: make(chan struct{})}
	m, _ := newTestMachine(t, tr, ex, nil)

	require.NoError(t, m.SetPrincipal(&protocol.AgentToken{AgentID: "a1", VendorID: "v1"}))
	m.HandleOpen()
	require.Eventually(t, func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return ex.calls == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SetPrincipal(nil))
	close(ex.gate)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.sent())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestMachine_AgentExchangeRejected(t *testing.T) {
	tr := &fakeTransport{}
	ex := &fakeExchanger{err: apperrors.NewTokenExchangeError(401, errors.New("unauthorized"))}
	m, rec := newTestMachine(t, tr, ex, nil)

	require.NoError(t, m.SetPrincipal(&protocol.AgentToken{AgentID: "a1", VendorID: "v1"}))
	m.HandleOpen()
	require.Eventually(t, func() bool { return m.State() == StateWrongCredential }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.wrongCount())
	assert.Empty(t, tr.sent())
}

func TestMachine_AgentExchangeTransientFailureDrops(t *testing.T) {
	tr := &fakeTransport{}
	ex := &fakeExchanger{err: apperrors.NewTokenExchangeError(503, errors.New("unavailable"))}
	m, rec := newTestMachine(t, tr, ex, nil)

	require.NoError(t, m.SetPrincipal(&protocol.AgentToken{AgentID: "a1", VendorID: "v1"}))
	m.HandleOpen()
	require.Eventually(t, func() bool { return rec.errorCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, StateConnecting, m.State())
	require.Eventually(t, func() bool {
		ops := tr.operations()
		return ops[len(ops)-1] == "drop"
	}, time.Second, 5*time.Millisecond)
}

func TestMachine_CloseFailsTeardownQuietly(t *testing.T) {
	tr := &fakeTransport{}
	tr.setHandler(func(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error) {
		<-ctx.Done()
		return nil, transport.ErrClosed
	})
	m, rec := newTestMachine(t, tr, nil, nil)

	require.NoError(t, m.SetPrincipal(userToken()))
	m.HandleOpen()
	require.Eventually(t, func() bool { return len(tr.sent()) == 1 }, time.Second, 5*time.Millisecond)

	m.Close()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.errorCount())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Error(t, m.SetPrincipal(userToken()))
}

func TestSessionFromAuthOk(t *testing.T) {
	tests := []struct {
		name     string
		kind     protocol.PrincipalKind
		verified *bool
		want     UserType
	}{
		{"user", protocol.KindUser, nil, UserTypeUser},
		{"agent", protocol.KindAgent, nil, UserTypeUser},
		{"visitor without flag", protocol.KindVisitor, nil, UserTypeVisitorUnverified},
		{"visitor unverified", protocol.KindVisitor, boolPtr(false), UserTypeVisitorUnverified},
		{"visitor verified", protocol.KindVisitor, boolPtr(true), UserTypeVisitorVerified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := sessionFromAuthOk(&protocol.AuthOk{EmailVerified: tt.verified}, tt.kind)
			assert.Equal(t, tt.want, s.UserType)
		})
	}
}
