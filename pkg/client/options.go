package client

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"fogsync/internal/auth"
	"fogsync/internal/clock"
	"fogsync/internal/metrics"
	"fogsync/internal/transport"
)

// Error kinds passed to Hooks.OnError.
const (
	ErrorKindStoppedResponding = "server_stopped_responding"
	ErrorKindOther             = "other"
)

// Hooks notify the host. Every hook is optional. Hooks run on internal
// goroutines and must not block on calls of the same client.
type Hooks struct {
	// OnSession receives the new session, or nil when it is cleared.
	OnSession func(s *auth.Session)
	// OnStateChange receives every authentication state transition.
	OnStateChange func(state auth.State)
	// OnError receives failures the client recovers from on its own.
	OnError func(kind string, err error)
	// OnWrongCredential receives the terminal credential rejection. The
	// client stays idle until the principal changes.
	OnWrongCredential func(err error)
	// OnVisitorCredential receives credentials issued to a visitor.
	OnVisitorCredential func(widgetID string, cred auth.VisitorCredential)
	OnRosterChange      func(view string)
	OnDirectoryChange   func()
	OnRoomChange        func(roomID string)
}

// Option customizes a Client.
type Option func(*settings)

type settings struct {
	logger     *logrus.Logger
	clock      clock.Clock
	metrics    *metrics.Registry
	dialer     transport.Dialer
	httpClient *http.Client
	store      auth.CredentialStore
	exchanger  auth.TokenExchanger
}

// WithLogger replaces the logger built from the configured level.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithClock injects the clock used by timers, backoff and liveness.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithMetrics replaces the process-wide registry.
func WithMetrics(registry *metrics.Registry) Option {
	return func(s *settings) { s.metrics = registry }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(s *settings) { s.dialer = d }
}

// WithHTTPClient sets the client used for the operator token exchange. It
// should carry the operator's cookies.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// WithCredentialStore overrides the configured visitor credential store.
func WithCredentialStore(store auth.CredentialStore) Option {
	return func(s *settings) { s.store = store }
}

// WithTokenExchanger overrides the HTTP token exchanger.
func WithTokenExchanger(ex auth.TokenExchanger) Option {
	return func(s *settings) { s.exchanger = ex }
}
