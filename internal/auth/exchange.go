package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/internal/privacy"
	"fogsync/internal/tracing"
	"fogsync/pkg/circuitbreaker"
	"fogsync/pkg/protocol"
)

// TokenExchanger mints the short-lived API token an operator needs for
// the Auth.Agent handshake.
type TokenExchanger interface {
	Exchange(ctx context.Context, agent *protocol.AgentToken) (string, error)
}

type tokenRequest struct {
	AgentID  string `json:"agentId"`
	VendorID string `json:"vendorId"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// maxTokenResponseBytes bounds the side-channel reply body.
const maxTokenResponseBytes = 64 << 10

// HTTPExchanger performs the cookie-authenticated POST /token exchange.
type HTTPExchanger struct {
	endpoint string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	logger   *logrus.Logger
	metrics  *metrics.Registry
}

// ExchangerOptions configures an HTTPExchanger.
type ExchangerOptions struct {
	// APIURL is the REST base, e.g. https://api.fogbender.com/api.
	APIURL string
	// Client carries the operator's cookies. When nil a client with a fresh
	// cookie jar and Timeout is created.
	Client  *http.Client
	Timeout time.Duration
	Breaker *circuitbreaker.CircuitBreaker
	Logger  *logrus.Logger
	Metrics *metrics.Registry
}

// NewHTTPExchanger creates the side-channel exchanger.
func NewHTTPExchanger(opts ExchangerOptions) (*HTTPExchanger, error) {
	if opts.APIURL == "" {
		return nil, apperrors.NewConfigError("api_url", "token exchange requires an API URL")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetRegistry()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultTokenExchangeSec * time.Second
	}
	if opts.Client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		opts.Client = &http.Client{Jar: jar, Timeout: opts.Timeout}
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:        "token-exchange",
			MaxFailures: constants.DefaultBreakerMaxFailures,
			Cooldown:    constants.DefaultBreakerCooldownSec * time.Second,
			IsFailure:   apperrors.IsRetryable,
			Logger:      opts.Logger,
		})
	}
	return &HTTPExchanger{
		endpoint: strings.TrimRight(opts.APIURL, "/") + constants.TokenPath,
		client:   opts.Client,
		breaker:  opts.Breaker,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Exchange posts the operator pair and returns the minted API token.
func (e *HTTPExchanger) Exchange(ctx context.Context, agent *protocol.AgentToken) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "auth.token_exchange")
	var token string
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		token, err = e.post(ctx, agent)
		return err
	})
	if circuitbreaker.IsCircuitBreakerError(err) {
		err = apperrors.WrapRetryable(err, apperrors.ErrCodeTokenExchange, "token exchange unavailable")
	}
	tracing.End(span, err)

	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.IncrementCounter(metrics.TokenExchanges, map[string]string{"result": result}, "Operator token exchanges")
	return token, err
}

func (e *HTTPExchanger) post(ctx context.Context, agent *protocol.AgentToken) (string, error) {
	body, err := json.Marshal(tokenRequest{AgentID: agent.AgentID, VendorID: agent.VendorID})
	if err != nil {
		return "", apperrors.NewTokenExchangeError(0, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.NewTokenExchangeError(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", apperrors.NewTokenExchangeError(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return "", apperrors.NewTokenExchangeError(resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.NewTokenExchangeError(resp.StatusCode,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", apperrors.NewTokenExchangeError(resp.StatusCode, err)
	}
	if parsed.Token == "" {
		return "", apperrors.NewTokenExchangeError(resp.StatusCode, fmt.Errorf("response carried no token"))
	}

	e.logger.WithFields(logrus.Fields{
		"agent_id": privacy.MaskID(agent.AgentID),
		"token":    privacy.MaskToken(parsed.Token),
	}).Debug("Exchanged operator token")
	return parsed.Token, nil
}
