// Package liveness detects connections that look open but are dead: a
// server that stopped answering, or a socket that survived host sleep.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fogsync/internal/clock"
	"fogsync/internal/constants"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/metrics"
	"fogsync/pkg/protocol"
)

// Close reasons reported through metrics and OnLost.
const (
	ReasonStoppedResponding = "server_stopped_responding"
	ReasonLongAbsence       = "long_absence"
	ReasonProbeTimeout      = "probe_timeout"
)

// Transport is the part of the correlator the monitor needs.
type Transport interface {
	Call(ctx context.Context, msg protocol.Message) (*protocol.Inbound, error)
	Drop(reason string)
}

// Options configures a Monitor. Zero durations take the package defaults.
type Options struct {
	Transport          Transport
	Clock              clock.Clock
	Logger             *logrus.Logger
	Metrics            *metrics.Registry
	PingInterval       time.Duration
	SleepCheckInterval time.Duration
	LongAbsence        time.Duration
	ProbeTimeout       time.Duration
	// OnLost runs after the monitor forced the connection closed.
	OnLost func(reason string, err error)
}

// Monitor runs the keepalive loop and the sleep detector while a session
// is authenticated.
type Monitor struct {
	transport Transport
	clock     clock.Clock
	logger    *logrus.Logger
	metrics   *metrics.Registry
	onLost    func(reason string, err error)

	pingInterval  time.Duration
	sleepInterval time.Duration
	longAbsence   time.Duration
	probeTimeout  time.Duration

	mu           sync.Mutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	failures     int
	lastActivity time.Time
}

// New creates a stopped Monitor.
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.GetRegistry()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = constants.DefaultPingIntervalSec * time.Second
	}
	if opts.SleepCheckInterval <= 0 {
		opts.SleepCheckInterval = constants.DefaultSleepCheckIntervalSec * time.Second
	}
	if opts.LongAbsence <= 0 {
		opts.LongAbsence = constants.DefaultLongAbsenceSec * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = constants.DefaultProbeTimeoutSec * time.Second
	}
	return &Monitor{
		transport:     opts.Transport,
		clock:         opts.Clock,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		onLost:        opts.OnLost,
		pingInterval:  opts.PingInterval,
		sleepInterval: opts.SleepCheckInterval,
		longAbsence:   opts.LongAbsence,
		probeTimeout:  opts.ProbeTimeout,
	}
}

// Start launches both loops. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.failures = 0

	// Tickers are created here so they exist once Start returns.
	ping := m.clock.NewTicker(m.pingInterval)
	sleep := m.clock.NewTicker(m.sleepInterval)
	m.wg.Add(2)
	go m.keepalive(ctx, ping)
	go m.sleepDetector(ctx, sleep, wallNow(m.clock))

	m.logger.WithFields(logrus.Fields{
		"ping_interval":  m.pingInterval,
		"sleep_interval": m.sleepInterval,
	}).Debug("Liveness monitor started")
}

// Stop halts both loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// Running reports whether the loops are active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// MarkActivity records local user activity; the next ping reports it.
func (m *Monitor) MarkActivity(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.lastActivity) {
		m.lastActivity = t
	}
}

// Failures returns the number of pings still unanswered.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) keepalive(ctx context.Context, ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		stalled := m.failures >= 1
		if stalled {
			m.failures = 0
		} else {
			m.failures++
		}
		var activity int64
		if !m.lastActivity.IsZero() {
			activity = m.lastActivity.UnixMicro()
		}
		m.mu.Unlock()

		if stalled {
			m.metrics.IncrementCounter(metrics.PingsFailed, nil, "Keepalive intervals without a pong")
			m.forceClose(ReasonStoppedResponding,
				apperrors.NewTimeoutError("keepalive", m.pingInterval.String()))
			continue
		}

		m.wg.Add(1)
		go m.ping(ctx, activity)
	}
}

func (m *Monitor) ping(ctx context.Context, activity int64) {
	defer m.wg.Done()
	in, err := m.transport.Call(ctx, &protocol.PingPing{
		Header:         protocol.Header{MsgType: protocol.TypePing},
		LastActivityTs: activity,
	})
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithError(err).Debug("Ping failed")
		}
		return
	}
	if in.MsgType != protocol.TypePong {
		m.logger.WithField("msg_type", in.MsgType).Warn("Unexpected ping reply")
	}
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

// sleepDetector compares wall-clock gaps between ticks. The monotonic
// reading is stripped because it does not advance while the host sleeps.
func (m *Monitor) sleepDetector(ctx context.Context, ticker *clock.Ticker, last time.Time) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := wallNow(m.clock)
		gap := now.Sub(last)
		last = now
		if gap <= 2*m.sleepInterval {
			continue
		}

		m.logger.WithField("gap", gap.String()).Info("Detected suspended process")
		if gap > m.longAbsence {
			m.forceClose(ReasonLongAbsence, apperrors.New(apperrors.ErrCodeTransport,
				"connection lost after long absence").WithContext("gap", gap.String()))
			continue
		}
		m.probe(ctx)
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := m.transport.Call(probeCtx, &protocol.PingPing{
			Header: protocol.Header{MsgType: protocol.TypePing},
		})
		done <- err
	}()

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Debug("Wake probe failed")
		}
	case <-m.clock.After(m.probeTimeout):
		m.forceClose(ReasonProbeTimeout,
			apperrors.NewTimeoutError("wake probe", m.probeTimeout.String()))
	}
}

func (m *Monitor) forceClose(reason string, err error) {
	m.metrics.IncrementCounter(metrics.ForcedCloses, map[string]string{"reason": reason}, "Connections closed by the liveness monitor")
	m.logger.WithField("reason", reason).Warn("Closing unresponsive connection")
	m.transport.Drop(reason)
	if m.onLost != nil {
		m.onLost(reason, err)
	}
}

func wallNow(c clock.Clock) time.Time {
	return c.Now().Round(0)
}
