package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"fogsync/internal/auth"
	"fogsync/internal/config"
	"fogsync/pkg/client"
	"fogsync/pkg/protocol"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	configPath = flag.String("config", "", "Path to configuration file (defaults and environment when empty)")
	roomID     = flag.String("room", "", "Room to tail after the roster loads")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("fogsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting fogsync")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}
	logger.SetLevel(cfg.Level())

	principal, err := principalFromEnv()
	if err != nil {
		return err
	}

	t := &tail{logger: logger, roomID: *roomID}
	c, err := client.New(cfg, t.hooks(), client.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	t.client = c
	defer func() {
		if err := c.Close(); err != nil {
			logger.WithError(err).Warn("Client close failed")
		}
	}()

	if *configPath != "" {
		watcher := config.NewConfigWatcher(*configPath, logger)
		watcher.OnConfigChange(func(next *config.Config) {
			if *verbose {
				next.LogLevel = logrus.DebugLevel.String()
			}
			c.ApplyConfig(next)
		})
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.WithError(err).Error("Configuration watcher failed")
			}
		}()
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	if err := c.SetPrincipal(principal); err != nil {
		return fmt.Errorf("invalid principal: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	t.wait()
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnvironment()
	}
	return config.LoadConfig(path)
}

// principalFromEnv picks an agent when FOGSYNC_AGENT_ID is set, a user
// when FOGSYNC_USER_ID is set and a visitor of FOGSYNC_WIDGET_ID
// otherwise.
func principalFromEnv() (protocol.Principal, error) {
	var p protocol.Principal
	switch {
	case os.Getenv("FOGSYNC_AGENT_ID") != "":
		p = &protocol.AgentToken{
			AgentID:  os.Getenv("FOGSYNC_AGENT_ID"),
			VendorID: os.Getenv("FOGSYNC_VENDOR_ID"),
		}
	case os.Getenv("FOGSYNC_USER_ID") != "":
		p = &protocol.UserToken{
			WidgetID:     os.Getenv("FOGSYNC_WIDGET_ID"),
			CustomerID:   os.Getenv("FOGSYNC_CUSTOMER_ID"),
			CustomerName: os.Getenv("FOGSYNC_CUSTOMER_NAME"),
			UserID:       os.Getenv("FOGSYNC_USER_ID"),
			UserName:     os.Getenv("FOGSYNC_USER_NAME"),
			UserHMAC:     os.Getenv("FOGSYNC_USER_HMAC"),
			UserJWT:      os.Getenv("FOGSYNC_USER_JWT"),
		}
	case os.Getenv("FOGSYNC_WIDGET_ID") != "":
		p = &protocol.VisitorToken{
			WidgetID:   os.Getenv("FOGSYNC_WIDGET_ID"),
			VisitorKey: os.Getenv("FOGSYNC_VISITOR_KEY"),
		}
	default:
		return nil, fmt.Errorf("no principal: set FOGSYNC_AGENT_ID, FOGSYNC_USER_ID or FOGSYNC_WIDGET_ID")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// tail logs the roster and, optionally, one room of the first session.
// Reconnects restore the subscriptions inside the client.
type tail struct {
	logger *logrus.Logger
	client *client.Client
	roomID string

	once sync.Once
	wg   sync.WaitGroup
	mu   sync.Mutex
	seen int
}

func (t *tail) hooks() client.Hooks {
	return client.Hooks{
		OnSession: func(s *auth.Session) {
			if s == nil {
				return
			}
			t.logger.WithFields(logrus.Fields{
				"user_id":     s.UserID,
				"helpdesk_id": s.HelpdeskID,
			}).Info("Session established")
			t.once.Do(func() {
				t.wg.Add(1)
				go t.subscribe()
			})
		},
		OnStateChange: func(state auth.State) {
			t.logger.WithField("state", state).Debug("Auth state changed")
		},
		OnError: func(kind string, err error) {
			t.logger.WithError(err).WithField("kind", kind).Warn("Client error")
		},
		OnWrongCredential: func(err error) {
			t.logger.WithError(err).Error("Credential rejected")
		},
		OnDirectoryChange: func() {
			if t.client != nil {
				t.logger.WithField("rooms", len(t.client.Directory().Rooms())).Debug("Directory changed")
			}
		},
		OnRoomChange: t.logNewMessages,
	}
}

func (t *tail) subscribe() {
	defer t.wg.Done()
	ctx := context.Background()
	if _, err := t.client.AcquireRoster(ctx); err != nil {
		t.logger.WithError(err).Error("Roster subscription failed")
		return
	}
	if t.roomID == "" {
		return
	}
	if _, err := t.client.OpenRoom(ctx, t.roomID); err != nil {
		t.logger.WithError(err).WithField("room_id", t.roomID).Error("Failed to open room")
	}
}

func (t *tail) logNewMessages(roomID string) {
	room, ok := t.client.Room(roomID)
	if !ok {
		return
	}
	msgs := room.Messages()

	t.mu.Lock()
	start := t.seen
	if start > len(msgs) {
		start = 0
	}
	t.seen = len(msgs)
	t.mu.Unlock()

	for _, m := range msgs[start:] {
		t.logger.WithFields(logrus.Fields{
			"room_id": roomID,
			"from":    m.FromName,
			"id":      m.ID,
		}).Info(m.Text)
	}
}

func (t *tail) wait() { t.wg.Wait() }
