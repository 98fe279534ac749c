// Command migrate applies the credential store schema ahead of time, for
// hosts that open the store read-only or want to check the schema state.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"fogsync/internal/migrations"
	"fogsync/internal/security"
)

func main() {
	dbPath := flag.String("db", "./fogsync.db", "Path to the credential store database")
	list := flag.Bool("list", false, "List embedded migrations and exit")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if *list {
		names, err := migrations.Names()
		if err != nil {
			logger.Fatalf("Failed to list migrations: %v", err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	if err := run(*dbPath, logger); err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
}

func run(path string, logger *logrus.Logger) error {
	if err := security.ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.WithField("path", path).Info("Database file not found, creating it")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	applied, err := migrations.Apply(ctx, db)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logger.Info("Schema is up to date")
		return nil
	}
	for _, name := range applied {
		logger.WithField("migration", name).Info("Applied migration")
	}
	return nil
}
