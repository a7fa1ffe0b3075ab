// Package testutil provides shared test infrastructure: a Postgres container
// with pgvector for storage integration tests, an in-memory SQLite store for
// everything else, and a scripted model stub.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/storage/sqlite"
	"github.com/ashita-ai/kotae/migrations"
)

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container with the pgvector extension
// created. Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kotae",
			"POSTGRES_PASSWORD": "kotae",
			"POSTGRES_DB":       "kotae",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://kotae:kotae@%s:%s/kotae?sslmode=disable", host, port.Port())

	// Create the extension before any pool exists so pgvector types get
	// registered by the pool's AfterConnect hook.
	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to create vector extension: %v\n", err)
		os.Exit(1)
	}
	_ = bootstrapConn.Close(ctx)

	return &TestContainer{Container: container, DSN: dsn}
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// NewSQLite opens an in-memory SQLite store closed at the end of the test.
func NewSQLite(t testing.TB) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:", TestLogger())
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// Ticket returns a valid ticket record with the given ID.
func Ticket(id string) model.TicketRecord {
	return model.TicketRecord{
		ID:             id,
		Subject:        "Cannot log in",
		Body:           "I reset my password twice and still get an error.",
		RequesterEmail: "ana@example.com",
		RequesterName:  "Ana",
		Status:         "new",
		Tags:           []string{"login"},
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// ScriptedLLM answers prompts by kind. Classification prompts (they ask for
// an INTENT line) get Classify; drafting prompts get Draft. A reply of the
// form "error:<msg>" is returned as a transient error.
type ScriptedLLM struct {
	mu       sync.Mutex
	Classify []string
	Draft    []string
	calls    int
}

// Completer returns the stub as an llm.Completer.
func (s *ScriptedLLM) Completer() llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, prompt string) (string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls++

		queue := &s.Draft
		if strings.Contains(prompt, "INTENT:") {
			queue = &s.Classify
		}
		if len(*queue) == 0 {
			return "", &llm.StatusError{Provider: "scripted", StatusCode: 503, Body: "script exhausted"}
		}
		reply := (*queue)[0]
		if len(*queue) > 1 {
			*queue = (*queue)[1:]
		}
		if msg, ok := strings.CutPrefix(reply, "error:"); ok {
			return "", &llm.StatusError{Provider: "scripted", StatusCode: 503, Body: msg}
		}
		return reply, nil
	})
}

// Calls returns the number of model calls made so far.
func (s *ScriptedLLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
