package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestAllocateTokenConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	const workers = 10
	var wg sync.WaitGroup
	numbers := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _, err := st.AllocateToken(ctx, allocateInput())
			if err != nil {
				t.Errorf("allocate token: %v", err)
				return
			}
			numbers <- token.TokenNumber
		}()
	}
	wg.Wait()
	close(numbers)

	var got []int64
	for number := range numbers {
		got = append(got, number)
	}
	if len(got) != workers {
		t.Fatalf("expected %d tokens, got %d", workers, len(got))
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, number := range got {
		if number != int64(i+1) {
			t.Fatalf("expected contiguous numbers from 1, got %v", got)
		}
	}
}

func TestAllocateTokenIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	input := allocateInput()
	first, created, err := st.AllocateToken(ctx, input)
	if err != nil || !created {
		t.Fatalf("first allocation: created=%v err=%v", created, err)
	}
	second, created, err := st.AllocateToken(ctx, input)
	if err != nil {
		t.Fatalf("replay allocation: %v", err)
	}
	if created || first.TokenID != second.TokenID {
		t.Fatalf("expected same token for duplicate request, got %+v vs %+v", first, second)
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = 'token.created'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 token.created event, got %d", count)
	}
}

func TestTransitionTokenGraph(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	token, _, err := st.AllocateToken(ctx, allocateInput())
	if err != nil {
		t.Fatalf("allocate token: %v", err)
	}

	_, _, err = st.TransitionToken(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TokenID:   token.TokenID,
		Action:    store.ActionComplete,
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition completing a waiting token, got %v", err)
	}

	called, applied, err := st.TransitionToken(ctx, store.TransitionInput{
		RequestID: uuid.NewString(),
		TokenID:   token.TokenID,
		Action:    store.ActionCall,
	})
	if err != nil || !applied {
		t.Fatalf("call transition: applied=%v err=%v", applied, err)
	}
	if called.Status != models.StatusCalled || called.CalledAt == nil {
		t.Fatalf("unexpected called token: %+v", called)
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE type = 'token.called'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 token.called event, got %d", count)
	}
}

func TestConcurrentCancelSingleWinner(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	token, _, err := st.AllocateToken(ctx, allocateInput())
	if err != nil {
		t.Fatalf("allocate token: %v", err)
	}

	const callers = 4
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := st.TransitionToken(ctx, store.TransitionInput{
				RequestID: uuid.NewString(),
				TokenID:   token.TokenID,
				Action:    store.ActionCancel,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrContention) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one cancel to win, got %d", wins)
	}
}

func allocateInput() store.AllocateTokenInput {
	return store.AllocateTokenInput{
		RequestID:      uuid.NewString(),
		PatientID:      uuid.NewString(),
		PatientName:    "Patient",
		Specialization: "general",
		DoctorID:       uuid.NewString(),
		DoctorName:     "Dr. A",
		Priority:       models.PriorityNormal,
		GeneratedAt:    time.Now().UTC(),
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
