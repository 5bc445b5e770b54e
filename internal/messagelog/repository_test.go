package messagelog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func testRepository(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := NewSQLiteRepository(db)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return repo
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	repo := testRepository(t)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Errorf("EnsureSchema() second call error = %v", err)
	}
}

func TestCreateGeneratesIDAndTimestamp(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	rec := &Record{
		Topic:   "lab/device/7",
		Payload: `{"event":"tool_enabled"}`,
		QoS:     1,
		Success: true,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if !strings.HasPrefix(rec.ID, "msg-") {
		t.Errorf("generated ID = %q, want msg- prefix", rec.ID)
	}
	if rec.SentAt.IsZero() {
		t.Error("SentAt not populated on Create")
	}
}

func TestCreateAndList(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := &Record{
			Topic:   fmt.Sprintf("lab/device/%d", i),
			Payload: fmt.Sprintf(`{"seq":%d}`, i),
			QoS:     1,
			Success: true,
			SentAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 3 {
		t.Errorf("Total = %d, want 3", result.Total)
	}
	if len(result.Records) != 3 {
		t.Fatalf("len(Records) = %d, want 3", len(result.Records))
	}

	// Most recent first.
	if result.Records[0].Topic != "lab/device/2" {
		t.Errorf("Records[0].Topic = %q, want lab/device/2 (newest first)", result.Records[0].Topic)
	}
}

func TestListFilterByTopic(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	for _, topic := range []string{"lab/a", "lab/b", "lab/a"} {
		if err := repo.Create(ctx, &Record{Topic: topic, Payload: "{}", QoS: 1, Success: true}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	result, err := repo.List(ctx, Filter{Topic: "lab/a"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 2 {
		t.Errorf("Total = %d, want 2", result.Total)
	}
	for _, rec := range result.Records {
		if rec.Topic != "lab/a" {
			t.Errorf("filtered record topic = %q, want lab/a", rec.Topic)
		}
	}
}

func TestListFilterBySuccess(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	if err := repo.Create(ctx, &Record{Topic: "lab/a", Payload: "{}", QoS: 1, Success: true}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, &Record{
		Topic: "lab/b", Payload: "{}", QoS: 1,
		Success: false, ErrorMessage: "publish failed: timeout",
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	failed := false
	result, err := repo.List(ctx, Filter{Success: &failed})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("Total = %d, want 1", result.Total)
	}
	rec := result.Records[0]
	if rec.Success {
		t.Error("filtered record Success = true, want false")
	}
	if rec.ErrorMessage != "publish failed: timeout" {
		t.Errorf("ErrorMessage = %q, want the stored failure", rec.ErrorMessage)
	}
}

func TestListPagination(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &Record{
			Topic: "lab/seq", Payload: fmt.Sprintf("%d", i), QoS: 1, Success: true,
			SentAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	page, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}
	if len(page.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(page.Records))
	}
	if page.Records[0].Payload != "2" {
		t.Errorf("page start payload = %q, want %q", page.Records[0].Payload, "2")
	}
}

func TestListEmptyReturnsSlice(t *testing.T) {
	repo := testRepository(t)

	result, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Records == nil {
		t.Error("Records = nil, want empty slice")
	}
}

func TestPrune(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	old := &Record{
		Topic: "lab/old", Payload: "{}", QoS: 1, Success: true,
		SentAt: time.Now().UTC().AddDate(0, 0, -40),
	}
	fresh := &Record{Topic: "lab/new", Payload: "{}", QoS: 1, Success: true}
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	deleted, err := repo.Prune(ctx, 30)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("Prune() deleted = %d, want 1", deleted)
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 || result.Records[0].Topic != "lab/new" {
		t.Errorf("after prune got %+v, want only lab/new", result.Records)
	}
}

func TestPruneDisabled(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	rec := &Record{
		Topic: "lab/old", Payload: "{}", QoS: 1, Success: true,
		SentAt: time.Now().UTC().AddDate(0, 0, -400),
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	deleted, err := repo.Prune(ctx, 0)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("Prune(0) deleted = %d, want 0 (retention disabled)", deleted)
	}
}
