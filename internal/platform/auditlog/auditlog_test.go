package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE audit_events (
	event_id INTEGER PRIMARY KEY AUTOINCREMENT,
	occurred_at INTEGER NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	request_id TEXT,
	ip TEXT,
	user_agent TEXT,
	payload TEXT NOT NULL DEFAULT '{}',
	integrity_sha256 TEXT NOT NULL
)`

func sampleEvent() Event {
	return Event{
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		Actor:        "dev@example.com",
		Action:       "release_run.scheduled",
		ResourceType: "release_run",
		ResourceID:   "run-1",
		RequestID:    "rid-1",
		IP:           net.ParseIP("10.0.0.1"),
		Payload:      map[string]any{"version_tag": "v1"},
	}
}

func TestInsertQueryDialects(t *testing.T) {
	pg := insertQuery(DialectPostgres)
	if !strings.Contains(pg, "$10") || strings.Contains(pg, "?") {
		t.Fatalf("postgres query=%s", pg)
	}
	lite := insertQuery(DialectSQLite)
	if strings.Count(lite, "?") != 10 || strings.Contains(lite, "$1") {
		t.Fatalf("sqlite query=%s", lite)
	}
	if !strings.Contains(lite, "RETURNING event_id") {
		t.Fatalf("expected RETURNING clause")
	}
}

func TestComputeIntegritySHA256(t *testing.T) {
	event := sampleEvent()
	payload, _ := json.Marshal(event.Payload)

	a, err := ComputeIntegritySHA256(event, payload)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if len(a) != 64 {
		t.Fatalf("digest length=%d", len(a))
	}

	truncated := event
	truncated.OccurredAt = event.OccurredAt.Truncate(time.Millisecond)
	truncated.Actor = "  dev@example.com "
	b, _ := ComputeIntegritySHA256(truncated, payload)
	if a != b {
		t.Fatalf("digest should ignore sub-millisecond precision and padding")
	}

	changed := event
	changed.ResourceID = "run-2"
	c, _ := ComputeIntegritySHA256(changed, payload)
	if a == c {
		t.Fatalf("digest should change with content")
	}
}

func TestInsertSQLite(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		t.Fatalf("schema: %v", err)
	}

	event := sampleEvent()
	first, err := Insert(ctx, db, DialectSQLite, event)
	if err != nil {
		t.Fatalf("Insert() err=%v", err)
	}
	second, err := Insert(ctx, db, DialectSQLite, event)
	if err != nil {
		t.Fatalf("Insert() err=%v", err)
	}
	if second <= first {
		t.Fatalf("ids not increasing: %d then %d", first, second)
	}

	var (
		occurredAt int64
		ip         sql.NullString
		userAgent  sql.NullString
		payload    string
		digest     string
	)
	err = db.QueryRowContext(ctx,
		`SELECT occurred_at, ip, user_agent, payload, integrity_sha256 FROM audit_events WHERE event_id = ?`, first,
	).Scan(&occurredAt, &ip, &userAgent, &payload, &digest)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if occurredAt != event.OccurredAt.UnixMilli() {
		t.Fatalf("occurred_at=%d", occurredAt)
	}
	if ip.String != "10.0.0.1" || userAgent.Valid {
		t.Fatalf("ip=%v user_agent=%v", ip, userAgent)
	}
	want, _ := ComputeIntegritySHA256(event, []byte(payload))
	if digest != want {
		t.Fatalf("integrity=%s, want %s", digest, want)
	}
}

func TestInsertRejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	if _, err := Insert(ctx, nil, DialectSQLite, sampleEvent()); err == nil {
		t.Fatalf("Insert(nil) err=nil")
	}
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	event := sampleEvent()
	event.Actor = " "
	if _, err := Insert(ctx, db, DialectSQLite, event); err == nil {
		t.Fatalf("Insert() without actor err=nil")
	}
}
