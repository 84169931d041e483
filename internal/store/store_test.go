package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + cache)", result.Version)
	}
}

// TestMigrateSchemaHasRequiredColumns verifies the columns the queue and
// the cache write to.
func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"queue outbox", "INSERT INTO outbox (client_msg_id, thread_id, body, status, attempts, last_error) VALUES (?, ?, ?, ?, ?, ?)", []any{"cid", "t1", "text", "queued", 0, ""}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
		{"cache thread", "INSERT INTO threads (id, title, participants, unread_count, last_message_at, last_message_preview, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"t1", "T", "[]", 1, 1000, "hi", 1000}},
		{"cache message", "INSERT INTO messages (thread_id, msg_id, client_id, sender_id, body, message_type, metadata, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"t1", "m1", "", "42", "hi", "text", "", "sent", 1000}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("c1", "t1", "first"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c2", "t1", "second"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c1", "t1", "dup"); err == nil {
		t.Error("duplicate client id accepted")
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ClientMsgID != "c1" || pending[1].ClientMsgID != "c2" {
		t.Fatalf("pending = %+v, want [c1 c2]", pending)
	}

	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	if e, _ := db.GetOutbox("c1"); e == nil || e.Status != OutboxSending {
		t.Errorf("after sending = %+v", e)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 2 {
		t.Errorf("pending with an interrupted send = %d, want 2", len(pending))
	}

	if err := db.MarkOutboxAttempt("c1", "connection refused"); err != nil {
		t.Fatal(err)
	}
	e, err := db.GetOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != OutboxQueued || e.Attempts != 1 || e.LastError != "connection refused" {
		t.Errorf("after attempt = %+v", e)
	}

	if err := db.MarkOutboxFailed("c2", "rejected"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	failed, _ := db.FailedOutbox()
	if len(pending) != 1 || len(failed) != 1 || failed[0].ClientMsgID != "c2" {
		t.Fatalf("pending = %+v failed = %+v", pending, failed)
	}

	ok, err := db.RequeueOutbox("c2")
	if err != nil || !ok {
		t.Fatalf("RequeueOutbox = %v, %v", ok, err)
	}
	if ok, _ := db.RequeueOutbox("missing"); ok {
		t.Error("RequeueOutbox(missing) = true")
	}

	if err := db.DeleteOutbox("c1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 || pending[0].ClientMsgID != "c2" {
		t.Errorf("pending after delete = %+v", pending)
	}
	if e, _ := db.GetOutbox("c1"); e != nil {
		t.Errorf("GetOutbox(deleted) = %+v, want nil", e)
	}
}

func TestThreadCache(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertThread(&Thread{ID: "a", Title: "Alice", Participants: []string{"1", "2"}, UpdatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertThread(&Thread{ID: "a", Title: "Alice Updated", UpdatedAt: 1000}); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetThread("a")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Title != "Alice Updated" {
		t.Errorf("GetThread(a) = %+v", got)
	}
	if got, _ := db.GetThread("missing"); got != nil {
		t.Errorf("GetThread(missing) = %+v, want nil", got)
	}

	if err := db.UpsertMessage(&Message{ThreadID: "a", MsgID: "m1", Body: "x", CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	err = db.ReplaceThreads([]Thread{
		{ID: "b", UpdatedAt: 2000, Participants: []string{"9"}},
		{ID: "c", UpdatedAt: 3000},
	})
	if err != nil {
		t.Fatal(err)
	}

	threads, err := db.ListThreads(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 || threads[0].ID != "c" || threads[1].ID != "b" {
		t.Fatalf("threads = %+v, want [c b]", threads)
	}
	if len(threads[1].Participants) != 1 || threads[1].Participants[0] != "9" {
		t.Errorf("participants = %v", threads[1].Participants)
	}
	msgs, _ := db.ListMessages("a", 0)
	if len(msgs) != 0 {
		t.Errorf("messages of removed thread kept: %+v", msgs)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ThreadID: "t1", MsgID: "m1", Body: "hello", Status: "sent", CreatedAt: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "hello updated"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageStatus("t1", "m1", "read"); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("t1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" || msgs[0].Status != "read" || msgs[0].MessageType != "text" {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestListMessagesNewestWindow(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"m3", "m1", "m4", "m2"} {
		created := map[string]int64{"m1": 1, "m2": 2, "m3": 3, "m4": 4}[id]
		if err := db.UpsertMessage(&Message{ThreadID: "t", MsgID: id, CreatedAt: created, Body: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("t", 3)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.MsgID)
	}
	if len(ids) != 3 || ids[0] != "m2" || ids[1] != "m3" || ids[2] != "m4" {
		t.Errorf("ids = %v, want [m2 m3 m4]", ids)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	for _, m := range []Message{
		{ThreadID: "t1", MsgID: "m1", Body: "Hello world", CreatedAt: 1000},
		{ThreadID: "t1", MsgID: "m2", Body: "goodbye world", CreatedAt: 2000},
		{ThreadID: "t2", MsgID: "m3", Body: "hello again", CreatedAt: 3000},
		{ThreadID: "t2", MsgID: "m4", Body: "100% sure", CreatedAt: 4000},
	} {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].MsgID != "m3" || results[1].MsgID != "m1" {
		t.Fatalf("results = %+v, want [m3 m1]", results)
	}

	results, _ = db.SearchMessages("hello", "t1", 10)
	if len(results) != 1 || results[0].MsgID != "m1" {
		t.Errorf("thread-scoped results = %+v", results)
	}

	results, _ = db.SearchMessages("0%", "", 10)
	if len(results) != 1 || results[0].MsgID != "m4" {
		t.Errorf("escaped wildcard results = %+v", results)
	}
}

func TestSyncState(t *testing.T) {
	db := testDB(t)

	v, err := db.GetSyncState("last_poll_at")
	if err != nil || v != "" {
		t.Fatalf("GetSyncState(unset) = %q, %v", v, err)
	}
	if err := db.SetSyncState("last_poll_at", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSyncState("last_poll_at", "2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetSyncState("last_poll_at"); v != "2" {
		t.Errorf("GetSyncState = %q, want 2", v)
	}
}

func TestClearCache(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertThread(&Thread{ID: "a"})
	_ = db.UpsertMessage(&Message{ThreadID: "a", MsgID: "m"})
	_ = db.QueueOutbox("c", "a", "keep me")

	if err := db.ClearCache(); err != nil {
		t.Fatal(err)
	}
	threads, _ := db.ListThreads(0)
	pending, _ := db.PendingOutbox()
	if len(threads) != 0 || len(pending) != 1 {
		t.Errorf("threads = %d pending = %d, want 0 and 1", len(threads), len(pending))
	}
}
