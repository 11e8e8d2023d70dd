package store

import (
	"context"
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

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run changes nothing.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	token, err := db.Token(ctx)
	if err != nil || token != "" {
		t.Fatalf("Token() on empty db = %q, %v", token, err)
	}
	if c, err := db.Credential(); err != nil || c != nil {
		t.Fatalf("Credential() on empty db = %v, %v", c, err)
	}

	if err := db.SaveCredential(&Credential{Token: "t1", UserID: "1", UserCode: "U1", Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveCredential(&Credential{Token: "t2", UserID: "1", UserCode: "U1", Username: "alice"}); err != nil {
		t.Fatal(err)
	}
	if token, _ := db.Token(ctx); token != "t2" {
		t.Errorf("token = %q, want t2", token)
	}

	if err := db.ClearToken(); err != nil {
		t.Fatal(err)
	}
	c, err := db.Credential()
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Token != "" || c.UserCode != "U1" {
		t.Errorf("credential after clear = %+v, want identity without token", c)
	}
}

func TestConversationUpsertKeepsNewest(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{ID: "7", Name: "Team", IsGroup: true, LastMessageAt: 2000, LastMessagePreview: "newer"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&Conversation{ID: "7", LastMessageAt: 1000, LastMessagePreview: "older"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&Conversation{ID: "8", Name: "Bob", LastMessageAt: 3000, LastMessagePreview: "hi"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("7")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Team" || !c.IsGroup || c.LastMessageAt != 2000 || c.LastMessagePreview != "newer" {
		t.Errorf("conversation = %+v", c)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 || convs[0].ID != "8" {
		t.Errorf("list = %+v, want 8 first", convs)
	}

	if c, err := db.GetConversation("missing"); err != nil || c != nil {
		t.Errorf("GetConversation(missing) = %v, %v", c, err)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ConversationID: "7", MsgID: "m1", Content: "hello", MessageType: "text", Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Content = "hello edited"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("7", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Content != "hello edited" {
		t.Errorf("content = %q, want hello edited", msgs[0].Content)
	}
}

func TestListMessagesPaginates(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"m1", "m2", "m3"} {
		if err := db.UpsertMessage(&Message{ConversationID: "7", MsgID: id, Content: id, MessageType: "text", Timestamp: int64(1000 * (i + 1))}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("7", 3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].MsgID != "m2" || page[1].MsgID != "m1" {
		t.Errorf("page = %+v, want m2, m1", page)
	}
}

func TestDeleteAndMarkRead(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := db.UpsertMessage(&Message{ConversationID: "7", MsgID: id, Content: id, MessageType: "text", Timestamp: 1000}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.DeleteMessages("7", []string{"m1", "m3", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if err := db.MarkConversationRead("7"); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages("7", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != "m2" || !msgs[0].IsRead {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ConversationID: "7", MsgID: "m1", Content: "hello world", MessageType: "text", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ConversationID: "7", MsgID: "m2", Content: "100% done", MessageType: "text", Timestamp: 2000}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"hello", []string{"m1"}},
		{"%", []string{"m2"}},
		{"o", []string{"m2", "m1"}},
		{"nothing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			results, err := db.SearchMessages(tt.query, "7", 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(results), len(tt.want))
			}
			for i, id := range tt.want {
				if results[i].MsgID != id {
					t.Errorf("result %d = %q, want %q", i, results[i].MsgID, id)
				}
			}
		})
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	if v, err := db.Checkpoint("k"); err != nil || v != "" {
		t.Fatalf("Checkpoint(unset) = %q, %v", v, err)
	}
	if err := db.SetCheckpoint("k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("k", "2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.Checkpoint("k"); v != "2" {
		t.Errorf("checkpoint = %q, want 2", v)
	}
}
