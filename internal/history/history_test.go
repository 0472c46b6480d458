package history

import (
	"context"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat_history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "conv1", "user", "what is setup time", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "conv1", "assistant", "setup time is...", []map[string]string{{"source": "pt_ug.pdf"}}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Get(ctx, "conv1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("order wrong: %+v", msgs)
	}
	if len(msgs[1].Sources) == 0 {
		t.Fatal("assistant message lost its sources")
	}
}

func TestListCountsConversationsAndDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "a", "user", "first question", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "b", "user", "second question", nil); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}

	deleted, err := s.Delete(ctx, "a")
	if err != nil || !deleted {
		t.Fatalf("delete: %v deleted=%v", err, deleted)
	}
	if msgs, _ := s.Get(ctx, "a"); len(msgs) != 0 {
		t.Fatalf("conversation survived deletion: %+v", msgs)
	}

	deleted, err = s.Delete(ctx, "missing")
	if err != nil || deleted {
		t.Fatalf("deleting unknown conversation: %v deleted=%v", err, deleted)
	}
}

func TestCacheServesRepeatedReads(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "c", "user", "question", nil); err != nil {
		t.Fatal(err)
	}
	first, err := s.Get(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	// Appends after a cached read must still be visible.
	if err := s.Append(ctx, "c", "assistant", "answer", nil); err != nil {
		t.Fatal(err)
	}
	second, err := s.Get(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != len(first)+1 {
		t.Fatalf("cache went stale: first=%d second=%d", len(first), len(second))
	}
}
