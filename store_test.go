package handoff

import (
	"reflect"
	"sync"
	"testing"
)

func seededStore(convs ...Conversation) *ConversationStore {
	s := NewConversationStore()
	s.ApplyReconciliation(Reconcile(nil, convs))
	return s
}

// ============================================================================
// Mutations
// ============================================================================

func TestStoreApplyAppend(t *testing.T) {
	t.Run("duplicate push leaves store unchanged", func(t *testing.T) {
		s := seededStore(conv("C1", msg(10, "hi")))
		ev := DecodeEvent([]byte(`{"update":"new_message","composite_id":"C1","data":{"text":"hi","timestamp":10}}`))
		act := Route(ev, s).(AppendMessage)
		if s.ApplyAppend(act.ConversationID, act.Message) {
			t.Fatal("expected duplicate to be rejected")
		}
		c, _ := s.Get("C1")
		if len(c.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(c.Messages))
		}
	})

	t.Run("unknown id rejected", func(t *testing.T) {
		s := seededStore(conv("C1"))
		if s.ApplyAppend("C2", msg(1, "x")) {
			t.Fatal("expected unknown id to be rejected")
		}
		if s.Len() != 1 {
			t.Fatalf("expected 1 conversation, got %d", s.Len())
		}
	})

	t.Run("moves to front and derives summary", func(t *testing.T) {
		s := seededStore(conv("A"), conv("B"), conv("C"), conv("D"))
		if !s.ApplyAppend("C", msg(50, "news")) {
			t.Fatal("expected append")
		}
		if want := []string{"C", "A", "B", "D"}; !reflect.DeepEqual(ids(s.List()), want) {
			t.Fatalf("expected %v, got %v", want, ids(s.List()))
		}
		c, _ := s.Get("C")
		if c.LastMessageSummary != "news" || c.LastUpdatedAt.Key() != Unix(50).Key() {
			t.Fatalf("summary not derived: %q", c.LastMessageSummary)
		}
		for _, id := range []string{"A", "B", "C", "D"} {
			got, ok := s.Get(id)
			if !ok || got.CompositeID != id {
				t.Fatalf("index broken for %s", id)
			}
		}
	})

	t.Run("front stays front", func(t *testing.T) {
		s := seededStore(conv("A"), conv("B"))
		s.ApplyAppend("A", msg(1, "x"))
		if want := []string{"A", "B"}; !reflect.DeepEqual(ids(s.List()), want) {
			t.Fatalf("expected %v, got %v", want, ids(s.List()))
		}
	})
}

func TestStoreApplyReconciliation(t *testing.T) {
	s := seededStore(conv("A"))
	flagged := conv("B")
	flagged.HumanSupervisionRequested = true
	s.ApplyReconciliation(Reconciliation{Conversations: []Conversation{flagged, flagged, conv("")}})
	if want := []string{"B"}; !reflect.DeepEqual(ids(s.List()), want) {
		t.Fatalf("expected %v, got %v", want, ids(s.List()))
	}
	if s.Has("A") {
		t.Fatal("expected A dropped")
	}
	if !s.NeedsAttention() {
		t.Fatal("expected attention")
	}

	s.Reset()
	if s.Len() != 0 || s.NeedsAttention() || s.Has("B") {
		t.Fatal("expected empty store after reset")
	}
}

// ============================================================================
// Reads
// ============================================================================

func TestStoreCopies(t *testing.T) {
	s := seededStore(conv("A", msg(1, "a")))
	c, _ := s.Get("A")
	c.Messages[0].Text = "changed"
	c.Status = "closed"
	list := s.List()
	list[0].Messages = append(list[0].Messages, msg(2, "b"))

	got, _ := s.Get("A")
	if got.Messages[0].Text != "a" || got.Status != StatusOpen || len(got.Messages) != 1 {
		t.Fatalf("store mutated through a copy: %+v", got)
	}
}

func TestStoreSorted(t *testing.T) {
	older := conv("old", msg(10, "x"))
	newer := conv("new", msg(20, "x"))
	flagged := conv("flag", msg(5, "x"))
	flagged.HumanSupervisionRequested = true
	closedFlag := conv("closed", msg(30, "x"))
	closedFlag.Status = "closed_solved"
	closedFlag.HumanSupervisionRequested = true

	s := seededStore(older, newer, flagged, closedFlag)
	if want := []string{"flag", "closed", "new", "old"}; !reflect.DeepEqual(ids(s.Sorted()), want) {
		t.Fatalf("expected %v, got %v", want, ids(s.Sorted()))
	}
}

func TestStoreSearch(t *testing.T) {
	a := conv("5511999990000_main", msg(1, "Preciso de AJUDA com meu pedido"))
	a.PhoneNumber = "5511999990000"
	b := conv("5521888880000_main", msg(2, "obrigado"))
	b.PhoneNumber = "5521888880000"
	b.Status = "closed_inactivity"
	other := conv("x")
	other.Status = "archived"
	s := seededStore(a, b, other)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"5521888880000_main", "5511999990000_main"}},
		{"ajuda", []string{"5511999990000_main"}},
		{"  OBRIGADO ", []string{"5521888880000_main"}},
		{"2188", []string{"5521888880000_main"}},
		{"nothing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := s.Search(tt.query)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, ids(got))
			}
			for i := range got {
				if got[i].CompositeID != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, ids(got))
				}
			}
		})
	}
}

func TestNormalizeLastMessage(t *testing.T) {
	tests := map[string]string{
		"Media received: image.":    "[image]",
		"Media received: audio":     "[audio]",
		"hello":                     "hello",
		"":                          "",
		"I got: Media received: x.": "I got: Media received: x.",
	}
	for in, want := range tests {
		if got := NormalizeLastMessage(in); got != want {
			t.Fatalf("NormalizeLastMessage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStoreConcurrentReads(t *testing.T) {
	s := seededStore(conv("A"), conv("B"))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Sorted()
				s.Has("A")
			}
		}()
	}
	for j := 0; j < 100; j++ {
		s.ApplyAppend("B", msg(int64(j), "m"))
	}
	wg.Wait()
	c, _ := s.Get("B")
	if len(c.Messages) != 100 {
		t.Fatalf("expected 100 messages, got %d", len(c.Messages))
	}
}
