package handoff

import (
	"strings"
	"testing"
)

type lookup map[string]bool

func (l lookup) Has(id string) bool { return l[id] }

// ============================================================================
// DecodeEvent
// ============================================================================

func TestDecodeEvent(t *testing.T) {
	t.Run("new message in data", func(t *testing.T) {
		ev := DecodeEvent([]byte(`{"update":"new_message","composite_id":"C1","data":{"sender":"user","text":"hi","timestamp":10}}`))
		nm, ok := ev.(NewMessageEvent)
		if !ok {
			t.Fatalf("expected NewMessageEvent, got %T", ev)
		}
		if nm.ConversationID != "C1" || nm.Message.Text != "hi" || nm.Message.Timestamp.Key() != Unix(10).Key() {
			t.Fatalf("unexpected event: %+v", nm)
		}
		if nm.Message.ContentKind != KindText {
			t.Fatalf("expected text kind, got %s", nm.Message.ContentKind)
		}
	})

	t.Run("new message in message field", func(t *testing.T) {
		ev := DecodeEvent([]byte(`{"update":"new_message","conversation_id":"C1","message":{"text":"yo","timestamp":"2024-05-01T12:00:00","media_url":"https://x/a.pdf"}}`))
		nm, ok := ev.(NewMessageEvent)
		if !ok {
			t.Fatalf("expected NewMessageEvent, got %T", ev)
		}
		if nm.Message.ContentKind != KindDocument {
			t.Fatalf("expected document kind, got %s", nm.Message.ContentKind)
		}
		if nm.Message.Timestamp.Location().String() != "UTC" {
			t.Fatalf("expected naive timestamp read as UTC, got %v", nm.Message.Timestamp)
		}
	})

	t.Run("status events", func(t *testing.T) {
		cases := map[string]string{
			UpdateNewHandoffRequest:      "HandoffRequestedEvent",
			UpdateConversationResolved:   "ConversationResolvedEvent",
			UpdateSupervisionTypeChanged: "SupervisionChangedEvent",
			UpdateConversationTakenOver:  "ConversationTakenOverEvent",
		}
		for update := range cases {
			ev := DecodeEvent([]byte(`{"update":"` + update + `","composite_id":"C1"}`))
			if ev.Update() != update {
				t.Fatalf("expected %s, got %s (%T)", update, ev.Update(), ev)
			}
			if _, unknown := ev.(UnknownEvent); unknown {
				t.Fatalf("%s decoded as unknown", update)
			}
		}
	})

	malformed := []struct {
		name   string
		raw    string
		reason string
	}{
		{"invalid json", `{"update":`, "invalid json"},
		{"not an object", `[1,2]`, "invalid json"},
		{"missing update", `{"composite_id":"C1"}`, "missing update"},
		{"unsupported update", `{"update":"typing","composite_id":"C1"}`, "unsupported"},
		{"message without id", `{"update":"new_message","data":{"text":"hi","timestamp":1}}`, "missing conversation id"},
		{"message without payload", `{"update":"new_message","composite_id":"C1"}`, "missing message payload"},
		{"message null payload", `{"update":"new_message","composite_id":"C1","data":null}`, "missing message payload"},
		{"message bad payload", `{"update":"new_message","composite_id":"C1","data":"hi"}`, "invalid message payload"},
		{"message bad timestamp", `{"update":"new_message","composite_id":"C1","data":{"text":"hi","timestamp":"yesterday"}}`, "invalid message payload"},
	}
	for _, tt := range malformed {
		t.Run(tt.name, func(t *testing.T) {
			ev := DecodeEvent([]byte(tt.raw))
			u, ok := ev.(UnknownEvent)
			if !ok {
				t.Fatalf("expected UnknownEvent, got %T", ev)
			}
			if !strings.Contains(u.Reason, tt.reason) {
				t.Fatalf("expected reason containing %q, got %q", tt.reason, u.Reason)
			}
			if string(u.Raw) != tt.raw {
				t.Fatalf("expected raw frame kept, got %s", u.Raw)
			}
		})
	}
}

// ============================================================================
// Route
// ============================================================================

func TestRoute(t *testing.T) {
	store := lookup{"C1": true}

	t.Run("known conversation appends", func(t *testing.T) {
		act := Route(NewMessageEvent{ConversationID: "C1", Message: msg(10, "hi")}, store)
		app, ok := act.(AppendMessage)
		if !ok {
			t.Fatalf("expected AppendMessage, got %T", act)
		}
		if app.ConversationID != "C1" || app.Message.Text != "hi" {
			t.Fatalf("unexpected action: %+v", app)
		}
	})

	t.Run("unknown conversation refetches", func(t *testing.T) {
		ev := DecodeEvent([]byte(`{"update":"new_message","composite_id":"C99","data":{"text":"hi","timestamp":10}}`))
		if _, ok := Route(ev, store).(Refetch); !ok {
			t.Fatalf("expected Refetch, got %T", Route(ev, store))
		}
	})

	t.Run("nil store refetches", func(t *testing.T) {
		if _, ok := Route(NewMessageEvent{ConversationID: "C1"}, nil).(Refetch); !ok {
			t.Fatal("expected Refetch with no store")
		}
	})

	t.Run("status events refetch", func(t *testing.T) {
		for _, ev := range []Event{
			HandoffRequestedEvent{ConversationID: "C1"},
			ConversationResolvedEvent{ConversationID: "C1"},
			SupervisionChangedEvent{ConversationID: "C1"},
			ConversationTakenOverEvent{ConversationID: "C1"},
		} {
			act, ok := Route(ev, store).(Refetch)
			if !ok {
				t.Fatalf("expected Refetch for %T", ev)
			}
			if act.Reason != ev.Update() {
				t.Fatalf("expected reason %s, got %s", ev.Update(), act.Reason)
			}
		}
	})

	t.Run("unknown ignored", func(t *testing.T) {
		act, ok := Route(UnknownEvent{Kind: "typing", Reason: "unsupported update"}, store).(Ignore)
		if !ok {
			t.Fatal("expected Ignore")
		}
		if act.Reason != "unsupported update" {
			t.Fatalf("expected reason carried, got %q", act.Reason)
		}
	})
}
