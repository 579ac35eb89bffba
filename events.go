package handoff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Push events
// ============================================================================

// Values of the "update" discriminant.
const (
	UpdateNewMessage             = "new_message"
	UpdateNewHandoffRequest      = "new_handoff_request"
	UpdateConversationResolved   = "conversation_resolved"
	UpdateSupervisionTypeChanged = "supervision_type_changed"
	UpdateConversationTakenOver  = "conversation_taken_over"
)

// Event is one decoded push event. The concrete type is one of
// NewMessageEvent, HandoffRequestedEvent, ConversationResolvedEvent,
// SupervisionChangedEvent, ConversationTakenOverEvent or UnknownEvent.
type Event interface {
	Update() string
	isEvent()
}

// NewMessageEvent carries a single message for one conversation.
type NewMessageEvent struct {
	ConversationID string
	Message        Message
}

type HandoffRequestedEvent struct{ ConversationID string }

type ConversationResolvedEvent struct{ ConversationID string }

type SupervisionChangedEvent struct{ ConversationID string }

type ConversationTakenOverEvent struct{ ConversationID string }

// UnknownEvent is any event that is malformed or of a kind the console does
// not act on.
type UnknownEvent struct {
	Kind   string
	Reason string
	Raw    json.RawMessage
}

func (NewMessageEvent) Update() string            { return UpdateNewMessage }
func (HandoffRequestedEvent) Update() string      { return UpdateNewHandoffRequest }
func (ConversationResolvedEvent) Update() string  { return UpdateConversationResolved }
func (SupervisionChangedEvent) Update() string    { return UpdateSupervisionTypeChanged }
func (ConversationTakenOverEvent) Update() string { return UpdateConversationTakenOver }
func (e UnknownEvent) Update() string             { return e.Kind }

func (NewMessageEvent) isEvent()            {}
func (HandoffRequestedEvent) isEvent()      {}
func (ConversationResolvedEvent) isEvent()  {}
func (SupervisionChangedEvent) isEvent()    {}
func (ConversationTakenOverEvent) isEvent() {}
func (UnknownEvent) isEvent()               {}

// pushEnvelope is the wire format of every push event.
type pushEnvelope struct {
	Update         string          `json:"update"`
	CompositeID    string          `json:"composite_id"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
	Message        json.RawMessage `json:"message"`
}

func (e pushEnvelope) id() string {
	if id := strings.TrimSpace(e.CompositeID); id != "" {
		return id
	}
	return strings.TrimSpace(e.ConversationID)
}

func (e pushEnvelope) payload() json.RawMessage {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return e.Data
	}
	return e.Message
}

// DecodeEvent decodes a raw push frame. It never fails: anything it cannot
// make sense of becomes an UnknownEvent with a reason.
func DecodeEvent(raw []byte) Event {
	var env pushEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return UnknownEvent{Reason: fmt.Sprintf("invalid json: %v", err), Raw: raw}
	}
	unknown := func(reason string) Event {
		return UnknownEvent{Kind: env.Update, Reason: reason, Raw: raw}
	}

	id := env.id()
	switch env.Update {
	case UpdateNewMessage:
		if id == "" {
			return unknown("missing conversation id")
		}
		body := env.payload()
		if len(body) == 0 || string(body) == "null" {
			return unknown("missing message payload")
		}
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return unknown(fmt.Sprintf("invalid message payload: %v", err))
		}
		return NewMessageEvent{ConversationID: id, Message: msg}
	case UpdateNewHandoffRequest:
		return HandoffRequestedEvent{ConversationID: id}
	case UpdateConversationResolved:
		return ConversationResolvedEvent{ConversationID: id}
	case UpdateSupervisionTypeChanged:
		return SupervisionChangedEvent{ConversationID: id}
	case UpdateConversationTakenOver:
		return ConversationTakenOverEvent{ConversationID: id}
	case "":
		return unknown("missing update field")
	default:
		return unknown("unsupported update")
	}
}

// ============================================================================
// Router
// ============================================================================

// Action is what the controller does in response to an event.
type Action interface{ isAction() }

// AppendMessage adds one message to a known conversation.
type AppendMessage struct {
	ConversationID string
	Message        Message
}

// Refetch requests a full snapshot.
type Refetch struct{ Reason string }

// Ignore drops the event.
type Ignore struct{ Reason string }

func (AppendMessage) isAction() {}
func (Refetch) isAction()       {}
func (Ignore) isAction()        {}

// ConversationLookup is the part of the store the router needs.
type ConversationLookup interface {
	Has(conversationID string) bool
}

// Route decides how to apply ev against the current store contents.
func Route(ev Event, store ConversationLookup) Action {
	switch e := ev.(type) {
	case NewMessageEvent:
		if store == nil || !store.Has(e.ConversationID) {
			return Refetch{Reason: "message for unknown conversation " + e.ConversationID}
		}
		return AppendMessage{ConversationID: e.ConversationID, Message: e.Message}
	case HandoffRequestedEvent, ConversationResolvedEvent, SupervisionChangedEvent, ConversationTakenOverEvent:
		return Refetch{Reason: ev.Update()}
	case UnknownEvent:
		return Ignore{Reason: e.Reason}
	default:
		return Ignore{Reason: fmt.Sprintf("unhandled event %T", ev)}
	}
}
