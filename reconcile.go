package handoff

// Reconciliation is the result of merging a snapshot into local state.
type Reconciliation struct {
	Conversations  []Conversation
	NeedsAttention bool
}

// Reconcile merges a server snapshot into the current conversations.
//
// The snapshot decides membership and order: local conversations it omits are
// dropped. For conversations known on both sides the message lists are merged
// so that locally known messages missing from the snapshot survive.
func Reconcile(current, server []Conversation) Reconciliation {
	local := make(map[string]*Conversation, len(current))
	for i := range current {
		local[current[i].CompositeID] = &current[i]
	}

	out := Reconciliation{Conversations: make([]Conversation, 0, len(server))}
	seen := make(map[string]struct{}, len(server))
	for _, sc := range server {
		if sc.CompositeID == "" {
			continue
		}
		if _, dup := seen[sc.CompositeID]; dup {
			continue
		}
		seen[sc.CompositeID] = struct{}{}

		conv := sc.clone()
		if lc, ok := local[sc.CompositeID]; ok {
			conv.Messages = MergeMessages(sc.Messages, lc.Messages)
		} else {
			conv.Messages = MergeMessages(sc.Messages, nil)
		}
		conv.refreshSummary()

		if conv.NeedsAttention() {
			out.NeedsAttention = true
		}
		out.Conversations = append(out.Conversations, conv)
	}
	return out
}

// anyNeedsAttention is the attention flag over a collection.
func anyNeedsAttention(convs []Conversation) bool {
	for _, c := range convs {
		if c.NeedsAttention() {
			return true
		}
	}
	return false
}
