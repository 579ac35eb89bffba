package handoff

import "sort"

// messageKey is the deduplication identity of a message. Two distinct
// messages with the same instant and text collapse into one.
type messageKey struct {
	at   int64
	text string
}

func keyOf(m Message) messageKey {
	return messageKey{at: m.Timestamp.Key(), text: m.Text}
}

// MergeMessages merges a server sequence with a locally known one. Server
// entries win; local entries missing from server are kept. The result is
// sorted ascending by timestamp and holds no duplicate identities.
func MergeMessages(server, local []Message) []Message {
	seen := make(map[messageKey]struct{}, len(server)+len(local))
	merged := make([]Message, 0, len(server)+len(local))
	for _, m := range server {
		k := keyOf(m)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range local {
		k := keyOf(m)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, m)
	}
	sortMessages(merged)
	return merged
}

// AppendUnique merges one message into an existing sequence. It returns
// false, and the input unchanged, when the identity is already present.
func AppendUnique(existing []Message, m Message) ([]Message, bool) {
	if ContainsMessage(existing, m) {
		return existing, false
	}
	out := make([]Message, len(existing), len(existing)+1)
	copy(out, existing)
	out = append(out, m)
	sortMessages(out)
	return out, true
}

// ContainsMessage reports whether msgs holds a message with m's identity.
func ContainsMessage(msgs []Message, m Message) bool {
	k := keyOf(m)
	for _, existing := range msgs {
		if keyOf(existing) == k {
			return true
		}
	}
	return false
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Key() < msgs[j].Timestamp.Key()
	})
}
