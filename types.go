package handoff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthorized is matched by any APIError carrying a 401 or 403 status.
	ErrUnauthorized = errors.New("handoff: authentication failed")
	ErrNoToken      = errors.New("handoff: no token")
	ErrTokenExpired = errors.New("handoff: token expired")
	ErrNotStarted   = errors.New("handoff: session not started")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("handoff: HTTP %d", e.Status)
	}
	return fmt.Sprintf("handoff: HTTP %d: %s", e.Status, e.Detail)
}

// Is reports auth failures as ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	if target == ErrUnauthorized {
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	}
	return false
}

// ============================================================================
// Timestamp
// ============================================================================

// Timestamp is an instant decoded leniently from the backend. It accepts
// RFC3339, naive ISO-8601 (read as UTC) and unix seconds as a JSON number.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// At builds a Timestamp from t.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// Unix builds a Timestamp from unix seconds.
func Unix(sec int64) Timestamp { return Timestamp{Time: time.Unix(sec, 0).UTC()} }

// ParseTimestamp parses the string forms accepted by UnmarshalJSON.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{Time: t}, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	if ts, ok := parseEpoch(s); ok {
		return ts, nil
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

// parseEpoch reads decimal unix seconds digit by digit so that a numeric
// timestamp lands on the same nanosecond as its ISO form. Exponent forms go
// through float64, rounded to the microsecond.
func parseEpoch(s string) (Timestamp, bool) {
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Timestamp{}, false
		}
		usec := math.Round(f * 1e6)
		return Timestamp{Time: time.UnixMicro(int64(usec)).UTC()}, true
	}

	neg := strings.HasPrefix(s, "-")
	intPart, frac, _ := strings.Cut(strings.TrimLeft(s, "+-"), ".")
	if intPart == "" && frac == "" {
		return Timestamp{}, false
	}
	var sec int64
	if intPart != "" {
		v, err := strconv.ParseUint(intPart, 10, 63)
		if err != nil {
			return Timestamp{}, false
		}
		sec = int64(v)
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		v, err := strconv.ParseUint(frac+strings.Repeat("0", 9-len(frac)), 10, 32)
		if err != nil {
			return Timestamp{}, false
		}
		nsec = int64(v)
	}
	if neg {
		sec, nsec = -sec, -nsec
	}
	return Timestamp{Time: time.Unix(sec, nsec).UTC()}, true
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	parsed, ok := parseEpoch(string(data))
	if !ok {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Key is the instant in nanoseconds, independent of location.
func (t Timestamp) Key() int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// ============================================================================
// Messages
// ============================================================================

// ContentKind is the coarse type of a message's attachment.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindImage    ContentKind = "image"
	KindVideo    ContentKind = "video"
	KindAudio    ContentKind = "audio"
	KindDocument ContentKind = "document"
)

const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// Message is one unit of conversation content. The backend assigns no id;
// (Timestamp, Text) identifies a message.
type Message struct {
	Sender      string      `json:"sender"`
	Text        string      `json:"text"`
	Timestamp   Timestamp   `json:"timestamp"`
	MediaURL    string      `json:"media_url,omitempty"`
	ContentKind ContentKind `json:"content_kind"`
}

func (m Message) IsFromUser() bool     { return m.Sender == SenderUser }
func (m Message) IsFromBot() bool      { return m.Sender == SenderBot }
func (m Message) IsFromOperator() bool { return m.Sender != "" && !m.IsFromUser() && !m.IsFromBot() }

func (m *Message) UnmarshalJSON(data []byte) error {
	type wire Message
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message(w)
	m.ContentKind = Classify(m.MediaURL)
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

const StatusOpen = "open"

// Conversation is one chat session between a remote user and the bot or
// human operators.
type Conversation struct {
	CompositeID                string    `json:"composite_id"`
	ThreadID                   string    `json:"thread_id,omitempty"`
	PhoneNumber                string    `json:"phone_number"`
	DisplayName                string    `json:"user_name,omitempty"`
	Status                     string    `json:"status"`
	HumanSupervisionRequested  bool      `json:"human_supervision"`
	HumanSupervisionDepartment string    `json:"human_supervision_type,omitempty"`
	LastHandoffAt              Timestamp `json:"last_handoff_timestamp"`
	Messages                   []Message `json:"messages"`
	LastMessageSummary         string    `json:"last_message"`
	LastUpdatedAt              Timestamp `json:"last_updated"`
}

func (c Conversation) IsOpen() bool { return c.Status == StatusOpen }

// IsClosed treats every non-open status as a closed variant.
func (c Conversation) IsClosed() bool { return !c.IsOpen() }

// ClosedReason returns the suffix after the last underscore of a closed
// status, e.g. "closed_inactivity" → "inactivity".
func (c Conversation) ClosedReason() string {
	if c.IsOpen() {
		return ""
	}
	if i := strings.LastIndex(c.Status, "_"); i >= 0 {
		return c.Status[i+1:]
	}
	return c.Status
}

// NeedsAttention reports an open conversation flagged for a person.
func (c Conversation) NeedsAttention() bool {
	return c.IsOpen() && c.HumanSupervisionRequested
}

// Name is the display name, falling back to the phone number.
func (c Conversation) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.PhoneNumber
}

// refreshSummary derives LastMessageSummary and LastUpdatedAt from the final
// message. With no messages the fields are left as they are.
func (c *Conversation) refreshSummary() {
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		c.LastMessageSummary = last.Text
		c.LastUpdatedAt = last.Timestamp
	}
}

func (c Conversation) clone() Conversation {
	if c.Messages != nil {
		c.Messages = append([]Message(nil), c.Messages...)
	}
	return c
}

// ============================================================================
// Request / response types
// ============================================================================

// SnapshotQuery pages through the conversation listing.
type SnapshotQuery struct {
	Since  time.Time
	Limit  int
	Offset int
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries either an access token or, on first login, a reset
// token that must be exchanged via SetPassword.
type LoginResult struct {
	AccessToken string `json:"access_token,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	ResetToken  string `json:"reset_token,omitempty"`
}

func (r *LoginResult) NeedsPasswordReset() bool {
	return r.AccessToken == "" && r.ResetToken != ""
}

// Operator roles known to the console. Admin can create users.
const (
	RoleAdmin      = "Admin"
	RoleSocial     = "Social"
	RoleFinanceiro = "Financeiro"
	RoleEsportes   = "Esportes"
)

// Roles lists the roles accepted by CreateUser.
var Roles = []string{RoleSocial, RoleFinanceiro, RoleEsportes, RoleAdmin}

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type User struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Name     string `json:"name,omitempty"`
}

// MinPasswordLength is enforced client-side before SetPassword is called.
const MinPasswordLength = 8
