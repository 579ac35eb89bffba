// Package handoff is the Go SDK for the chat-handoff operator console.
//
// It keeps an in-memory, live view of the platform's conversations by
// merging full snapshots with push events, and issues the operator actions
// (send, resolve, transfer, take over) against the REST API.
//
// Example:
//
//	client := handoff.NewClient("https://console.example.com/api", handoff.WithToken(token))
//	sync := handoff.NewSyncController(client)
//	if err := sync.Start(ctx); err != nil { ... }
//	defer sync.Stop()
//
//	for _, c := range sync.Store().Sorted() { ... }
//	_ = sync.TakeOver(ctx, "5511999999999_main")
package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the console REST API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithWSURL overrides the push channel URL derived from the base URL.
func WithWSURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = u }
}

// NewClient creates a client for the API rooted at baseURL, e.g.
// "https://console.example.com/api". An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or clears the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BaseURL() string { return c.baseURL }

// WSURL returns the push channel URL: the base URL's host at path /ws, with
// the scheme switched to ws or wss.
func (c *Client) WSURL() string {
	if c.wsURL != "" {
		return c.wsURL
	}
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Host == "" {
		return strings.Replace(strings.Replace(c.baseURL, "https://", "wss://", 1), "http://", "ws://", 1) + "/ws"
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

// ============================================================================
// Internal request helpers
// ============================================================================

type requestBody struct {
	reader      io.Reader
	contentType string
}

func jsonBody(v any) (*requestBody, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return &requestBody{reader: bytes.NewReader(b), contentType: "application/json"}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body *requestBody, query url.Values, token string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = body.reader
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// authed sends a request with the client's token and fails fast without one.
func (c *Client) authed(ctx context.Context, method, path string, body *requestBody, query url.Values) ([]byte, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNoToken
	}
	return c.doRequest(ctx, method, path, body, query, token)
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status}
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			apiErr.Detail = s
		} else {
			apiErr.Detail = string(body.Detail)
		}
	}
	if apiErr.Detail == "" {
		apiErr.Detail = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func conversationPath(compositeID, action string) string {
	return "/conversations/" + url.PathEscape(compositeID) + "/" + action
}

// ============================================================================
// Snapshot
// ============================================================================

// FetchSnapshot lists conversations with their messages.
func (c *Client) FetchSnapshot(ctx context.Context, q SnapshotQuery) ([]Conversation, error) {
	query := url.Values{}
	if !q.Since.IsZero() {
		query.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		query.Set("offset", strconv.Itoa(q.Offset))
	}
	data, err := c.authed(ctx, http.MethodGet, "/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	convs, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// ============================================================================
// Mutation intents
// ============================================================================

// SendMessage sends an operator text message.
func (c *Client) SendMessage(ctx context.Context, compositeID, text string) error {
	return c.SendFile(ctx, compositeID, text, "", nil)
}

// SendFile sends a file, optionally captioned. With a nil file only the text
// is sent.
func (c *Client) SendFile(ctx context.Context, compositeID, text, fileName string, file io.Reader) error {
	if strings.TrimSpace(text) == "" && file == nil {
		return fmt.Errorf("text or file is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if file != nil {
		if fileName == "" {
			return fmt.Errorf("fileName is required with a file")
		}
		part, err := w.CreateFormFile("file", fileName)
		if err != nil {
			return fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := io.Copy(part, file); err != nil {
			return fmt.Errorf("failed to write file data: %w", err)
		}
	}
	if text != "" {
		if err := w.WriteField("text", text); err != nil {
			return fmt.Errorf("failed to write text field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close form: %w", err)
	}

	body := &requestBody{reader: &buf, contentType: w.FormDataContentType()}
	_, err := c.authed(ctx, http.MethodPost, conversationPath(compositeID, "send"), body, nil)
	return err
}

// Resolve marks a conversation as solved.
func (c *Client) Resolve(ctx context.Context, compositeID string) error {
	_, err := c.authed(ctx, http.MethodPost, conversationPath(compositeID, "resolve"), nil, nil)
	return err
}

// Transfer moves a conversation to another supervision department.
func (c *Client) Transfer(ctx context.Context, compositeID, department string) error {
	if strings.TrimSpace(department) == "" {
		return fmt.Errorf("department is required")
	}
	body, err := jsonBody(map[string]string{"human_supervision_type": department})
	if err != nil {
		return err
	}
	_, err = c.authed(ctx, http.MethodPut, conversationPath(compositeID, "supervision-type"), body, nil)
	return err
}

// TakeOver disables the bot for a conversation.
func (c *Client) TakeOver(ctx context.Context, compositeID string) error {
	_, err := c.authed(ctx, http.MethodPost, conversationPath(compositeID, "take-over"), nil, nil)
	return err
}

// ============================================================================
// Accounts
// ============================================================================

// Login exchanges credentials for a token. It does not store the token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body, err := jsonBody(LoginRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/login", body, nil, "")
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}
	if res.AccessToken == "" && res.ResetToken == "" {
		return nil, fmt.Errorf("login response carries no token")
	}
	return res, nil
}

// SetPassword sets the first password using the reset token from Login.
func (c *Client) SetPassword(ctx context.Context, resetToken, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	body, err := jsonBody(map[string]string{"new_password": newPassword})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, "/set-password", body, nil, resetToken)
	return err
}

// CreateUser creates an operator account. Requires an Admin token.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}
	if req.Role == "" {
		req.Role = RoleSocial
	}
	if !validRole(req.Role) {
		return nil, fmt.Errorf("unknown role %q", req.Role)
	}
	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}
	data, err := c.authed(ctx, http.MethodPost, "/users", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

func validRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}
