package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type recorded struct {
	method, path, query string
	header              http.Header
	body                []byte
	form                map[string]string
	fileName, fileData  string
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.EscapedPath()
		rec.query = r.URL.RawQuery
		rec.header = r.Header.Clone()
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			rec.form = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				rec.form[k] = v[0]
			}
			if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
				rec.fileName = fhs[0].Filename
				f, _ := fhs[0].Open()
				data, _ := io.ReadAll(f)
				f.Close()
				rec.fileData = string(data)
			}
		} else {
			rec.body, _ = io.ReadAll(r.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

// ============================================================================
// Client
// ============================================================================

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("")
		if c.BaseURL() != DefaultBaseURL {
			t.Fatalf("expected %s, got %s", DefaultBaseURL, c.BaseURL())
		}
		if c.WSURL() != "ws://localhost:8000/ws" {
			t.Fatalf("unexpected ws url %s", c.WSURL())
		}
	})

	t.Run("https base", func(t *testing.T) {
		c := NewClient("https://console.example.com/api/", WithToken("tok"))
		if c.BaseURL() != "https://console.example.com/api" {
			t.Fatalf("expected trimmed base, got %s", c.BaseURL())
		}
		if c.WSURL() != "wss://console.example.com/ws" {
			t.Fatalf("unexpected ws url %s", c.WSURL())
		}
		if c.Token() != "tok" {
			t.Fatalf("expected token, got %q", c.Token())
		}
	})

	t.Run("ws override", func(t *testing.T) {
		c := NewClient("https://a", WithWSURL("wss://push.example.com/socket"))
		if c.WSURL() != "wss://push.example.com/socket" {
			t.Fatalf("unexpected ws url %s", c.WSURL())
		}
	})

	t.Run("timeout", func(t *testing.T) {
		c := NewClient("", WithTimeout(5*time.Second))
		if c.httpClient.Timeout != 5*time.Second {
			t.Fatalf("expected 5s timeout, got %v", c.httpClient.Timeout)
		}
	})
}

func TestFetchSnapshot(t *testing.T) {
	srv, rec := newTestServer(t, 200, `[
		{"composite_id":"C1","phone_number":"1","status":"open","human_supervision":true,
		 "messages":[{"sender":"user","text":"hi","timestamp":10}]}
	]`)
	c := NewClient(srv.URL, WithToken("tok"))

	convs, err := c.FetchSnapshot(context.Background(), SnapshotQuery{
		Since: time.Date(2024, 5, 1, 9, 0, 0, 0, fixedZone),
		Limit: 50,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 1 || convs[0].CompositeID != "C1" || !convs[0].NeedsAttention() {
		t.Fatalf("unexpected snapshot: %+v", convs)
	}
	if rec.method != http.MethodGet || rec.path != "/conversations" {
		t.Fatalf("unexpected request %s %s", rec.method, rec.path)
	}
	if rec.query != "limit=50&since=2024-05-01T12%3A00%3A00Z" {
		t.Fatalf("unexpected query %s", rec.query)
	}
	if rec.header.Get("Authorization") != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", rec.header.Get("Authorization"))
	}
	if rec.header.Get("X-Request-ID") == "" {
		t.Fatal("expected request id")
	}
}

func TestClientErrors(t *testing.T) {
	t.Run("no token", func(t *testing.T) {
		_, err := NewClient("http://127.0.0.1:1").FetchSnapshot(context.Background(), SnapshotQuery{})
		if !errors.Is(err, ErrNoToken) {
			t.Fatalf("expected ErrNoToken, got %v", err)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		srv, _ := newTestServer(t, 401, `{"detail":"Could not validate credentials"}`)
		_, err := NewClient(srv.URL, WithToken("bad")).FetchSnapshot(context.Background(), SnapshotQuery{})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Detail != "Could not validate credentials" {
			t.Fatalf("expected detail, got %v", err)
		}
	})

	t.Run("structured detail", func(t *testing.T) {
		srv, _ := newTestServer(t, 422, `{"detail":[{"loc":["body"],"msg":"field required"}]}`)
		err := NewClient(srv.URL, WithToken("t")).Resolve(context.Background(), "C1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 422 || !strings.Contains(apiErr.Detail, "field required") {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("non json body", func(t *testing.T) {
		srv, _ := newTestServer(t, 502, `bad gateway`)
		err := NewClient(srv.URL, WithToken("t")).TakeOver(context.Background(), "C1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Detail != "Bad Gateway" {
			t.Fatalf("unexpected error %v", err)
		}
	})

	t.Run("bad snapshot body", func(t *testing.T) {
		srv, _ := newTestServer(t, 200, `{"not":"a list"}`)
		_, err := NewClient(srv.URL, WithToken("t")).FetchSnapshot(context.Background(), SnapshotQuery{})
		if err == nil || !strings.Contains(err.Error(), "unmarshal") {
			t.Fatalf("expected unmarshal error, got %v", err)
		}
	})
}

// ============================================================================
// Intents
// ============================================================================

func TestSendMessage(t *testing.T) {
	srv, rec := newTestServer(t, 200, `{"status":"sent"}`)
	c := NewClient(srv.URL, WithToken("tok"))

	if err := c.SendMessage(context.Background(), "5511_main", "olá"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.method != http.MethodPost || rec.path != "/conversations/5511_main/send" {
		t.Fatalf("unexpected request %s %s", rec.method, rec.path)
	}
	if rec.form["text"] != "olá" || rec.fileName != "" {
		t.Fatalf("unexpected form %+v file %q", rec.form, rec.fileName)
	}

	if err := c.SendMessage(context.Background(), "5511_main", "  "); err == nil {
		t.Fatal("expected error for empty message")
	}
}

func TestSendFile(t *testing.T) {
	srv, rec := newTestServer(t, 200, `{}`)
	c := NewClient(srv.URL, WithToken("tok"))

	err := c.SendFile(context.Background(), "a/b", "see attached", "invoice.pdf", strings.NewReader("%PDF-1.4"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.path != "/conversations/a%2Fb/send" {
		t.Fatalf("expected escaped id, got %s", rec.path)
	}
	if rec.fileName != "invoice.pdf" || rec.fileData != "%PDF-1.4" || rec.form["text"] != "see attached" {
		t.Fatalf("unexpected upload %q %q %+v", rec.fileName, rec.fileData, rec.form)
	}

	if err := c.SendFile(context.Background(), "x", "", "", strings.NewReader("x")); err == nil {
		t.Fatal("expected error without file name")
	}
}

func TestConversationIntents(t *testing.T) {
	tests := []struct {
		name   string
		call   func(c *Client) error
		method string
		path   string
		body   string
	}{
		{"resolve", func(c *Client) error { return c.Resolve(context.Background(), "C1") }, http.MethodPost, "/conversations/C1/resolve", ""},
		{"take over", func(c *Client) error { return c.TakeOver(context.Background(), "C1") }, http.MethodPost, "/conversations/C1/take-over", ""},
		{"transfer", func(c *Client) error { return c.Transfer(context.Background(), "C1", "Financeiro") }, http.MethodPut, "/conversations/C1/supervision-type", `{"human_supervision_type":"Financeiro"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newTestServer(t, 200, `{}`)
			if err := tt.call(NewClient(srv.URL, WithToken("tok"))); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.method != tt.method || rec.path != tt.path {
				t.Fatalf("expected %s %s, got %s %s", tt.method, tt.path, rec.method, rec.path)
			}
			if string(rec.body) != tt.body {
				t.Fatalf("expected body %s, got %s", tt.body, rec.body)
			}
		})
	}

	t.Run("transfer requires department", func(t *testing.T) {
		if err := NewClient("", WithToken("t")).Transfer(context.Background(), "C1", " "); err == nil {
			t.Fatal("expected error")
		}
	})
}

// ============================================================================
// Accounts
// ============================================================================

func TestLogin(t *testing.T) {
	t.Run("access token", func(t *testing.T) {
		srv, rec := newTestServer(t, 200, `{"access_token":"jwt","token_type":"bearer"}`)
		res, err := NewClient(srv.URL).Login(context.Background(), "maria", "secret123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.AccessToken != "jwt" || res.NeedsPasswordReset() {
			t.Fatalf("unexpected result %+v", res)
		}
		var req LoginRequest
		json.Unmarshal(rec.body, &req)
		if req.Username != "maria" || req.Password != "secret123" {
			t.Fatalf("unexpected body %s", rec.body)
		}
		if rec.header.Get("Authorization") != "" {
			t.Fatal("login must not send a token")
		}
	})

	t.Run("first login", func(t *testing.T) {
		srv, _ := newTestServer(t, 200, `{"reset_token":"rt"}`)
		res, err := NewClient(srv.URL).Login(context.Background(), "maria", "temp")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.NeedsPasswordReset() {
			t.Fatal("expected password reset")
		}
	})

	t.Run("empty response", func(t *testing.T) {
		srv, _ := newTestServer(t, 200, `{}`)
		if _, err := NewClient(srv.URL).Login(context.Background(), "a", "b"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		srv, _ := newTestServer(t, 401, `{"detail":"Incorrect username or password"}`)
		_, err := NewClient(srv.URL).Login(context.Background(), "a", "b")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})
}

func TestSetPassword(t *testing.T) {
	srv, rec := newTestServer(t, 200, `{}`)
	c := NewClient(srv.URL)

	if err := c.SetPassword(context.Background(), "rt", "short"); err == nil {
		t.Fatal("expected length error")
	}
	if rec.method != "" {
		t.Fatal("short password must not reach the server")
	}
	if err := c.SetPassword(context.Background(), "rt", "long enough"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.header.Get("Authorization") != "Bearer rt" {
		t.Fatalf("expected reset token, got %q", rec.header.Get("Authorization"))
	}
	if string(rec.body) != `{"new_password":"long enough"}` {
		t.Fatalf("unexpected body %s", rec.body)
	}
}

func TestCreateUser(t *testing.T) {
	srv, rec := newTestServer(t, 200, `{"username":"joao","role":"Social"}`)
	c := NewClient(srv.URL, WithToken("admin"))

	u, err := c.CreateUser(context.Background(), CreateUserRequest{Username: "joao", Password: "temp1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Username != "joao" || u.Role != RoleSocial {
		t.Fatalf("unexpected user %+v", u)
	}
	if !strings.Contains(string(rec.body), `"role":"Social"`) {
		t.Fatalf("expected default role, got %s", rec.body)
	}

	if _, err := c.CreateUser(context.Background(), CreateUserRequest{Username: "x", Password: "y", Role: "Root"}); err == nil {
		t.Fatal("expected unknown role error")
	}
}
