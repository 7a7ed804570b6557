package graphmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WUUUYT/redmine-email-system/internal/bridge"
)

func testClient(server *httptest.Server, mutate func(*ClientOptions)) *Client {
	opts := ClientOptions{
		BaseURL:    server.URL,
		Token:      StaticTokenProvider("token_123"),
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewClient(opts)
}

func TestListMessagesSinceQueryAndDecode(t *testing.T) {
	var capturedAuth string
	var capturedQuery map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedAuth = r.Header.Get("Authorization")
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Error("expected a correlation id header")
		}
		if r.Header.Get("Prefer") != `outlook.body-content-type="text"` {
			t.Errorf("expected text body preference, got %q", r.Header.Get("Prefer"))
		}
		capturedQuery = map[string]string{}
		for key := range r.URL.Query() {
			capturedQuery[key] = r.URL.Query().Get(key)
		}
		if r.URL.Path != "/v1.0/me/mailFolders/inbox/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"value":[{
			"id": "msg-1",
			"subject": "[Helpdesk] Printer offline",
			"receivedDateTime": "2025-06-30T10:37:00Z",
			"hasAttachments": true,
			"from": {"emailAddress": {"name": "Dana Cruz", "address": "dana@example.com"}},
			"body": {"contentType": "html", "content": "printer is down"}
		}]}`))
	}))
	defer server.Close()

	client := testClient(server, nil)
	since := time.Date(2025, 6, 30, 10, 0, 0, 0, time.UTC)
	messages, err := client.ListMessagesSince(context.Background(), since)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if capturedAuth != "Bearer token_123" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedQuery["$orderby"] != "receivedDateTime asc" {
		t.Fatalf("wrong orderby: %q", capturedQuery["$orderby"])
	}
	if capturedQuery["$filter"] != "receivedDateTime gt 2025-06-30T10:00:00Z" {
		t.Fatalf("wrong filter: %q", capturedQuery["$filter"])
	}
	if capturedQuery["$top"] != "10" {
		t.Fatalf("wrong page size: %q", capturedQuery["$top"])
	}

	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
	msg := messages[0]
	want := bridge.InboundMessage{
		ID:             "msg-1",
		Subject:        "[Helpdesk] Printer offline",
		SenderName:     "Dana Cruz",
		SenderAddress:  "dana@example.com",
		ReceivedAt:     time.Date(2025, 6, 30, 10, 37, 0, 0, time.UTC),
		Body:           "printer is down",
		HasAttachments: true,
	}
	if msg != want {
		t.Fatalf("decoded message mismatch:\ngot  %+v\nwant %+v", msg, want)
	}
}

func TestListMessagesSinceFollowsNextLink(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/page2" {
			_, _ = w.Write([]byte(`{"value":[{"id":"msg-2","receivedDateTime":"2025-06-30T10:02:00Z"}]}`))
			return
		}
		_, _ = fmt.Fprintf(w, `{"value":[{"id":"msg-1","receivedDateTime":"2025-06-30T10:01:00Z"}],"@odata.nextLink":%q}`, server.URL+"/page2")
	}))
	defer server.Close()

	client := testClient(server, nil)
	messages, err := client.ListMessagesSince(context.Background(), time.Date(2025, 6, 30, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != "msg-1" || messages[1].ID != "msg-2" {
		t.Fatalf("pagination lost messages: %+v", messages)
	}
}

func TestFetchAttachmentsWritesFileAttachmentsOnly(t *testing.T) {
	content := []byte("crash log line")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1.0/me/messages/msg-1/attachments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		page := map[string]any{"value": []map[string]any{
			{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         "log.txt",
				"contentBytes": base64.StdEncoding.EncodeToString(content),
			},
			{
				"@odata.type": "#microsoft.graph.itemAttachment",
				"name":        "forwarded message",
			},
		}}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	client := testClient(server, nil)
	dir := t.TempDir()
	paths, err := client.FetchAttachments(context.Background(), "msg-1", dir)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected only the file attachment, got %v", paths)
	}
	if paths[0] != filepath.Join(dir, "msg-1", "log.txt") {
		t.Fatalf("unexpected path %s", paths[0])
	}
	written, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatalf("read written attachment: %v", err)
	}
	if string(written) != string(content) {
		t.Fatalf("attachment content mismatch: %q", written)
	}
}

func TestFetchAttachmentsKeepsDuplicateNames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := map[string]any{"value": []map[string]any{
			{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         "log.txt",
				"contentBytes": base64.StdEncoding.EncodeToString([]byte("first")),
			},
			{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         "log.txt",
				"contentBytes": base64.StdEncoding.EncodeToString([]byte("second")),
			},
		}}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	client := testClient(server, nil)
	dir := t.TempDir()
	paths, err := client.FetchAttachments(context.Background(), "msg-1", dir)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected both attachments, got %v", paths)
	}
	if paths[0] == paths[1] {
		t.Fatalf("duplicate names must spool to distinct paths, got %v", paths)
	}
	for i, want := range []string{"first", "second"} {
		written, err := os.ReadFile(paths[i])
		if err != nil {
			t.Fatalf("read %s: %v", paths[i], err)
		}
		if string(written) != want {
			t.Fatalf("attachment %d content = %q, want %q", i, written, want)
		}
	}
}

func TestSendPostsHTMLMail(t *testing.T) {
	var capturedPath string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := testClient(server, nil)
	err := client.Send(context.Background(), "dana@example.com", "[Issue #104] Printer offline", "<html>hi</html>")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if capturedPath != "/v1.0/me/sendMail" {
		t.Fatalf("expected sendMail path, got %s", capturedPath)
	}
	message, _ := capturedBody["message"].(map[string]any)
	if message["subject"] != "[Issue #104] Printer offline" {
		t.Fatalf("wrong subject in payload: %+v", message)
	}
	body, _ := message["body"].(map[string]any)
	if body["contentType"] != "HTML" || body["content"] != "<html>hi</html>" {
		t.Fatalf("wrong body in payload: %+v", body)
	}
}

func TestClientRetriesThrottling(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	defer server.Close()

	client := testClient(server, nil)
	if _, err := client.ListMessagesSince(context.Background(), time.Now()); err != nil {
		t.Fatalf("expected retry to recover from throttling, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestClientReturnsHTTPErrorOnPermanentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"ErrorAccessDenied","message":"no mailbox access"}}`))
	}))
	defer server.Close()

	client := testClient(server, nil)
	_, err := client.ListMessagesSince(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected permanent error")
	}
	if !strings.Contains(err.Error(), "ErrorAccessDenied") {
		t.Fatalf("expected error to include the response code, got %v", err)
	}
	if bridge.IsTransient(err) {
		t.Fatalf("403 must not be transient: %v", err)
	}
}

func TestHTTPErrorTransient(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		err := &HTTPError{StatusCode: tc.status}
		if err.Transient() != tc.want {
			t.Fatalf("status %d: Transient() = %v, want %v", tc.status, err.Transient(), tc.want)
		}
	}
}
