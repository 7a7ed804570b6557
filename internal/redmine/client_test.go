package redmine

import (
	"context"
	"encoding/json"
	"io"
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

func testClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		BaseURL:    server.URL,
		APIKey:     "key_123",
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

const issueJSON = `{
  "id": 12,
  "subject": "Printer offline",
  "status": {"id": 2, "name": "In Progress"},
  "priority": {"id": 3, "name": "High"},
  "tracker": {"id": 1, "name": "Support"},
  "assigned_to": {"id": 9, "name": "Sam Ortega"},
  "custom_fields": [
    {"id": 1, "value": "IT"},
    {"id": 5, "value": "dana@example.com"}
  ],
  "created_on": "2025-06-28T09:00:00Z",
  "updated_on": "2025-06-30T10:37:00Z",
  "journals": [
    {
      "user": {"id": 9, "name": "Sam Ortega"},
      "notes": "picked this up",
      "created_on": "2025-06-30T10:37:00Z",
      "details": [{"property": "attr", "name": "status_id"}]
    }
  ]
}`

func TestGetTicketDecodesIssue(t *testing.T) {
	var capturedKey, capturedPath, capturedQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedKey = r.Header.Get("X-Redmine-API-Key")
		capturedPath = r.URL.Path
		capturedQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"issue":` + issueJSON + `}`))
	}))
	defer server.Close()

	client := testClient(t, server)
	ticket, err := client.GetTicket(context.Background(), 12)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}

	if capturedKey != "key_123" {
		t.Fatalf("missing api key header, got %q", capturedKey)
	}
	if capturedPath != "/issues/12.json" || !strings.Contains(capturedQuery, "include=journals") {
		t.Fatalf("unexpected request %s?%s", capturedPath, capturedQuery)
	}

	if ticket.ID != 12 || ticket.Subject != "Printer offline" {
		t.Fatalf("ticket identity mismatch: %+v", ticket)
	}
	if ticket.Status != "In Progress" || ticket.Priority != "High" || ticket.Tracker != "Support" || ticket.Assignee != "Sam Ortega" {
		t.Fatalf("named refs mismatch: %+v", ticket)
	}
	if ticket.CustomFields[bridge.BusinessUnitCustomField] != "IT" {
		t.Fatalf("business unit field mismatch: %v", ticket.CustomFields)
	}
	if ticket.CustomFields[bridge.RequesterCustomField] != "dana@example.com" {
		t.Fatalf("requester field mismatch: %v", ticket.CustomFields)
	}
	if !ticket.UpdatedAt.Equal(time.Date(2025, 6, 30, 10, 37, 0, 0, time.UTC)) {
		t.Fatalf("updated_on mismatch: %s", ticket.UpdatedAt)
	}
	if len(ticket.Journal) != 1 {
		t.Fatalf("expected one journal entry, got %d", len(ticket.Journal))
	}
	entry := ticket.Journal[0]
	if entry.Author != "Sam Ortega" || entry.Notes != "picked this up" {
		t.Fatalf("journal entry mismatch: %+v", entry)
	}
	if len(entry.ChangedFields) != 1 || entry.ChangedFields[0] != "status_id" {
		t.Fatalf("journal details mismatch: %+v", entry.ChangedFields)
	}
	if !entry.CreatedAt.Equal(ticket.UpdatedAt) {
		t.Fatalf("journal timestamp should equal updated_on, got %s vs %s", entry.CreatedAt, ticket.UpdatedAt)
	}
}

func TestFindTicketsBySubjectQuery(t *testing.T) {
	var capturedQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedQuery = map[string]string{}
		for key := range r.URL.Query() {
			capturedQuery[key] = r.URL.Query().Get(key)
		}
		_, _ = w.Write([]byte(`{"issues":[` + issueJSON + `],"total_count":1}`))
	}))
	defer server.Close()

	client := testClient(t, server)
	tickets, err := client.FindTicketsBySubject(context.Background(), "helpdesk", "Printer offline")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if capturedQuery["project_id"] != "helpdesk" || capturedQuery["subject"] != "Printer offline" {
		t.Fatalf("wrong query: %v", capturedQuery)
	}
	if capturedQuery["status_id"] != "*" {
		t.Fatalf("closed tickets must be included, got status_id=%q", capturedQuery["status_id"])
	}
	if len(tickets) != 1 || tickets[0].ID != 12 {
		t.Fatalf("tickets mismatch: %+v", tickets)
	}
}

func TestListChangedSinceQueryAndPagination(t *testing.T) {
	var pages int32
	var firstQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := atomic.AddInt32(&pages, 1)
		if page == 1 {
			firstQuery = map[string]string{}
			for key := range r.URL.Query() {
				firstQuery[key] = r.URL.Query().Get(key)
			}
			_, _ = w.Write([]byte(`{"issues":[` + issueJSON + `],"total_count":2}`))
			return
		}
		if r.URL.Query().Get("offset") != "1" {
			t.Errorf("second page offset = %q, want 1", r.URL.Query().Get("offset"))
		}
		second := strings.Replace(issueJSON, `"id": 12`, `"id": 13`, 1)
		_, _ = w.Write([]byte(`{"issues":[` + second + `],"total_count":2}`))
	}))
	defer server.Close()

	client := testClient(t, server)
	since := time.Date(2025, 6, 30, 10, 0, 0, 0, time.UTC)
	tickets, err := client.ListChangedSince(context.Background(), "helpdesk", since)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if firstQuery["updated_on"] != ">=2025-06-30T10:00:00Z" {
		t.Fatalf("wrong updated_on filter: %q", firstQuery["updated_on"])
	}
	if firstQuery["sort"] != "updated_on" {
		t.Fatalf("wrong sort: %q", firstQuery["sort"])
	}
	if len(tickets) != 2 || tickets[0].ID != 12 || tickets[1].ID != 13 {
		t.Fatalf("pagination lost tickets: %+v", tickets)
	}
}

func TestCreateTicketPayload(t *testing.T) {
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/issues.json" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"issue":` + issueJSON + `}`))
	}))
	defer server.Close()

	client := testClient(t, server)
	ticket, err := client.CreateTicket(context.Background(), bridge.TicketDraft{
		Project:          "helpdesk",
		Subject:          "Printer offline",
		Description:      "it is down",
		StatusID:         1,
		AssignedToID:     2,
		TrackerID:        3,
		PriorityID:       4,
		BusinessUnit:     "IT",
		RequesterAddress: "dana@example.com",
		StartDate:        time.Date(2025, 6, 30, 10, 37, 0, 0, time.UTC),
		Uploads:          []bridge.Upload{{Path: "/spool/msg-1/log.txt", Token: "token_9"}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if ticket.ID != 12 {
		t.Fatalf("created ticket mismatch: %+v", ticket)
	}

	issue, _ := capturedBody["issue"].(map[string]any)
	if issue["project_id"] != "helpdesk" || issue["subject"] != "Printer offline" {
		t.Fatalf("issue payload mismatch: %+v", issue)
	}
	if issue["start_date"] != "2025-06-30" {
		t.Fatalf("start_date mismatch: %v", issue["start_date"])
	}
	fields, _ := issue["custom_fields"].([]any)
	if len(fields) != 2 {
		t.Fatalf("expected both bookkeeping custom fields: %+v", fields)
	}
	first, _ := fields[0].(map[string]any)
	second, _ := fields[1].(map[string]any)
	if first["id"] != float64(bridge.BusinessUnitCustomField) || first["value"] != "IT" {
		t.Fatalf("business unit field mismatch: %+v", first)
	}
	if second["id"] != float64(bridge.RequesterCustomField) || second["value"] != "dana@example.com" {
		t.Fatalf("requester field mismatch: %+v", second)
	}
	uploads, _ := issue["uploads"].([]any)
	if len(uploads) != 1 {
		t.Fatalf("uploads missing: %+v", issue)
	}
	upload, _ := uploads[0].(map[string]any)
	if upload["token"] != "token_9" || upload["filename"] != "log.txt" {
		t.Fatalf("upload ref mismatch: %+v", upload)
	}
}

func TestUpdateTicketPayload(t *testing.T) {
	var capturedMethod, capturedPath string
	var capturedBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedMethod = r.Method
		capturedPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := testClient(t, server)
	err := client.UpdateTicket(context.Background(), 42, bridge.TicketUpdate{Notes: "Note author (Dana Cruz):\nhello"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if capturedMethod != http.MethodPut || capturedPath != "/issues/42.json" {
		t.Fatalf("unexpected request %s %s", capturedMethod, capturedPath)
	}
	issue, _ := capturedBody["issue"].(map[string]any)
	if issue["notes"] != "Note author (Dana Cruz):\nhello" {
		t.Fatalf("notes mismatch: %+v", issue)
	}
}

func TestUploadAttachment(t *testing.T) {
	var capturedContentType, capturedFilename string
	var capturedContent []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uploads.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		capturedContentType = r.Header.Get("Content-Type")
		capturedFilename = r.URL.Query().Get("filename")
		capturedContent, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"upload":{"token":"token_77"}}`))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "log.txt")
	if err := os.WriteFile(path, []byte("crash line"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	client := testClient(t, server)
	token, err := client.UploadAttachment(context.Background(), path)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if token != "token_77" {
		t.Fatalf("wrong token: %q", token)
	}
	if capturedContentType != "application/octet-stream" {
		t.Fatalf("wrong content type: %q", capturedContentType)
	}
	if capturedFilename != "log.txt" {
		t.Fatalf("wrong filename: %q", capturedFilename)
	}
	if string(capturedContent) != "crash line" {
		t.Fatalf("wrong body: %q", capturedContent)
	}
}

func TestVerifyHitsCurrentUser(t *testing.T) {
	var capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.Path
		_, _ = w.Write([]byte(`{"user":{"id":1}}`))
	}))
	defer server.Close()

	client := testClient(t, server)
	if err := client.Verify(context.Background()); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if capturedPath != "/users/current.json" {
		t.Fatalf("unexpected path %s", capturedPath)
	}
}

func TestClientRetriesServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":1}}`))
	}))
	defer server.Close()

	client := testClient(t, server)
	if err := client.Verify(context.Background()); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected one retry, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestClientSurfacesValidationErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"errors":["Subject cannot be blank"]}`))
	}))
	defer server.Close()

	client := testClient(t, server)
	_, err := client.CreateTicket(context.Background(), bridge.TicketDraft{Project: "helpdesk"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "Subject cannot be blank") {
		t.Fatalf("error lost the server message: %v", err)
	}
	if bridge.IsTransient(err) {
		t.Fatalf("422 must not be transient: %v", err)
	}
}

func TestCustomFieldString(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`"dana@example.com"`, "dana@example.com"},
		{`42`, "42"},
		{`null`, ""},
		{``, ""},
	}
	for _, tc := range cases {
		if got := customFieldString(json.RawMessage(tc.raw)); got != tc.want {
			t.Fatalf("customFieldString(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
