// Package redmine implements the ticket backend collaborator against the
// Redmine REST API.
package redmine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/WUUUYT/redmine-email-system/internal/bridge"
)

const redmineTimeLayout = "2006-01-02T15:04:05Z"

// HTTPError carries a failed Redmine response; throttling and server
// errors are transient.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("redmine http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ListLimit  int
}

// Client implements bridge.TicketBackend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	listLimit  int
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("redmine base url is required")
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("redmine api key is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	listLimit := opts.ListLimit
	if listLimit <= 0 {
		listLimit = 100
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		listLimit:  listLimit,
	}, nil
}

// BaseURL returns the tracker root, used to build issue links in
// notification bodies.
func (c *Client) BaseURL() string { return c.baseURL }

type namedRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type customField struct {
	ID    int             `json:"id"`
	Value json.RawMessage `json:"value"`
}

type journalDetail struct {
	Property string `json:"property"`
	Name     string `json:"name"`
}

type journalEntry struct {
	User      namedRef        `json:"user"`
	Notes     string          `json:"notes"`
	CreatedOn string          `json:"created_on"`
	Details   []journalDetail `json:"details"`
}

type issuePayload struct {
	ID           int            `json:"id"`
	Subject      string         `json:"subject"`
	Status       namedRef       `json:"status"`
	Priority     namedRef       `json:"priority"`
	Tracker      namedRef       `json:"tracker"`
	AssignedTo   *namedRef      `json:"assigned_to"`
	CustomFields []customField  `json:"custom_fields"`
	CreatedOn    string         `json:"created_on"`
	UpdatedOn    string         `json:"updated_on"`
	Journals     []journalEntry `json:"journals"`
}

func (p *issuePayload) toTicketRef() (*bridge.TicketRef, error) {
	createdAt, err := parseRedmineTime(p.CreatedOn)
	if err != nil {
		return nil, fmt.Errorf("issue %d: bad created_on: %w", p.ID, err)
	}
	updatedAt, err := parseRedmineTime(p.UpdatedOn)
	if err != nil {
		return nil, fmt.Errorf("issue %d: bad updated_on: %w", p.ID, err)
	}
	ticket := &bridge.TicketRef{
		ID:           p.ID,
		Subject:      p.Subject,
		Status:       p.Status.Name,
		Priority:     p.Priority.Name,
		Tracker:      p.Tracker.Name,
		CustomFields: map[int]string{},
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}
	if p.AssignedTo != nil {
		ticket.Assignee = p.AssignedTo.Name
	}
	for _, field := range p.CustomFields {
		ticket.CustomFields[field.ID] = customFieldString(field.Value)
	}
	for _, entry := range p.Journals {
		entryAt, err := parseRedmineTime(entry.CreatedOn)
		if err != nil {
			return nil, fmt.Errorf("issue %d: bad journal created_on: %w", p.ID, err)
		}
		record := bridge.ChangeRecord{
			TicketID:  p.ID,
			CreatedAt: entryAt,
			Notes:     entry.Notes,
			Author:    entry.User.Name,
		}
		for _, detail := range entry.Details {
			record.ChangedFields = append(record.ChangedFields, detail.Name)
		}
		ticket.Journal = append(ticket.Journal, record)
	}
	return ticket, nil
}

// customFieldString tolerates the API returning numbers or nulls where a
// string is expected; anything non-scalar renders through fmt as-is
// rather than being silently dropped.
func customFieldString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func parseRedmineTime(value string) (time.Time, error) {
	if at, err := time.Parse(redmineTimeLayout, value); err == nil {
		return at, nil
	}
	return time.Parse(time.RFC3339, value)
}

// Verify checks credentials before a pass mutates anything.
func (c *Client) Verify(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, c.baseURL+"/users/current.json", "", nil, nil)
}

// GetTicket fetches one issue with its journal included.
func (c *Client) GetTicket(ctx context.Context, id int) (*bridge.TicketRef, error) {
	var out struct {
		Issue issuePayload `json:"issue"`
	}
	endpoint := fmt.Sprintf("%s/issues/%d.json?include=journals", c.baseURL, id)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Issue.toTicketRef()
}

// FindTicketsBySubject lists open and closed project issues whose subject
// matches server-side. Exact-match selection is the resolver's job; the
// server filter may be fuzzy.
func (c *Client) FindTicketsBySubject(ctx context.Context, project, subject string) ([]bridge.TicketRef, error) {
	query := url.Values{}
	query.Set("project_id", project)
	query.Set("subject", subject)
	query.Set("status_id", "*")
	query.Set("limit", fmt.Sprintf("%d", c.listLimit))
	return c.listIssues(ctx, query)
}

// ListChangedSince lists project issues updated at or after since. The
// returned refs carry no journal; callers re-fetch candidates through
// GetTicket.
func (c *Client) ListChangedSince(ctx context.Context, project string, since time.Time) ([]bridge.TicketRef, error) {
	query := url.Values{}
	query.Set("project_id", project)
	query.Set("updated_on", ">="+since.UTC().Format(redmineTimeLayout))
	query.Set("status_id", "*")
	query.Set("sort", "updated_on")
	query.Set("limit", fmt.Sprintf("%d", c.listLimit))
	return c.listIssues(ctx, query)
}

func (c *Client) listIssues(ctx context.Context, query url.Values) ([]bridge.TicketRef, error) {
	offset := 0
	var tickets []bridge.TicketRef
	for {
		query.Set("offset", fmt.Sprintf("%d", offset))
		var out struct {
			Issues     []issuePayload `json:"issues"`
			TotalCount int            `json:"total_count"`
		}
		endpoint := c.baseURL + "/issues.json?" + query.Encode()
		if err := c.doJSON(ctx, http.MethodGet, endpoint, "", nil, &out); err != nil {
			return nil, err
		}
		for i := range out.Issues {
			ticket, err := out.Issues[i].toTicketRef()
			if err != nil {
				return nil, err
			}
			tickets = append(tickets, *ticket)
		}
		offset += len(out.Issues)
		if len(out.Issues) == 0 || offset >= out.TotalCount {
			return tickets, nil
		}
	}
}

type uploadRef struct {
	Token    string `json:"token"`
	Filename string `json:"filename,omitempty"`
}

// CreateTicket creates an issue with the project defaults and the two
// bookkeeping custom fields (business unit, requester address).
func (c *Client) CreateTicket(ctx context.Context, draft bridge.TicketDraft) (*bridge.TicketRef, error) {
	type createCustomField struct {
		ID    int    `json:"id"`
		Value string `json:"value"`
	}
	body := map[string]any{
		"issue": map[string]any{
			"project_id":     draft.Project,
			"subject":        draft.Subject,
			"description":    draft.Description,
			"status_id":      draft.StatusID,
			"assigned_to_id": draft.AssignedToID,
			"tracker_id":     draft.TrackerID,
			"priority_id":    draft.PriorityID,
			"start_date":     draft.StartDate.UTC().Format("2006-01-02"),
			"custom_fields": []createCustomField{
				{ID: bridge.BusinessUnitCustomField, Value: draft.BusinessUnit},
				{ID: bridge.RequesterCustomField, Value: draft.RequesterAddress},
			},
			"uploads": uploadRefs(draft.Uploads),
		},
	}
	var out struct {
		Issue issuePayload `json:"issue"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/issues.json", "", body, &out); err != nil {
		return nil, err
	}
	return out.Issue.toTicketRef()
}

// UpdateTicket appends a note and attaches uploads.
func (c *Client) UpdateTicket(ctx context.Context, id int, update bridge.TicketUpdate) error {
	body := map[string]any{
		"issue": map[string]any{
			"notes":   update.Notes,
			"uploads": uploadRefs(update.Uploads),
		},
	}
	endpoint := fmt.Sprintf("%s/issues/%d.json", c.baseURL, id)
	return c.doJSON(ctx, http.MethodPut, endpoint, "", body, nil)
}

func uploadRefs(uploads []bridge.Upload) []uploadRef {
	refs := make([]uploadRef, 0, len(uploads))
	for _, upload := range uploads {
		refs = append(refs, uploadRef{Token: upload.Token, Filename: filepathBase(upload.Path)})
	}
	return refs
}

// UploadAttachment streams a spooled file to the uploads endpoint and
// returns the opaque token to reference it from a create or update.
func (c *Client) UploadAttachment(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	endpoint := c.baseURL + "/uploads.json?filename=" + url.QueryEscape(filepathBase(path))
	var out struct {
		Upload struct {
			Token string `json:"token"`
		} `json:"upload"`
	}
	if err := c.doOctetStream(ctx, endpoint, data, &out); err != nil {
		return "", err
	}
	if out.Upload.Token == "" {
		return "", fmt.Errorf("upload of %s returned no token", path)
	}
	return out.Upload.Token, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint, contentType string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		if contentType == "" {
			contentType = "application/json"
		}
	}
	return c.do(ctx, method, endpoint, contentType, bodyBytes, out)
}

func (c *Client) doOctetStream(ctx context.Context, endpoint string, data []byte, out any) error {
	return c.do(ctx, http.MethodPost, endpoint, "application/octet-stream", data, out)
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, bodyBytes []byte, out any) error {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Redmine-API-Key", c.apiKey)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(payload))
		var errPayload struct {
			Errors []string `json:"errors"`
		}
		if json.Unmarshal(payload, &errPayload) == nil && len(errPayload.Errors) > 0 {
			message = strings.Join(errPayload.Errors, "; ")
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func filepathBase(path string) string {
	if idx := strings.LastIndexAny(path, `/\`); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
