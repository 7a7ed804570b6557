// Package graphmail implements the mail source and notification sender
// collaborators against the Microsoft Graph mail API.
package graphmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/WUUUYT/redmine-email-system/internal/bridge"
)

const graphTimeLayout = "2006-01-02T15:04:05Z"

// Bodies are requested as plain text; the sanitizer downstream consumes
// text, never HTML.
const graphBodyPreference = `outlook.body-content-type="text"`

// TokenProvider supplies a bearer token per request, so token refresh
// stays outside this package.
type TokenProvider func(ctx context.Context) (string, error)

// StaticTokenProvider wraps a fixed token.
func StaticTokenProvider(token string) TokenProvider {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) {
		if token == "" {
			return "", fmt.Errorf("graph token is empty")
		}
		return token, nil
	}
}

// HTTPError carries a failed Graph response. Throttling and server
// errors are transient; the engines hold the watermark on them when they
// hit the frontier item.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

type ClientOptions struct {
	BaseURL    string
	Mailbox    string // mail folder to poll, defaults to inbox
	Token      TokenProvider
	HTTPClient *http.Client
	PageSize   int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	UserAgent  string
}

// Client talks to the Graph mail API: list messages after a cursor,
// download file attachments, send notification mail.
type Client struct {
	baseURL    string
	mailbox    string
	token      TokenProvider
	httpClient *http.Client
	pageSize   int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	userAgent  string
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com"
	}
	mailbox := strings.TrimSpace(opts.Mailbox)
	if mailbox == "" {
		mailbox = "inbox"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 10
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
	return &Client{
		baseURL:    baseURL,
		mailbox:    mailbox,
		token:      opts.Token,
		httpClient: httpClient,
		pageSize:   pageSize,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		userAgent:  strings.TrimSpace(opts.UserAgent),
	}
}

type graphAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphMessage struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	ReceivedDateTime string `json:"receivedDateTime"`
	HasAttachments   bool   `json:"hasAttachments"`
	From             struct {
		EmailAddress graphAddress `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type graphMessagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// ListMessagesSince returns every message received strictly after since,
// oldest first, following @odata.nextLink pagination.
func (c *Client) ListMessagesSince(ctx context.Context, since time.Time) ([]bridge.InboundMessage, error) {
	query := url.Values{}
	query.Set("$orderby", "receivedDateTime asc")
	query.Set("$filter", fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(graphTimeLayout)))
	query.Set("$top", fmt.Sprintf("%d", c.pageSize))
	next := fmt.Sprintf("%s/v1.0/me/mailFolders/%s/messages?%s", c.baseURL, url.PathEscape(c.mailbox), query.Encode())

	var messages []bridge.InboundMessage
	for next != "" {
		var page graphMessagePage
		if err := c.doJSON(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Value {
			receivedAt, err := time.Parse(graphTimeLayout, raw.ReceivedDateTime)
			if err != nil {
				return nil, fmt.Errorf("message %s: bad receivedDateTime %q: %w", raw.ID, raw.ReceivedDateTime, err)
			}
			messages = append(messages, bridge.InboundMessage{
				ID:             raw.ID,
				Subject:        raw.Subject,
				SenderName:     raw.From.EmailAddress.Name,
				SenderAddress:  raw.From.EmailAddress.Address,
				ReceivedAt:     receivedAt,
				Body:           raw.Body.Content,
				HasAttachments: raw.HasAttachments,
			})
		}
		next = page.NextLink
	}
	return messages, nil
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentBytes string `json:"contentBytes"`
}

type graphAttachmentPage struct {
	Value []graphAttachment `json:"value"`
}

// FetchAttachments downloads the message's file attachments into a
// per-message directory under dir and returns the written paths in
// attachment order. Item attachments (nested messages, events) are
// skipped.
func (c *Client) FetchAttachments(ctx context.Context, messageID, dir string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/v1.0/me/messages/%s/attachments", c.baseURL, url.PathEscape(messageID))
	var page graphAttachmentPage
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, err
	}

	messageDir := filepath.Join(dir, sanitizeDirName(messageID))
	paths := make([]string, 0, len(page.Value))
	taken := make(map[string]bool, len(page.Value))
	for i, att := range page.Value {
		if att.ODataType != "#microsoft.graph.fileAttachment" {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(att.ContentBytes)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", att.Name, err)
		}
		if err := os.MkdirAll(messageDir, 0o755); err != nil {
			return nil, err
		}
		// A message can carry several attachments with the same base
		// name; later ones must not overwrite earlier spool files.
		name := filepath.Base(att.Name)
		if taken[name] {
			name = fmt.Sprintf("%d-%s", i, name)
		}
		taken[name] = true
		path := filepath.Join(messageDir, name)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

type sendMailRequest struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ToRecipients []struct {
			EmailAddress graphAddress `json:"emailAddress"`
		} `json:"toRecipients"`
	} `json:"message"`
}

// Send dispatches one HTML mail via sendMail. It implements
// bridge.NotificationSender.
func (c *Client) Send(ctx context.Context, recipient, subject, htmlBody string) error {
	var req sendMailRequest
	req.Message.Subject = subject
	req.Message.Body.ContentType = "HTML"
	req.Message.Body.Content = htmlBody
	req.Message.ToRecipients = make([]struct {
		EmailAddress graphAddress `json:"emailAddress"`
	}, 1)
	req.Message.ToRecipients[0].EmailAddress.Address = recipient
	return c.doJSON(ctx, http.MethodPost, c.baseURL+"/v1.0/me/sendMail", req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	if c.token == nil {
		return fmt.Errorf("graph token provider is required")
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if method == http.MethodGet {
			req.Header.Set("Prefer", graphBodyPreference)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
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
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Error.Message
		if message == "" {
			message = strings.TrimSpace(string(payload))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Error.Code, Message: message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
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

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
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

func sanitizeDirName(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return replacer.Replace(name)
}
