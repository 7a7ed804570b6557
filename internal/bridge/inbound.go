package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CreateDefaults supplies the field values for tickets created from
// unresolved messages.
type CreateDefaults struct {
	StatusID     int    `json:"status_id" yaml:"status_id"`
	AssignedToID int    `json:"assigned_to_id" yaml:"assigned_to_id"`
	TrackerID    int    `json:"tracker_id" yaml:"tracker_id"`
	PriorityID   int    `json:"priority_id" yaml:"priority_id"`
	BusinessUnit string `json:"business_unit" yaml:"business_unit"`
}

// InboundEngineOptions wires one project's inbound pass.
type InboundEngineOptions struct {
	Project    string
	Mail       MailSource
	Tickets    TicketBackend
	Notifier   NotificationSender
	Renderer   *NotificationRenderer
	Watermarks WatermarkStore
	Filter     *IgnoreFilter
	Defaults   CreateDefaults
	SpoolDir   string
	Logger     Logger
	Now        func() time.Time
}

// InboundEngine turns polled mailbox messages into ticket creates or
// note-appending updates, one mutation per message at most.
type InboundEngine struct {
	project    string
	mail       MailSource
	tickets    TicketBackend
	notifier   NotificationSender
	renderer   *NotificationRenderer
	watermarks WatermarkStore
	filter     *IgnoreFilter
	resolver   *TicketResolver
	defaults   CreateDefaults
	spoolDir   string
	logger     Logger
	now        func() time.Time
}

func NewInboundEngine(opts InboundEngineOptions) (*InboundEngine, error) {
	if strings.TrimSpace(opts.Project) == "" {
		return nil, fmt.Errorf("project is required")
	}
	if opts.Mail == nil {
		return nil, fmt.Errorf("mail source is required")
	}
	if opts.Tickets == nil {
		return nil, fmt.Errorf("ticket backend is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("notification sender is required")
	}
	if opts.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if opts.Watermarks == nil {
		return nil, fmt.Errorf("watermark store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &InboundEngine{
		project:    opts.Project,
		mail:       opts.Mail,
		tickets:    opts.Tickets,
		notifier:   opts.Notifier,
		renderer:   opts.Renderer,
		watermarks: opts.Watermarks,
		filter:     opts.Filter,
		resolver:   NewTicketResolver(opts.Tickets, opts.Project, opts.Logger),
		defaults:   opts.Defaults,
		spoolDir:   opts.SpoolDir,
		logger:     opts.Logger,
		now:        now,
	}, nil
}

type messageOutcome int

const (
	outcomeApplied messageOutcome = iota
	outcomeFiltered
	outcomeSkipped   // mutation failed; watermark still advances past it
	outcomeTransient // fetch failed; hold the watermark if this is the frontier
)

// RunPass performs one fetch-filter-resolve-mutate-advance cycle. A
// single message's mutation failure is logged and skipped; only
// watermark-store or backend-login failures abort the pass.
func (e *InboundEngine) RunPass(ctx context.Context) error {
	stream := InboundStream(e.project)
	since, found, err := e.watermarks.Load(stream)
	if err != nil {
		return fmt.Errorf("load watermark %s: %w", stream, err)
	}
	if !found {
		// Never default to epoch zero: an empty cursor starts at now so
		// the first run does not replay unbounded history.
		since = e.now()
		e.logf("inbound %s: no watermark, starting from %s", e.project, since.UTC().Format(time.RFC3339))
	} else {
		// The mail query is strictly-greater at second granularity.
		since = since.Add(time.Second)
	}

	if err := e.tickets.Verify(ctx); err != nil {
		return fmt.Errorf("ticket backend login: %w", err)
	}

	messages, err := e.mail.ListMessagesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	if len(messages) == 0 {
		e.logf("inbound %s: no new messages", e.project)
		return nil
	}
	// Watermark advancement assumes monotonic processing.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})
	e.logf("inbound %s: %d message(s) to process", e.project, len(messages))

	var advance time.Time
	for i := range messages {
		outcome := e.processMessage(ctx, &messages[i])
		if outcome == outcomeTransient && i == len(messages)-1 {
			// Frontier item failed a fetch; leave it before the
			// watermark so the next pass retries it.
			break
		}
		advance = messages[i].ReceivedAt
	}
	if advance.IsZero() {
		return nil
	}
	if err := e.watermarks.Save(stream, advance); err != nil {
		return fmt.Errorf("save watermark %s: %w", stream, err)
	}
	return nil
}

func (e *InboundEngine) processMessage(ctx context.Context, raw *InboundMessage) messageOutcome {
	reference, clean := NormalizeSubject(raw.Subject)

	if e.filter.Ignored(clean) {
		e.logf("inbound %s: message %s filtered by ignore rules", e.project, raw.ID)
		return outcomeFiltered
	}

	msg := NormalizedMessage{
		RawSubject:      raw.Subject,
		CleanSubject:    clean,
		ReferencedIssue: reference,
		SenderName:      raw.SenderName,
		SenderAddress:   raw.SenderAddress,
		ReceivedAt:      raw.ReceivedAt,
		Body:            SanitizeBody(raw.Body),
	}
	if raw.HasAttachments {
		paths, err := e.mail.FetchAttachments(ctx, raw.ID, e.spoolDir)
		if err != nil {
			e.logf("inbound %s: attachments for message %s unavailable, skipping: %v", e.project, raw.ID, err)
			if IsTransient(err) {
				return outcomeTransient
			}
			return outcomeSkipped
		}
		msg.AttachmentPaths = paths
	}

	ticket, err := e.resolver.Resolve(ctx, msg)
	if err != nil {
		e.logf("inbound %s: resolve for message %s failed: %v", e.project, raw.ID, err)
		if IsTransient(err) {
			return outcomeTransient
		}
		return outcomeSkipped
	}

	if ticket != nil {
		if err := e.appendNote(ctx, ticket, msg); err != nil {
			e.logf("inbound %s: %v", e.project, &MutationError{MessageID: raw.ID, Err: err})
			return outcomeSkipped
		}
		e.logf("inbound %s: ticket %d updated from message %s", e.project, ticket.ID, raw.ID)
		return outcomeApplied
	}

	created, err := e.createTicket(ctx, msg)
	if err != nil {
		e.logf("inbound %s: %v", e.project, &MutationError{MessageID: raw.ID, Err: err})
		return outcomeSkipped
	}
	e.logf("inbound %s: ticket %d created from message %s", e.project, created.ID, raw.ID)

	subject, html, err := e.renderer.Acknowledgement(created, msg)
	if err == nil {
		err = e.notifier.Send(ctx, msg.SenderAddress, subject, html)
	}
	if err != nil {
		// Best effort: the ticket exists, the mail just did not go out.
		e.logf("inbound %s: %v", e.project, &NotificationError{Recipient: msg.SenderAddress, Err: err})
	}
	return outcomeApplied
}

func (e *InboundEngine) appendNote(ctx context.Context, ticket *TicketRef, msg NormalizedMessage) error {
	uploads, err := e.uploadAttachments(ctx, msg.AttachmentPaths)
	if err != nil {
		return err
	}
	separator := strings.Repeat("-", 30)
	notes := fmt.Sprintf("%s\n%s\n%s", NoteHeader(msg.SenderName), separator, msg.Body)
	return e.tickets.UpdateTicket(ctx, ticket.ID, TicketUpdate{Notes: notes, Uploads: uploads})
}

func (e *InboundEngine) createTicket(ctx context.Context, msg NormalizedMessage) (*TicketRef, error) {
	uploads, err := e.uploadAttachments(ctx, msg.AttachmentPaths)
	if err != nil {
		return nil, err
	}
	draft := TicketDraft{
		Project:          e.project,
		Subject:          msg.CleanSubject,
		Description:      msg.Body,
		StatusID:         e.defaults.StatusID,
		AssignedToID:     e.defaults.AssignedToID,
		TrackerID:        e.defaults.TrackerID,
		PriorityID:       e.defaults.PriorityID,
		BusinessUnit:     e.defaults.BusinessUnit,
		RequesterAddress: msg.SenderAddress,
		StartDate:        e.now(),
		Uploads:          uploads,
	}
	return e.tickets.CreateTicket(ctx, draft)
}

func (e *InboundEngine) uploadAttachments(ctx context.Context, paths []string) ([]Upload, error) {
	uploads := make([]Upload, 0, len(paths))
	for _, path := range paths {
		token, err := e.tickets.UploadAttachment(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", path, err)
		}
		uploads = append(uploads, Upload{Path: path, Token: token})
	}
	return uploads, nil
}

func (e *InboundEngine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
