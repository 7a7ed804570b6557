package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OutboundEngineOptions wires one project's outbound pass.
type OutboundEngineOptions struct {
	Project        string
	Tickets        TicketBackend
	Notifier       NotificationSender
	Renderer       *NotificationRenderer
	Watermarks     WatermarkStore
	Rules          NotificationRules
	RecipientField int // custom field slot holding the requester address
	Lookback       time.Duration
	Logger         Logger
	Now            func() time.Time
}

// OutboundEngine notifies requesters about notifiable ticket changes. At
// most one notification per ticket per pass; the watermark advances to
// the maximum updated time among all fetched tickets even when nothing
// was sent.
type OutboundEngine struct {
	project        string
	tickets        TicketBackend
	notifier       NotificationSender
	renderer       *NotificationRenderer
	watermarks     WatermarkStore
	detector       ChangeDetector
	recipientField int
	lookback       time.Duration
	logger         Logger
	now            func() time.Time
}

func NewOutboundEngine(opts OutboundEngineOptions) (*OutboundEngine, error) {
	if strings.TrimSpace(opts.Project) == "" {
		return nil, fmt.Errorf("project is required")
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
	if opts.Lookback <= 0 {
		return nil, fmt.Errorf("lookback window is required")
	}
	recipientField := opts.RecipientField
	if recipientField == 0 {
		recipientField = RequesterCustomField
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &OutboundEngine{
		project:        opts.Project,
		tickets:        opts.Tickets,
		notifier:       opts.Notifier,
		renderer:       opts.Renderer,
		watermarks:     opts.Watermarks,
		detector:       NewChangeDetector(opts.Rules),
		recipientField: recipientField,
		lookback:       opts.Lookback,
		logger:         opts.Logger,
		now:            now,
	}, nil
}

// RunPass fetches tickets changed since the watermark, excludes tickets
// created inside the lookback window (they were just created by the
// inbound engine and must not re-notify their own creator), and sends at
// most one notification per remaining ticket.
func (e *OutboundEngine) RunPass(ctx context.Context) error {
	stream := OutboundStream(e.project)
	since, found, err := e.watermarks.Load(stream)
	if err != nil {
		return fmt.Errorf("load watermark %s: %w", stream, err)
	}
	cutoff := e.now().Add(-e.lookback)
	if !found {
		since = cutoff
		e.logf("outbound %s: no watermark, starting from %s", e.project, since.UTC().Format(time.RFC3339))
	}

	tickets, err := e.tickets.ListChangedSince(ctx, e.project, since)
	if err != nil {
		return fmt.Errorf("list changed tickets: %w", err)
	}
	if len(tickets) == 0 {
		e.logf("outbound %s: no updated tickets", e.project)
		return nil
	}

	var advance time.Time
	for i := range tickets {
		ticket := &tickets[i]
		if ticket.UpdatedAt.After(advance) {
			advance = ticket.UpdatedAt
		}
		if !ticket.UpdatedAt.After(since) {
			// The backend's filter is >=; only strictly newer changes count.
			continue
		}
		if !ticket.CreatedAt.Before(cutoff) {
			continue
		}
		e.evaluateTicket(ctx, ticket.ID)
	}

	if advance.IsZero() {
		return nil
	}
	if err := e.watermarks.Save(stream, advance); err != nil {
		return fmt.Errorf("save watermark %s: %w", stream, err)
	}
	return nil
}

// evaluateTicket re-fetches the ticket with its journal, runs the change
// detector, and dispatches the notification. Failures are logged and
// never block the pass.
func (e *OutboundEngine) evaluateTicket(ctx context.Context, id int) {
	ticket, err := e.tickets.GetTicket(ctx, id)
	if err != nil {
		e.logf("outbound %s: fetch ticket %d failed: %v", e.project, id, err)
		return
	}
	record, ok := e.detector.Notifiable(ticket)
	if !ok {
		return
	}

	recipient := strings.TrimSpace(ticket.CustomFields[e.recipientField])
	if !strings.Contains(recipient, "@") {
		e.logf("outbound %s: ticket %d has no requester address", e.project, id)
		return
	}

	note := record.Notes
	if note == "" {
		note = LatestNoteText(ticket)
	}
	subject, html, err := e.renderer.Update(ticket, recipient, note)
	if err != nil {
		e.logf("outbound %s: render for ticket %d failed: %v", e.project, id, err)
		return
	}
	if err := e.notifier.Send(ctx, recipient, subject, html); err != nil {
		e.logf("outbound %s: %v", e.project, &NotificationError{Recipient: recipient, Err: err})
		return
	}
	e.logf("outbound %s: ticket %d change notified to %s", e.project, id, recipient)
}

func (e *OutboundEngine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
