package bridge

import (
	"context"
	"strings"
)

// TicketResolver maps a normalized message onto its target ticket.
// Resolution is a pure query: it never mutates ticket state.
type TicketResolver struct {
	backend TicketBackend
	project string
	logger  Logger
}

func NewTicketResolver(backend TicketBackend, project string, logger Logger) *TicketResolver {
	return &TicketResolver{backend: backend, project: project, logger: logger}
}

// Resolve runs the two-phase lookup: direct fetch by the embedded
// reference id, then exact normalized-subject match across open and
// closed tickets. A phase-1 fetch failure of any kind falls through to
// phase 2 instead of failing the message. A nil ticket with a nil error
// is the expected new-ticket signal.
func (r *TicketResolver) Resolve(ctx context.Context, msg NormalizedMessage) (*TicketRef, error) {
	if msg.ReferencedIssue > 0 {
		ticket, err := r.backend.GetTicket(ctx, msg.ReferencedIssue)
		if err == nil && ticket != nil {
			return ticket, nil
		}
		if err != nil {
			r.logf("reference #%d lookup failed, trying subject match: %v", msg.ReferencedIssue, err)
		}
	}

	candidates, err := r.backend.FindTicketsBySubject(ctx, r.project, msg.CleanSubject)
	if err != nil {
		return nil, err
	}
	// The backend's filter may match server-side on substrings; only an
	// exact trimmed subject counts.
	for i := range candidates {
		if strings.TrimSpace(candidates[i].Subject) == msg.CleanSubject {
			r.logf("subject %q matched ticket %d", msg.CleanSubject, candidates[i].ID)
			return &candidates[i], nil
		}
	}
	return nil, nil
}

func (r *TicketResolver) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
