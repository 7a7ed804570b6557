// Package bridge is the reconciliation core that keeps a ticketing
// backend and an inbound mailbox synchronized in both directions. It owns
// the watermark bookkeeping, message normalization, ticket resolution,
// change detection, and the two sync engines; the external mail and
// tracker APIs are collaborators behind interfaces.
package bridge

import (
	"context"
	"time"
)

// NormalizedMessage is the immutable per-message view the engines operate
// on. It is derived exactly once per inbound mail; CleanSubject is the
// matching key for both reply detection and exact-subject resolution.
type NormalizedMessage struct {
	RawSubject      string
	CleanSubject    string
	ReferencedIssue int // 0 means no reference embedded in the subject
	SenderName      string
	SenderAddress   string
	ReceivedAt      time.Time
	Body            string
	AttachmentPaths []string
}

// TicketRef is a single-pass-lifetime handle to a ticket owned by the
// external tracker. It is never cached across sync passes.
type TicketRef struct {
	ID           int
	Subject      string
	Status       string
	Priority     string
	Tracker      string
	Assignee     string
	CustomFields map[int]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Journal      []ChangeRecord
}

// ChangeRecord is one tracker journal entry describing a single edit.
type ChangeRecord struct {
	TicketID      int
	CreatedAt     time.Time
	ChangedFields []string
	Notes         string
	Author        string
}

// InboundMessage is the raw mail record returned by a MailSource before
// normalization.
type InboundMessage struct {
	ID             string
	Subject        string
	SenderName     string
	SenderAddress  string
	ReceivedAt     time.Time
	Body           string
	HasAttachments bool
}

// Upload pairs a spooled attachment path with the opaque token returned
// by the tracker's upload endpoint.
type Upload struct {
	Path  string
	Token string
}

// TicketDraft carries everything needed to create a new ticket from an
// unresolved inbound message.
type TicketDraft struct {
	Project          string
	Subject          string
	Description      string
	StatusID         int
	AssignedToID     int
	TrackerID        int
	PriorityID       int
	BusinessUnit     string
	RequesterAddress string
	StartDate        time.Time
	Uploads          []Upload
}

// TicketUpdate appends a note (and optional uploads) to an existing ticket.
type TicketUpdate struct {
	Notes   string
	Uploads []Upload
}

// MailSource lists inbound messages and materializes their attachments.
// ListMessagesSince must return messages with a received time strictly
// greater than since, oldest first.
type MailSource interface {
	ListMessagesSince(ctx context.Context, since time.Time) ([]InboundMessage, error)
	FetchAttachments(ctx context.Context, messageID, dir string) ([]string, error)
}

// TicketBackend is the tracker collaborator. GetTicket returns the ticket
// with its journal included; ListChangedSince returns lightweight refs
// (no journal) for every ticket updated after since.
type TicketBackend interface {
	Verify(ctx context.Context) error
	GetTicket(ctx context.Context, id int) (*TicketRef, error)
	FindTicketsBySubject(ctx context.Context, project, subject string) ([]TicketRef, error)
	CreateTicket(ctx context.Context, draft TicketDraft) (*TicketRef, error)
	UpdateTicket(ctx context.Context, id int, update TicketUpdate) error
	UploadAttachment(ctx context.Context, path string) (string, error)
	ListChangedSince(ctx context.Context, project string, since time.Time) ([]TicketRef, error)
}

// NotificationSender dispatches one HTML mail. Delivery is best effort;
// the engines never retry a failed send within a pass.
type NotificationSender interface {
	Send(ctx context.Context, recipient, subject, htmlBody string) error
}

// Logger matches the subset of *log.Logger the engines use. A nil logger
// disables output.
type Logger interface {
	Printf(format string, args ...any)
}

// RequesterCustomField is the tracker custom field slot holding the
// requester's mail address; BusinessUnitCustomField holds the business
// unit assigned at creation.
const (
	BusinessUnitCustomField = 1
	RequesterCustomField    = 5
)
