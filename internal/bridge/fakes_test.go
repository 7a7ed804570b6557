package bridge

import (
	"context"
	"fmt"
	"time"
)

type fakeBackend struct {
	tickets        map[int]*TicketRef
	subjectMatches map[string][]TicketRef
	changed        []TicketRef

	verifyErr error
	getErr    error
	findErr   error
	createErr error
	updateErr error
	uploadErr error
	listErr   error

	created []TicketDraft
	updates map[int][]TicketUpdate
	uploads []string
	nextID  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tickets:        map[int]*TicketRef{},
		subjectMatches: map[string][]TicketRef{},
		updates:        map[int][]TicketUpdate{},
		nextID:         100,
	}
}

func (f *fakeBackend) Verify(ctx context.Context) error {
	return f.verifyErr
}

func (f *fakeBackend) GetTicket(ctx context.Context, id int) (*TicketRef, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	ticket, ok := f.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %d not found", id)
	}
	copied := *ticket
	return &copied, nil
}

func (f *fakeBackend) FindTicketsBySubject(ctx context.Context, project, subject string) ([]TicketRef, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.subjectMatches[subject], nil
}

func (f *fakeBackend) CreateTicket(ctx context.Context, draft TicketDraft) (*TicketRef, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, draft)
	f.nextID++
	ticket := &TicketRef{ID: f.nextID, Subject: draft.Subject, CreatedAt: draft.StartDate}
	f.tickets[ticket.ID] = ticket
	return ticket, nil
}

func (f *fakeBackend) UpdateTicket(ctx context.Context, id int, update TicketUpdate) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates[id] = append(f.updates[id], update)
	return nil
}

func (f *fakeBackend) UploadAttachment(ctx context.Context, path string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, path)
	return "token-" + path, nil
}

func (f *fakeBackend) ListChangedSince(ctx context.Context, project string, since time.Time) ([]TicketRef, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.changed, nil
}

type fakeMail struct {
	messages    []InboundMessage
	listErr     error
	attachments map[string][]string
	fetchErr    map[string]error

	fetched     []string
	listedSince []time.Time
}

func (f *fakeMail) ListMessagesSince(ctx context.Context, since time.Time) ([]InboundMessage, error) {
	f.listedSince = append(f.listedSince, since)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []InboundMessage
	for _, msg := range f.messages {
		if msg.ReceivedAt.After(since) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeMail) FetchAttachments(ctx context.Context, messageID, dir string) ([]string, error) {
	f.fetched = append(f.fetched, messageID)
	if err := f.fetchErr[messageID]; err != nil {
		return nil, err
	}
	return f.attachments[messageID], nil
}

type sentMail struct {
	Recipient string
	Subject   string
	Body      string
}

type fakeSender struct {
	sent    []sentMail
	sendErr error
}

func (f *fakeSender) Send(ctx context.Context, recipient, subject, htmlBody string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMail{Recipient: recipient, Subject: subject, Body: htmlBody})
	return nil
}
