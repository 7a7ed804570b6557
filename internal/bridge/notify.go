package bridge

import (
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

// NotificationRenderer produces the two outbound mail bodies: the
// creation acknowledgement and the update notification. Both open with
// the reply divider so replies fold back into ticket notes.
type NotificationRenderer struct {
	ack        *template.Template
	update     *template.Template
	trackerURL string
}

func NewNotificationRenderer(trackerURL string) (*NotificationRenderer, error) {
	ack, err := template.ParseFS(templateFS, "templates/acknowledgement.html.tmpl")
	if err != nil {
		return nil, err
	}
	update, err := template.ParseFS(templateFS, "templates/update.html.tmpl")
	if err != nil {
		return nil, err
	}
	return &NotificationRenderer{
		ack:        ack,
		update:     update,
		trackerURL: strings.TrimRight(strings.TrimSpace(trackerURL), "/"),
	}, nil
}

type ackData struct {
	Divider    string
	SenderName string
	IssueID    int
	CreatedOn  string
	Subject    string
}

type updateData struct {
	Divider   string
	Recipient string
	IssueID   int
	CreatedOn string
	Subject   string
	IssueURL  string
	UpdatedOn string
	Status    string
	Priority  string
	Tracker   string
	Assignee  string
	Note      template.HTML
}

// Acknowledgement renders the mail confirming a ticket was created from
// the sender's message. The subject carries the ticket reference so a
// reply resolves directly by id.
func (r *NotificationRenderer) Acknowledgement(ticket *TicketRef, msg NormalizedMessage) (subject, html string, err error) {
	var out strings.Builder
	data := ackData{
		Divider:    ReplyDivider,
		SenderName: msg.SenderName,
		IssueID:    ticket.ID,
		CreatedOn:  formatMailTime(ticket.CreatedAt),
		Subject:    ticket.Subject,
	}
	if err := r.ack.Execute(&out, data); err != nil {
		return "", "", err
	}
	return fmt.Sprintf("[Issue #%d] %s", ticket.ID, msg.CleanSubject), out.String(), nil
}

// Update renders the mail describing a notifiable change, including a
// snapshot of the ticket's attributes and the latest note with line
// breaks converted to <br>.
func (r *NotificationRenderer) Update(ticket *TicketRef, recipient, note string) (subject, html string, err error) {
	assignee := ticket.Assignee
	if assignee == "" {
		assignee = "None"
	}
	if note == "" {
		note = "No note found."
	}
	var out strings.Builder
	data := updateData{
		Divider:   ReplyDivider,
		Recipient: recipient,
		IssueID:   ticket.ID,
		CreatedOn: formatMailTime(ticket.CreatedAt),
		Subject:   ticket.Subject,
		IssueURL:  fmt.Sprintf("%s/issues/%d", r.trackerURL, ticket.ID),
		UpdatedOn: formatMailTime(ticket.UpdatedAt),
		Status:    ticket.Status,
		Priority:  ticket.Priority,
		Tracker:   ticket.Tracker,
		Assignee:  assignee,
		Note:      noteHTML(note),
	}
	if err := r.update.Execute(&out, data); err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Re: [Issue #%d] %s", ticket.ID, ticket.Subject), out.String(), nil
}

// noteHTML escapes the note text, then turns line breaks into <br> so the
// mail body keeps the note's layout.
func noteHTML(note string) template.HTML {
	escaped := template.HTMLEscapeString(note)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return template.HTML(strings.ReplaceAll(escaped, "\n", "<br>"))
}

func formatMailTime(at time.Time) string {
	return at.UTC().Format("2006-01-02 15:04:05")
}

// NoteHeader builds the author tag prepended to notes this system writes.
// The change detector recognizes the prefix and never notifies on it.
func NoteHeader(senderName string) string {
	return SyntheticNotePrefix + senderName + "):"
}

// LatestNoteText returns the newest non-empty note in the ticket's
// journal, or the empty string.
func LatestNoteText(ticket *TicketRef) string {
	note := ""
	var noteAt time.Time
	for i := range ticket.Journal {
		entry := &ticket.Journal[i]
		if entry.Notes == "" {
			continue
		}
		if note == "" || entry.CreatedAt.After(noteAt) {
			note = entry.Notes
			noteAt = entry.CreatedAt
		}
	}
	return note
}
