package bridge

import "strings"

// NotificationRules selects which kinds of ticket changes trigger an
// outbound notification.
type NotificationRules struct {
	StatusChange   bool `json:"status_change" yaml:"status_change"`
	PriorityChange bool `json:"priority_change" yaml:"priority_change"`
	AssigneeChange bool `json:"assignee_change" yaml:"assignee_change"`
	TrackerChange  bool `json:"tracker_change" yaml:"tracker_change"`
	NotesChange    bool `json:"notes_change" yaml:"notes_change"`
}

// Journal field names as the tracker reports them.
const (
	fieldStatus   = "status_id"
	fieldPriority = "priority_id"
	fieldAssignee = "assigned_to_id"
	fieldTracker  = "tracker_id"
)

// SyntheticNotePrefix tags notes this system writes itself when folding an
// inbound mail into a ticket. The detector excludes journal entries whose
// only content is such a note, so the system never notifies on its own
// writes.
const SyntheticNotePrefix = "Note author ("

// ChangeDetector decides whether a ticket's most recent journal entry is
// worth a notification under the configured rules.
type ChangeDetector struct {
	rules NotificationRules
}

func NewChangeDetector(rules NotificationRules) ChangeDetector {
	return ChangeDetector{rules: rules}
}

// Notifiable inspects only the chronologically latest journal entry. It
// reports false when the journal is empty, when the latest entry's
// timestamp is not the one driving the ticket's updated_at (stale or
// out-of-order journal read), or when the entry is a synthetic note with
// no field changes.
func (d ChangeDetector) Notifiable(ticket *TicketRef) (*ChangeRecord, bool) {
	if ticket == nil || len(ticket.Journal) == 0 {
		return nil, false
	}
	latest := &ticket.Journal[0]
	for i := range ticket.Journal {
		if ticket.Journal[i].CreatedAt.After(latest.CreatedAt) {
			latest = &ticket.Journal[i]
		}
	}
	if !latest.CreatedAt.Equal(ticket.UpdatedAt) {
		return nil, false
	}
	if len(latest.ChangedFields) == 0 && strings.HasPrefix(latest.Notes, SyntheticNotePrefix) {
		return nil, false
	}

	notify := false
	for _, name := range latest.ChangedFields {
		switch name {
		case fieldStatus:
			notify = notify || d.rules.StatusChange
		case fieldPriority:
			notify = notify || d.rules.PriorityChange
		case fieldAssignee:
			notify = notify || d.rules.AssigneeChange
		case fieldTracker:
			notify = notify || d.rules.TrackerChange
		}
	}
	if d.rules.NotesChange && latest.Notes != "" {
		notify = true
	}
	if !notify {
		return nil, false
	}
	return latest, true
}
