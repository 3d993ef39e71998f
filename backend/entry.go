package backend

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus describes how a local entry relates to the server copy.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// OperationKind is the kind of a queued server mutation.
// The zero value means "no outstanding operation".
type OperationKind string

const (
	OpNone   OperationKind = ""
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Valid reports whether k is one of create, update or delete.
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// EntryPayload holds the content fields of an entry, i.e. what is sent to
// the server on create and update.
type EntryPayload struct {
	CalendarID  string `json:"calendarId" validate:"required"`
	Title       string `json:"title" validate:"required,max=500"`
	StartDate   string `json:"startDate" validate:"required,caldate"`
	EndDate     string `json:"endDate,omitempty" validate:"omitempty,caldate"`
	StartTime   string `json:"startTime,omitempty" validate:"omitempty,caltime"`
	EndTime     string `json:"endTime,omitempty" validate:"omitempty,caltime"`
	AllDay      bool   `json:"allDay"`
	MultiDay    bool   `json:"multiDay"`
	IsTask      bool   `json:"isTask"`
	Timed       bool   `json:"timed"`
	Completed   bool   `json:"completed"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Entry is a calendar event or task as stored on this device.
type Entry struct {
	ID string `json:"id"`
	EntryPayload

	SyncStatus       SyncStatus    `json:"syncStatus,omitempty"`
	PendingOperation OperationKind `json:"pendingOperation,omitempty"`
	LocalUpdatedAt   time.Time     `json:"localUpdatedAt,omitzero"`
	LastSyncError    string        `json:"lastSyncError,omitempty"`
}

// Payload returns a copy of the entry's content fields.
func (e Entry) Payload() *EntryPayload {
	p := e.EntryPayload
	return &p
}

// WithPayload returns a copy of e with its content replaced by p.
// The id and sync metadata are kept.
func (e Entry) WithPayload(p EntryPayload) Entry {
	e.EntryPayload = p
	return e
}

// Visible reports whether the entry should be rendered. Entries awaiting a
// confirmed delete are hidden.
func (e Entry) Visible() bool {
	return e.PendingOperation != OpDelete
}

// SameContent reports whether two entries carry identical content.
func (e Entry) SameContent(o Entry) bool {
	return e.ID == o.ID && e.EntryPayload == o.EntryPayload
}

// CheckInvariant returns an error when the sync metadata is inconsistent.
func (e Entry) CheckInvariant() error {
	hasOp := e.PendingOperation != OpNone
	if hasOp != (e.SyncStatus == StatusPending) {
		return fmt.Errorf("entry %s: status %q with pending operation %q", e.ID, e.SyncStatus, e.PendingOperation)
	}
	if e.LastSyncError != "" && e.SyncStatus != StatusConflict {
		return fmt.Errorf("entry %s: sync error recorded on %q entry", e.ID, e.SyncStatus)
	}
	return nil
}

// Dates returns the parsed start and end dates. A missing end date equals
// the start date.
func (p EntryPayload) Dates() (start, end time.Time, err error) {
	start, err = time.ParseInLocation(DateLayout, p.StartDate, time.Local)
	if err != nil {
		return start, end, fmt.Errorf("invalid start date %q: %w", p.StartDate, err)
	}
	if p.EndDate == "" {
		return start, start, nil
	}
	end, err = time.ParseInLocation(DateLayout, p.EndDate, time.Local)
	if err != nil {
		return start, end, fmt.Errorf("invalid end date %q: %w", p.EndDate, err)
	}
	return start, end, nil
}

// Normalize fills derived flags from the date and time fields.
func (p *EntryPayload) Normalize() {
	p.Title = strings.TrimSpace(p.Title)
	if p.EndDate == "" {
		p.EndDate = p.StartDate
	}
	p.MultiDay = p.EndDate != p.StartDate
	p.Timed = p.StartTime != ""
	if p.Timed {
		p.AllDay = false
	} else if !p.IsTask {
		p.AllDay = true
	}
}

func (e Entry) String() string {
	var b strings.Builder

	marker := "○"
	if e.Completed {
		marker = "✓"
	}
	b.WriteString(fmt.Sprintf("%s %s", marker, e.StartDate))
	if e.StartTime != "" {
		b.WriteString(" " + e.StartTime)
		if e.EndTime != "" {
			b.WriteString("-" + e.EndTime)
		}
	}
	if e.MultiDay {
		b.WriteString(" → " + e.EndDate)
	}
	b.WriteString("  " + e.Title)

	switch e.SyncStatus {
	case StatusPending:
		b.WriteString(fmt.Sprintf(" [%s pending]", e.PendingOperation))
	case StatusConflict:
		b.WriteString(" [conflict: " + e.LastSyncError + "]")
	}
	return b.String()
}

// PendingOperation is a queued, not yet confirmed mutation against the server.
type PendingOperation struct {
	ID            string        `json:"id"`
	EntryID       string        `json:"entryId"`
	CalendarID    string        `json:"calendarId"`
	Operation     OperationKind `json:"operation"`
	Payload       *EntryPayload `json:"payload,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	RetryCount    int           `json:"retryCount"`
	LastError     string        `json:"lastError,omitempty"`
	NextAttemptAt time.Time     `json:"nextAttemptAt,omitzero"`
}

// Checkpoint records push-stream and full-fetch progress for one calendar.
type Checkpoint struct {
	CalendarID   string     `json:"calendarId"`
	LastEventID  string     `json:"lastEventId,omitempty"`
	LastFullSync *time.Time `json:"lastFullSync,omitempty"`
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// RangeAround returns the range [now-past, now+future] in whole days.
func RangeAround(now time.Time, pastDays, futureDays int) DateRange {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return DateRange{
		From: day.AddDate(0, 0, -pastDays),
		To:   day.AddDate(0, 0, futureDays),
	}
}
