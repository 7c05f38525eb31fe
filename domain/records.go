package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

// Kind names a record type held in the records table.
type Kind string

const (
	KindWorkingGroup Kind = "working-group"
	KindMeeting      Kind = "meeting"
	KindDecision     Kind = "decision"
	KindTask         Kind = "task"
	KindIssue        Kind = "issue"
	KindUser         Kind = "user"
)

// Kinds lists every record kind.
var Kinds = []Kind{KindWorkingGroup, KindMeeting, KindDecision, KindTask, KindIssue, KindUser}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// TaskStatus tracks the progress of an action item.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskInProgress TaskStatus = "In Progress"
	TaskDone       TaskStatus = "Done"
)

func (s TaskStatus) valid() bool {
	return s == TaskPending || s == TaskInProgress || s == TaskDone
}

// IssueStatus tracks the lifecycle of a prioritised issue.
type IssueStatus string

const (
	IssueOpen        IssueStatus = "Open"
	IssueUnderReview IssueStatus = "Under Review"
	IssueResolved    IssueStatus = "Resolved"
)

func (s IssueStatus) valid() bool {
	return s == IssueOpen || s == IssueUnderReview || s == IssueResolved
}

// DateLayout is the calendar date format used by meetings and due dates.
const DateLayout = "2006-01-02"

// FieldError reports an invalid or missing field of a record.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &FieldError{Field: field, Reason: "is required"}
	}
	return nil
}

func validDate(field, value string, optional bool) error {
	if value == "" {
		if optional {
			return nil
		}
		return &FieldError{Field: field, Reason: "is required"}
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		return &FieldError{Field: field, Reason: "must be a YYYY-MM-DD date"}
	}
	return nil
}

// A record is stored as JSON in a single table column of at most 32K UTF-16
// code units. Text limits are counted in encoded units and keep the largest
// record well below that.
const (
	MaxSummaryLen = 24000
	MaxTextLen    = 4000
	MaxTitleLen   = 500
	MaxIDLen      = 128
	MaxTags       = 32
	MaxTagLen     = 64
)

func maxLen(field, value string, limit int) error {
	if EncodedLen(value) > limit {
		return &FieldError{Field: field, Reason: fmt.Sprintf("must be at most %d characters", limit)}
	}
	return nil
}

// EncodedLen is the number of UTF-16 code units s occupies once escaped as a
// JSON string body.
func EncodedLen(s string) int {
	n := 0
	for _, r := range s {
		switch {
		case r == '"' || r == '\\' || r == '\n' || r == '\r' || r == '\t' || r == '\b' || r == '\f':
			n += 2
		case r < 0x20:
			n += 6
		default:
			n += utf16.RuneLen(r)
		}
	}
	return n
}

func validTags(tags []string) error {
	if len(tags) > MaxTags {
		return &FieldError{Field: "tags", Reason: fmt.Sprintf("must have at most %d entries", MaxTags)}
	}
	for _, tag := range tags {
		if err := maxLen("tags", tag, MaxTagLen); err != nil {
			return err
		}
	}
	return nil
}

func validFactor(field string, v int) error {
	if !ValidFactor(v) {
		return &FieldError{Field: field, Reason: fmt.Sprintf("must be between %d and %d", MinFactor, MaxFactor)}
	}
	return nil
}

// Record is implemented by every stored record type.
type Record interface {
	Kind() Kind
	RecordID() string
	Validate() error
}

// WorkingGroup is a team or committee that owns meetings and issues.
type WorkingGroup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

func (WorkingGroup) Kind() Kind { return KindWorkingGroup }
func (g WorkingGroup) RecordID() string { return g.ID }

func (g WorkingGroup) Validate() error {
	return errors.Join(
		required("name", g.Name),
		maxLen("name", g.Name, MaxTitleLen),
		maxLen("description", g.Description, MaxTextLen),
	)
}

// Meeting holds the minutes of one working group session.
type Meeting struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Date           string `json:"date"`
	WorkingGroupID string `json:"workingGroupId"`
	Summary        string `json:"summary,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

func (Meeting) Kind() Kind { return KindMeeting }
func (m Meeting) RecordID() string { return m.ID }

func (m Meeting) Validate() error {
	return errors.Join(
		required("title", m.Title),
		maxLen("title", m.Title, MaxTitleLen),
		validDate("date", m.Date, false),
		required("workingGroupId", m.WorkingGroupID),
		maxLen("workingGroupId", m.WorkingGroupID, MaxIDLen),
		maxLen("summary", m.Summary, MaxSummaryLen),
	)
}

// Decision is a settled choice recorded against a meeting.
type Decision struct {
	ID        string   `json:"id"`
	MeetingID string   `json:"meetingId"`
	Title     string   `json:"title"`
	Context   string   `json:"context,omitempty"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"createdAt"`
}

func (Decision) Kind() Kind { return KindDecision }
func (d Decision) RecordID() string { return d.ID }

func (d Decision) Validate() error {
	return errors.Join(
		required("title", d.Title),
		maxLen("title", d.Title, MaxTitleLen),
		required("meetingId", d.MeetingID),
		maxLen("meetingId", d.MeetingID, MaxIDLen),
		maxLen("context", d.Context, MaxTextLen),
		validTags(d.Tags),
	)
}

// Task is an action item that came out of a meeting.
type Task struct {
	ID          string     `json:"id"`
	MeetingID   string     `json:"meetingId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	DueDate     string     `json:"dueDate,omitempty"`
	CreatedAt   int64      `json:"createdAt"`
}

func (Task) Kind() Kind { return KindTask }
func (t Task) RecordID() string { return t.ID }

func (t Task) Validate() error {
	var statusErr error
	if !t.Status.valid() {
		statusErr = &FieldError{Field: "status", Reason: "must be Pending, In Progress or Done"}
	}
	return errors.Join(
		required("title", t.Title),
		maxLen("title", t.Title, MaxTitleLen),
		required("meetingId", t.MeetingID),
		maxLen("meetingId", t.MeetingID, MaxIDLen),
		maxLen("description", t.Description, MaxTextLen),
		maxLen("assigneeId", t.AssigneeID, MaxIDLen),
		statusErr,
		validDate("dueDate", t.DueDate, true),
	)
}

// Overdue reports whether the task is unfinished past its due date.
func (t Task) Overdue(now time.Time) bool {
	if t.DueDate == "" || t.Status == TaskDone {
		return false
	}
	due, err := time.ParseInLocation(DateLayout, t.DueDate, now.Location())
	if err != nil {
		return false
	}
	// A task is still on time during its due day.
	return !now.Before(due.AddDate(0, 0, 1))
}

// Issue is a prioritisation entry scored with GUT.
type Issue struct {
	ID             string      `json:"id"`
	WorkingGroupID string      `json:"workingGroupId,omitempty"`
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	Gravity        int         `json:"gravity"`
	Urgency        int         `json:"urgency"`
	Tendency       int         `json:"tendency"`
	Status         IssueStatus `json:"status"`
	CreatedAt      int64       `json:"createdAt"`
}

func (Issue) Kind() Kind { return KindIssue }
func (i Issue) RecordID() string { return i.ID }

func (i Issue) Validate() error {
	var statusErr error
	if !i.Status.valid() {
		statusErr = &FieldError{Field: "status", Reason: "must be Open, Under Review or Resolved"}
	}
	return errors.Join(
		required("title", i.Title),
		maxLen("title", i.Title, MaxTitleLen),
		maxLen("workingGroupId", i.WorkingGroupID, MaxIDLen),
		maxLen("description", i.Description, MaxTextLen),
		validFactor("gravity", i.Gravity),
		validFactor("urgency", i.Urgency),
		validFactor("tendency", i.Tendency),
		statusErr,
	)
}

// Score is recomputed from the three factors on every call.
func (i Issue) Score() int {
	return Score(i.Gravity, i.Urgency, i.Tendency)
}

// Band classifies the current score.
func (i Issue) Band() Band {
	return Classify(i.Score())
}

// User is the profile of an authenticated person.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

func (User) Kind() Kind { return KindUser }
func (u User) RecordID() string { return u.ID }

func (u User) Validate() error {
	return errors.Join(
		required("name", u.Name),
		maxLen("name", u.Name, MaxTitleLen),
		maxLen("email", u.Email, MaxTitleLen),
	)
}

// Children lists the kinds that are removed along with a record of kind k.
func Children(k Kind) []Kind {
	switch k {
	case KindWorkingGroup:
		return []Kind{KindMeeting, KindIssue}
	case KindMeeting:
		return []Kind{KindDecision, KindTask}
	default:
		return nil
	}
}

// ParentKind is the kind of record that owns records of kind k, or "" for
// top-level kinds.
func ParentKind(k Kind) Kind {
	switch k {
	case KindMeeting, KindIssue:
		return KindWorkingGroup
	case KindDecision, KindTask:
		return KindMeeting
	default:
		return ""
	}
}

// ParentID returns the id of the record that owns rec, if any.
func ParentID(rec Record) string {
	switch v := rec.(type) {
	case Meeting:
		return v.WorkingGroupID
	case Decision:
		return v.MeetingID
	case Task:
		return v.MeetingID
	case Issue:
		return v.WorkingGroupID
	default:
		return ""
	}
}

// AffectedKinds lists every kind whose stored records may change when cmd is
// applied.
func AffectedKinds(cmd Command) []Kind {
	kinds := []Kind{cmd.EntityType}
	if cmd.Type != CommandDelete {
		return kinds
	}
	for i := 0; i < len(kinds); i++ {
		kinds = append(kinds, Children(kinds[i])...)
	}
	return kinds
}
