package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Patches carry only the fields an update sets. Nil means unchanged.

type WorkingGroupPatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type MeetingPatch struct {
	Title          *string `json:"title"`
	Date           *string `json:"date"`
	WorkingGroupID *string `json:"workingGroupId"`
	Summary        *string `json:"summary"`
}

type DecisionPatch struct {
	Title   *string   `json:"title"`
	Context *string   `json:"context"`
	Tags    *[]string `json:"tags"`
}

type TaskPatch struct {
	Title       *string     `json:"title"`
	Description *string     `json:"description"`
	Status      *TaskStatus `json:"status"`
	AssigneeID  *string     `json:"assigneeId"`
	DueDate     *string     `json:"dueDate"`
}

type IssuePatch struct {
	WorkingGroupID *string      `json:"workingGroupId"`
	Title          *string      `json:"title"`
	Description    *string      `json:"description"`
	Gravity        *int         `json:"gravity"`
	Urgency        *int         `json:"urgency"`
	Tendency       *int         `json:"tendency"`
	Status         *IssueStatus `json:"status"`
}

var errEmptyPatch = errors.New("update sets no fields")

func decodePatch(kind Kind, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, errEmptyData
	}
	var (
		p     any
		err   error
		empty bool
	)
	switch kind {
	case KindWorkingGroup:
		var v WorkingGroupPatch
		err = strictJSON.Unmarshal(data, &v)
		p, empty = v, v == WorkingGroupPatch{}
	case KindMeeting:
		var v MeetingPatch
		err = strictJSON.Unmarshal(data, &v)
		p, empty = v, v == MeetingPatch{}
	case KindDecision:
		var v DecisionPatch
		err = strictJSON.Unmarshal(data, &v)
		p, empty = v, v == DecisionPatch{}
	case KindTask:
		var v TaskPatch
		err = strictJSON.Unmarshal(data, &v)
		p, empty = v, v == TaskPatch{}
	case KindIssue:
		var v IssuePatch
		err = strictJSON.Unmarshal(data, &v)
		p, empty = v, v == IssuePatch{}
	default:
		return nil, fmt.Errorf("entity type %q cannot be updated", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s patch: %w", kind, err)
	}
	if empty {
		return nil, errEmptyPatch
	}
	return p, nil
}

// ValidatePatch decodes an update payload and checks every field it sets.
func ValidatePatch(kind Kind, data json.RawMessage) error {
	p, err := decodePatch(kind, data)
	if err != nil {
		return err
	}
	var errs []error
	str := func(field string, v *string) {
		if v != nil {
			errs = append(errs, required(field, *v))
		}
	}
	text := func(field string, v *string, limit int) {
		if v != nil {
			errs = append(errs, maxLen(field, *v, limit))
		}
	}
	switch v := p.(type) {
	case WorkingGroupPatch:
		str("name", v.Name)
		text("name", v.Name, MaxTitleLen)
		text("description", v.Description, MaxTextLen)
	case MeetingPatch:
		str("title", v.Title)
		text("title", v.Title, MaxTitleLen)
		str("workingGroupId", v.WorkingGroupID)
		text("workingGroupId", v.WorkingGroupID, MaxIDLen)
		text("summary", v.Summary, MaxSummaryLen)
		if v.Date != nil {
			errs = append(errs, validDate("date", *v.Date, false))
		}
	case DecisionPatch:
		str("title", v.Title)
		text("title", v.Title, MaxTitleLen)
		text("context", v.Context, MaxTextLen)
		if v.Tags != nil {
			errs = append(errs, validTags(NormalizeTags(*v.Tags)))
		}
	case TaskPatch:
		str("title", v.Title)
		text("title", v.Title, MaxTitleLen)
		text("description", v.Description, MaxTextLen)
		text("assigneeId", v.AssigneeID, MaxIDLen)
		if v.Status != nil && !v.Status.valid() {
			errs = append(errs, &FieldError{Field: "status", Reason: "must be Pending, In Progress or Done"})
		}
		if v.DueDate != nil {
			errs = append(errs, validDate("dueDate", *v.DueDate, true))
		}
	case IssuePatch:
		str("title", v.Title)
		text("title", v.Title, MaxTitleLen)
		text("workingGroupId", v.WorkingGroupID, MaxIDLen)
		text("description", v.Description, MaxTextLen)
		factors := []struct {
			field string
			v     *int
		}{{"gravity", v.Gravity}, {"urgency", v.Urgency}, {"tendency", v.Tendency}}
		for _, f := range factors {
			if f.v != nil {
				errs = append(errs, validFactor(f.field, *f.v))
			}
		}
		if v.Status != nil && !v.Status.valid() {
			errs = append(errs, &FieldError{Field: "status", Reason: "must be Open, Under Review or Resolved"})
		}
	}
	return errors.Join(errs...)
}

// ApplyPatch merges an update payload into current and validates the result.
func ApplyPatch(current Record, data json.RawMessage) (Record, error) {
	p, err := decodePatch(current.Kind(), data)
	if err != nil {
		return nil, err
	}
	var out Record
	switch rec := current.(type) {
	case WorkingGroup:
		v := p.(WorkingGroupPatch)
		set(&rec.Name, v.Name)
		set(&rec.Description, v.Description)
		out = rec
	case Meeting:
		v := p.(MeetingPatch)
		set(&rec.Title, v.Title)
		set(&rec.Date, v.Date)
		set(&rec.WorkingGroupID, v.WorkingGroupID)
		set(&rec.Summary, v.Summary)
		out = rec
	case Decision:
		v := p.(DecisionPatch)
		set(&rec.Title, v.Title)
		set(&rec.Context, v.Context)
		if v.Tags != nil {
			rec.Tags = NormalizeTags(*v.Tags)
		}
		out = rec
	case Task:
		v := p.(TaskPatch)
		set(&rec.Title, v.Title)
		set(&rec.Description, v.Description)
		set(&rec.Status, v.Status)
		set(&rec.AssigneeID, v.AssigneeID)
		set(&rec.DueDate, v.DueDate)
		out = rec
	case Issue:
		v := p.(IssuePatch)
		set(&rec.WorkingGroupID, v.WorkingGroupID)
		set(&rec.Title, v.Title)
		set(&rec.Description, v.Description)
		set(&rec.Gravity, v.Gravity)
		set(&rec.Urgency, v.Urgency)
		set(&rec.Tendency, v.Tendency)
		set(&rec.Status, v.Status)
		out = rec
	default:
		return nil, fmt.Errorf("entity type %q cannot be updated", current.Kind())
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
