package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// CommandType is the write operation a command performs.
type CommandType string

const (
	CommandCreate CommandType = "create"
	CommandUpdate CommandType = "update"
	CommandDelete CommandType = "delete"
	// CommandUpsert is only accepted for the caller's own user profile.
	CommandUpsert CommandType = "upsert"
)

// Command represents a write request for the record store.
type Command struct {
	// ID carries the idempotency key when enqueued to the command queue.
	ID             string          `json:"id,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EntityType     Kind            `json:"entityType"`
	Type           CommandType     `json:"type"`
	EntityID       string          `json:"entityId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// CommandEnvelope wraps a command with the user performing it.
type CommandEnvelope struct {
	UserID  string  `json:"userId"`
	Command Command `json:"command"`
}

var strictJSON = sonic.Config{DisallowUnknownFields: true}.Froze()

var errEmptyData = errors.New("data is required")

// Validate checks the command shape and its payload. It does not consult the
// store, so an update may still target a record that no longer exists.
func (c Command) Validate() error {
	if !c.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", c.EntityType)
	}
	if c.EntityType == KindUser {
		if c.Type != CommandUpsert {
			return fmt.Errorf("user profiles only accept %q commands", CommandUpsert)
		}
		rec, err := DecodeRecord(KindUser, c.Data)
		if err != nil {
			return err
		}
		return rec.Validate()
	}
	switch c.Type {
	case CommandCreate:
		rec, err := DecodeRecord(c.EntityType, c.Data)
		if err != nil {
			return err
		}
		return rec.Validate()
	case CommandUpdate:
		if strings.TrimSpace(c.EntityID) == "" {
			return &FieldError{Field: "entityId", Reason: "is required"}
		}
		return ValidatePatch(c.EntityType, c.Data)
	case CommandDelete:
		if strings.TrimSpace(c.EntityID) == "" {
			return &FieldError{Field: "entityId", Reason: "is required"}
		}
		return nil
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
}

// DecodeRecord strictly decodes a create payload into the record type for
// kind and fills in defaults. Unknown fields are rejected.
func DecodeRecord(kind Kind, data []byte) (Record, error) {
	if len(data) == 0 {
		return nil, errEmptyData
	}
	var (
		rec Record
		err error
	)
	switch kind {
	case KindWorkingGroup:
		var v WorkingGroup
		err = strictJSON.Unmarshal(data, &v)
		rec = v
	case KindMeeting:
		var v Meeting
		err = strictJSON.Unmarshal(data, &v)
		rec = v
	case KindDecision:
		var v Decision
		err = strictJSON.Unmarshal(data, &v)
		if v.Tags == nil {
			v.Tags = []string{}
		}
		v.Tags = NormalizeTags(v.Tags)
		rec = v
	case KindTask:
		var v Task
		err = strictJSON.Unmarshal(data, &v)
		if v.Status == "" {
			v.Status = TaskPending
		}
		rec = v
	case KindIssue:
		var v Issue
		err = strictJSON.Unmarshal(data, &v)
		if v.Status == "" {
			v.Status = IssueOpen
		}
		rec = v
	case KindUser:
		var v User
		err = strictJSON.Unmarshal(data, &v)
		rec = v
	default:
		return nil, fmt.Errorf("unknown entity type %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s data: %w", kind, err)
	}
	return rec, nil
}

// WithIdentity returns rec with the server-assigned id and creation time.
func WithIdentity(rec Record, id string, createdAt int64) Record {
	switch v := rec.(type) {
	case WorkingGroup:
		v.ID, v.CreatedAt = id, createdAt
		return v
	case Meeting:
		v.ID, v.CreatedAt = id, createdAt
		return v
	case Decision:
		v.ID, v.CreatedAt = id, createdAt
		return v
	case Task:
		v.ID, v.CreatedAt = id, createdAt
		return v
	case Issue:
		v.ID, v.CreatedAt = id, createdAt
		return v
	case User:
		v.ID, v.CreatedAt = id, createdAt
		return v
	}
	return rec
}

// NormalizeTags trims tags and drops blanks and repeats, keeping the first
// occurrence of each.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out
}
