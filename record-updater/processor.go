package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"minutes-api/domain"
	"minutes-api/storage"
)

// errRejected marks commands that can never be applied. Their messages are
// removed from the queue instead of being redelivered.
var errRejected = errors.New("command rejected")

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errRejected}, args...)...)
}

type recordStore interface {
	GetEntry(ctx context.Context, kind domain.Kind, id string) (*storage.Entry, error)
	ListByParent(ctx context.Context, kind domain.Kind, parentID string) ([]domain.Record, error)
	Insert(ctx context.Context, rec domain.Record, createdAt, updatedAt int64) error
	Update(ctx context.Context, rec domain.Record, createdAt, updatedAt int64, etag string) error
	Upsert(ctx context.Context, rec domain.Record, createdAt, updatedAt int64) error
	Delete(ctx context.Context, kind domain.Kind, id string) error
}

type cacheEvicter interface {
	Evict(ctx context.Context, kinds ...domain.Kind)
}

type processor struct {
	st    recordStore
	cache cacheEvicter
	log   *log.Logger
}

func newProcessor(st recordStore, cache cacheEvicter, logger *log.Logger) *processor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &processor{st: st, cache: cache, log: logger}
}

// process decodes one queue message and applies the command it carries.
func (p *processor) process(ctx context.Context, payload string) error {
	var env domain.CommandEnvelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		return reject("malformed envelope: %v", err)
	}
	if env.UserID == "" {
		return reject("envelope without user")
	}
	cmd := env.Command
	if err := cmd.Validate(); err != nil {
		return reject("%s %s: %v", cmd.Type, cmd.EntityType, err)
	}

	if err := p.apply(ctx, env.UserID, cmd); err != nil {
		return err
	}
	if p.cache != nil {
		p.cache.Evict(ctx, domain.AffectedKinds(cmd)...)
	}
	p.log.WithFields(log.Fields{
		"user":   env.UserID,
		"entity": cmd.EntityID,
		"kind":   cmd.EntityType,
		"type":   cmd.Type,
		"ts":     cmd.Timestamp,
	}).Debug("command applied")
	return nil
}

func (p *processor) apply(ctx context.Context, userID string, cmd domain.Command) error {
	switch cmd.Type {
	case domain.CommandCreate:
		return p.create(ctx, cmd)
	case domain.CommandUpdate:
		return p.update(ctx, cmd)
	case domain.CommandDelete:
		return p.deleteCascade(ctx, cmd.EntityType, cmd.EntityID)
	case domain.CommandUpsert:
		return p.upsertUser(ctx, userID, cmd)
	default:
		return reject("unknown command type %q", cmd.Type)
	}
}

func (p *processor) create(ctx context.Context, cmd domain.Command) error {
	if cmd.EntityID == "" {
		return reject("create %s without entity id", cmd.EntityType)
	}
	rec, err := domain.DecodeRecord(cmd.EntityType, cmd.Data)
	if err != nil {
		return reject("%v", err)
	}
	rec = domain.WithIdentity(rec, cmd.EntityID, cmd.Timestamp)
	if err := p.requireParent(ctx, rec); err != nil {
		return err
	}
	err = p.st.Insert(ctx, rec, cmd.Timestamp, cmd.Timestamp)
	if errors.Is(err, storage.ErrAlreadyExists) {
		p.log.WithFields(log.Fields{"kind": cmd.EntityType, "entity": cmd.EntityID, "ts": cmd.Timestamp}).Warn("duplicate create command")
		return nil
	}
	return err
}

func (p *processor) update(ctx context.Context, cmd domain.Command) error {
	entry, err := p.st.GetEntry(ctx, cmd.EntityType, cmd.EntityID)
	if err != nil {
		return err
	}
	for {
		if entry == nil {
			return reject("%s %s not found", cmd.EntityType, cmd.EntityID)
		}
		if cmd.Timestamp <= entry.UpdatedAt {
			p.log.WithFields(log.Fields{"entity": cmd.EntityID, "ts": cmd.Timestamp, "current": entry.UpdatedAt}).Warn("stale update command")
			return reject("%s %s received stale update", cmd.EntityType, cmd.EntityID)
		}
		next, err := domain.ApplyPatch(entry.Record, cmd.Data)
		if err != nil {
			return reject("%s %s: %v", cmd.EntityType, cmd.EntityID, err)
		}
		if domain.ParentID(next) != domain.ParentID(entry.Record) {
			if err := p.requireParent(ctx, next); err != nil {
				return err
			}
		}
		err = p.st.Update(ctx, next, entry.CreatedAt, cmd.Timestamp, entry.ETag)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrNotFound):
			return reject("%s %s not found", cmd.EntityType, cmd.EntityID)
		case !errors.Is(err, storage.ErrConcurrencyConflict):
			return err
		}
		if entry, err = p.st.GetEntry(ctx, cmd.EntityType, cmd.EntityID); err != nil {
			return err
		}
	}
}

// deleteCascade removes the record and, depth first, everything it owns.
func (p *processor) deleteCascade(ctx context.Context, kind domain.Kind, id string) error {
	for _, child := range domain.Children(kind) {
		recs, err := p.st.ListByParent(ctx, child, id)
		if err != nil {
			return fmt.Errorf("list %s of %s %s: %w", child, kind, id, err)
		}
		for _, rec := range recs {
			if err := p.deleteCascade(ctx, child, rec.RecordID()); err != nil {
				return err
			}
		}
	}
	return p.st.Delete(ctx, kind, id)
}

func (p *processor) upsertUser(ctx context.Context, userID string, cmd domain.Command) error {
	rec, err := domain.DecodeRecord(domain.KindUser, cmd.Data)
	if err == nil {
		err = rec.Validate()
	}
	if err != nil {
		return reject("%v", err)
	}
	createdAt := cmd.Timestamp
	entry, err := p.st.GetEntry(ctx, domain.KindUser, userID)
	if err != nil {
		return err
	}
	if entry != nil {
		if cmd.Timestamp <= entry.UpdatedAt {
			return reject("user %s received stale profile", userID)
		}
		createdAt = entry.CreatedAt
	}
	return p.st.Upsert(ctx, domain.WithIdentity(rec, userID, createdAt), createdAt, cmd.Timestamp)
}

func (p *processor) requireParent(ctx context.Context, rec domain.Record) error {
	parentID := domain.ParentID(rec)
	if parentID == "" {
		return nil
	}
	kind := domain.ParentKind(rec.Kind())
	parent, err := p.st.GetEntry(ctx, kind, parentID)
	if err != nil {
		return err
	}
	if parent == nil {
		return reject("%s %s references missing %s %s", rec.Kind(), rec.RecordID(), kind, parentID)
	}
	return nil
}
