package engine

import (
	"context"

	"quill/internal/domain"
	"quill/internal/events"
	"quill/internal/repo"
)

type LetterCreateOptions struct {
	ClientID int64
	Content  string
	ActorID  string
}

// CreateLetter creates a letter for a client in its own unit of work.
func (e Engine) CreateLetter(ctx context.Context, opts LetterCreateOptions) (domain.Letter, error) {
	var l domain.Letter
	err := e.Do(ctx, "letter.create", opts.ActorID, func(ctx context.Context, u *Unit) error {
		var err error
		l, err = e.CreateLetterIn(ctx, u, opts.ClientID, opts.Content)
		return err
	})
	return l, err
}

func (e Engine) GetLetter(ctx context.Context, id int64) (domain.Letter, error) {
	l, err := e.Repo.GetLetter(ctx, e.DB, id)
	return l, missing(err, "letter", id)
}

func (e Engine) ListLetters(ctx context.Context, f repo.LetterFilters) ([]domain.LetterView, error) {
	if f.Status != "" && !ValidLetterStatus(f.Status) {
		return nil, invalidf("unknown letter status %q", f.Status)
	}
	return e.Repo.ListLetters(ctx, e.DB, f)
}

// WaitingPool lists the waiting letters in the order a drain would take them.
func (e Engine) WaitingPool(ctx context.Context, limit int) ([]domain.Letter, error) {
	return e.Repo.WaitingLetters(ctx, e.DB, limit)
}

// ChangeLetterStatus moves a letter one step along draft -> reviewed -> sent.
func (e Engine) ChangeLetterStatus(ctx context.Context, id int64, to, actorID string) (domain.Letter, error) {
	var l domain.Letter
	err := e.Do(ctx, "letter.status", actorID, func(ctx context.Context, u *Unit) error {
		var err error
		l, err = e.Repo.GetLetter(ctx, u.Tx, id)
		if err != nil {
			return missing(err, "letter", id)
		}
		from := l.Status
		if err := ensureLetterTransition(from, to); err != nil {
			return err
		}
		now := e.stamp()
		if err := e.Repo.UpdateLetterStatus(ctx, u.Tx, id, from, to, now); err != nil {
			return err
		}
		l.Status = to
		l.UpdatedAt = now
		return e.record(ctx, u, "letter.status_changed", "letter", idString(id), events.EventPayload{"from": from, "to": to})
	})
	return l, err
}

type LetterPatch struct {
	Content *string
}

// UpdateLetter edits a letter's content. Status and doll are never patched.
func (e Engine) UpdateLetter(ctx context.Context, id int64, patch LetterPatch, actorID string) (domain.Letter, error) {
	if patch.Content == nil {
		return domain.Letter{}, invalidf("nothing to update")
	}
	var l domain.Letter
	err := e.Do(ctx, "letter.update", actorID, func(ctx context.Context, u *Unit) error {
		now := e.stamp()
		if err := e.Repo.UpdateLetterContent(ctx, u.Tx, id, *patch.Content, now); err != nil {
			return missing(err, "letter", id)
		}
		var err error
		l, err = e.Repo.GetLetter(ctx, u.Tx, id)
		if err != nil {
			return err
		}
		return e.record(ctx, u, "letter.updated", "letter", idString(id), events.EventPayload{"content_length": len(*patch.Content)})
	})
	return l, err
}

// DeleteLetter removes a waiting or draft letter. A draft frees a slot on its doll, which
// is refilled from the waiting pool in the same unit.
func (e Engine) DeleteLetter(ctx context.Context, id int64, actorID string) error {
	return e.Do(ctx, "letter.delete", actorID, func(ctx context.Context, u *Unit) error {
		l, err := e.Repo.GetLetter(ctx, u.Tx, id)
		if err != nil {
			return missing(err, "letter", id)
		}
		if err := ensureLetterDeletable(l); err != nil {
			return err
		}
		if l.DollID != nil {
			if _, err := e.Repo.LockDoll(ctx, u.Tx, *l.DollID); err != nil {
				return err
			}
		}
		if err := e.Repo.DeleteLetter(ctx, u.Tx, id); err != nil {
			return missing(err, "letter", id)
		}
		payload := events.EventPayload{"client_id": l.ClientID, "status": l.Status}
		if l.DollID != nil {
			payload["doll_id"] = *l.DollID
		}
		if err := e.record(ctx, u, "letter.deleted", "letter", idString(id), payload); err != nil {
			return err
		}
		if l.DollID != nil {
			if _, err := e.DrainIn(ctx, u, *l.DollID); err != nil {
				return err
			}
		}
		return nil
	})
}
