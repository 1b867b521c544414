package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quill/internal/domain"
	"quill/internal/events"
	"quill/internal/repo"
)

// HasCapacity reports whether the doll is active and holds fewer letters than the cap.
// The count is read live inside u.
func (e Engine) HasCapacity(ctx context.Context, u *Unit, dollID int64) (bool, error) {
	d, err := e.Repo.GetDoll(ctx, u.Tx, dollID)
	if err != nil {
		return false, missing(err, "doll", dollID)
	}
	if !d.Active() {
		return false, nil
	}
	n, err := e.Repo.CountLettersByDoll(ctx, u.Tx, dollID, "")
	if err != nil {
		return false, err
	}
	return n < e.Capacity(), nil
}

// FindAvailableDoll picks the active doll with the fewest letters below the cap, lowest id
// first among equals. ok is false when every doll is full or inactive.
func (e Engine) FindAvailableDoll(ctx context.Context, u *Unit) (domain.Doll, bool, error) {
	d, _, err := e.Repo.FindAvailableDoll(ctx, u.Tx, e.Capacity())
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Doll{}, false, nil
	}
	if err != nil {
		return domain.Doll{}, false, err
	}
	return d, true, nil
}

// CreateLetterIn creates a letter inside u. It goes to an available doll as draft, or into
// the waiting pool when no doll has room.
func (e Engine) CreateLetterIn(ctx context.Context, u *Unit, clientID int64, content string) (domain.Letter, error) {
	if _, err := e.Repo.GetClient(ctx, u.Tx, clientID); err != nil {
		return domain.Letter{}, missing(err, "client", clientID)
	}
	now := e.now().UTC()
	ts := now.Format(time.RFC3339)
	l := domain.Letter{
		ClientID:  clientID,
		Date:      now.Format("2006-01-02"),
		Status:    domain.LetterWaiting,
		Content:   content,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	d, ok, err := e.FindAvailableDoll(ctx, u)
	if err != nil {
		return l, err
	}
	if ok {
		// The search holds no row lock; recheck the doll under one.
		if _, err := e.Repo.LockDoll(ctx, u.Tx, d.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return l, repo.ErrConflict
			}
			return l, err
		}
		has, err := e.HasCapacity(ctx, u, d.ID)
		if err != nil {
			return l, err
		}
		if !has {
			return l, repo.ErrConflict
		}
		id := d.ID
		l.DollID = &id
		l.Status = domain.LetterDraft
	}
	id, err := e.Repo.InsertLetter(ctx, u.Tx, l)
	if err != nil {
		return l, err
	}
	l.ID = id
	payload := events.EventPayload{"client_id": clientID, "status": l.Status}
	outcome := "waiting"
	if l.DollID != nil {
		payload["doll_id"] = *l.DollID
		outcome = "assigned"
	}
	if err := e.record(ctx, u, "letter.created", "letter", idString(id), payload); err != nil {
		return l, err
	}
	u.after(func() { e.Metrics.created(outcome) })
	return l, nil
}

// DrainIn assigns waiting letters, oldest first, to an active doll until it is full or the
// pool is empty. It returns how many letters were assigned.
func (e Engine) DrainIn(ctx context.Context, u *Unit, dollID int64) (int, error) {
	d, err := e.Repo.LockDoll(ctx, u.Tx, dollID)
	if err != nil {
		return 0, missing(err, "doll", dollID)
	}
	if !d.Active() {
		return 0, nil
	}
	assigned, err := e.Repo.CountLettersByDoll(ctx, u.Tx, dollID, "")
	if err != nil {
		return 0, err
	}
	free := e.Capacity() - assigned
	if free <= 0 {
		return 0, nil
	}
	waiting, err := e.Repo.WaitingLetters(ctx, u.Tx, free)
	if err != nil {
		return 0, err
	}
	now := e.stamp()
	for _, l := range waiting {
		if err := e.Repo.AssignLetter(ctx, u.Tx, l.ID, dollID, now); err != nil {
			return 0, fmt.Errorf("assign letter %d to doll %d: %w", l.ID, dollID, err)
		}
		if err := e.record(ctx, u, "letter.assigned", "letter", idString(l.ID), events.EventPayload{"doll_id": dollID}); err != nil {
			return 0, err
		}
	}
	n := len(waiting)
	u.after(func() { e.Metrics.drained(n) })
	return n, nil
}

// ReleaseIn returns every letter of a doll to the waiting pool as waiting, whatever status
// the letter had reached. It returns how many letters were released.
func (e Engine) ReleaseIn(ctx context.Context, u *Unit, dollID int64) (int, error) {
	ids, err := e.Repo.LetterIDsByDoll(ctx, u.Tx, dollID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := e.Repo.ReleaseLetters(ctx, u.Tx, dollID, e.stamp())
	if err != nil {
		return 0, err
	}
	if int(n) != len(ids) {
		return 0, repo.ErrConflict
	}
	if err := e.record(ctx, u, "letters.released", "doll", idString(dollID), events.EventPayload{"letter_ids": ids}); err != nil {
		return 0, err
	}
	released := len(ids)
	u.after(func() { e.Metrics.released(released) })
	return released, nil
}
