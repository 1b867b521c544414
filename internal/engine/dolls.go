package engine

import (
	"context"
	"strings"

	"quill/internal/domain"
	"quill/internal/events"
	"quill/internal/repo"
)

type DollCreateOptions struct {
	Name        string
	Status      string
	Age         *int
	City        string
	Description string
	ActorID     string
}

// CreateDoll registers a doll. A doll created active drains the waiting pool at once.
func (e Engine) CreateDoll(ctx context.Context, opts DollCreateOptions) (domain.Doll, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Doll{}, invalidf("doll name is required")
	}
	status := opts.Status
	if status == "" {
		status = domain.DollInactive
	}
	if !validDollStatus(status) {
		return domain.Doll{}, invalidf("unknown doll status %q", status)
	}
	if opts.Age != nil && *opts.Age < 0 {
		return domain.Doll{}, invalidf("doll age must not be negative")
	}
	var d domain.Doll
	err := e.Do(ctx, "doll.create", opts.ActorID, func(ctx context.Context, u *Unit) error {
		d = domain.Doll{
			Name:        name,
			Status:      status,
			Age:         opts.Age,
			City:        strings.TrimSpace(opts.City),
			Description: opts.Description,
			CreatedAt:   e.stamp(),
		}
		id, err := e.Repo.InsertDoll(ctx, u.Tx, d)
		if err != nil {
			return err
		}
		d.ID = id
		if err := e.record(ctx, u, "doll.created", "doll", idString(id), events.EventPayload{"name": name, "status": status}); err != nil {
			return err
		}
		if d.Active() {
			if _, err := e.DrainIn(ctx, u, id); err != nil {
				return err
			}
		}
		return nil
	})
	return d, err
}

func (e Engine) GetDoll(ctx context.Context, id int64) (domain.Doll, error) {
	d, err := e.Repo.GetDoll(ctx, e.DB, id)
	return d, missing(err, "doll", id)
}

// DollLetterCounts counts a doll's letters in each status a held letter can have.
func (e Engine) DollLetterCounts(ctx context.Context, id int64) (map[string]int, error) {
	if _, err := e.Repo.GetDoll(ctx, e.DB, id); err != nil {
		return nil, missing(err, "doll", id)
	}
	counts := make(map[string]int, 3)
	for _, status := range []string{domain.LetterDraft, domain.LetterReviewed, domain.LetterSent} {
		n, err := e.Repo.CountLettersByDoll(ctx, e.DB, id, status)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}

// DollLoads lists dolls with their assigned count and free slots under the current cap.
func (e Engine) DollLoads(ctx context.Context, f repo.DollFilters) ([]domain.DollLoad, error) {
	return e.Repo.DollLoads(ctx, e.DB, e.Capacity(), f)
}

// UpdateDoll changes descriptive fields. Status changes go through SetDollStatus.
func (e Engine) UpdateDoll(ctx context.Context, id int64, patch repo.DollPatch, actorID string) (domain.Doll, error) {
	if patch.Empty() {
		return domain.Doll{}, invalidf("nothing to update")
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return domain.Doll{}, invalidf("doll name must not be empty")
		}
		patch.Name = &name
	}
	if patch.Age != nil && *patch.Age < 0 {
		return domain.Doll{}, invalidf("doll age must not be negative")
	}
	var d domain.Doll
	err := e.Do(ctx, "doll.update", actorID, func(ctx context.Context, u *Unit) error {
		if _, err := e.Repo.LockDoll(ctx, u.Tx, id); err != nil {
			return missing(err, "doll", id)
		}
		if err := e.Repo.UpdateDoll(ctx, u.Tx, id, patch); err != nil {
			return missing(err, "doll", id)
		}
		var err error
		d, err = e.Repo.GetDoll(ctx, u.Tx, id)
		if err != nil {
			return err
		}
		return e.record(ctx, u, "doll.updated", "doll", idString(id), dollPatchPayload(patch))
	})
	return d, err
}

func dollPatchPayload(p repo.DollPatch) events.EventPayload {
	payload := events.EventPayload{}
	if p.Name != nil {
		payload["name"] = *p.Name
	}
	if p.Age != nil {
		payload["age"] = *p.Age
	}
	if p.City != nil {
		payload["city"] = *p.City
	}
	if p.Description != nil {
		payload["description"] = *p.Description
	}
	return payload
}

// SetDollStatus activates or deactivates a doll. It returns the number of letters drained
// into the doll on activation, or released from it on deactivation.
func (e Engine) SetDollStatus(ctx context.Context, id int64, status, actorID string) (int, error) {
	switch status {
	case domain.DollActive:
		return e.ActivateDoll(ctx, id, actorID)
	case domain.DollInactive:
		return e.DeactivateDoll(ctx, id, actorID)
	default:
		return 0, invalidf("unknown doll status %q", status)
	}
}

// ActivateDoll marks the doll active and drains the waiting pool into it in the same unit.
// Activating an active doll still drains, which is how a full doll picks up work after
// letters were released elsewhere.
func (e Engine) ActivateDoll(ctx context.Context, id int64, actorID string) (int, error) {
	var drained int
	err := e.Do(ctx, "doll.activate", actorID, func(ctx context.Context, u *Unit) error {
		d, err := e.Repo.LockDoll(ctx, u.Tx, id)
		if err != nil {
			return missing(err, "doll", id)
		}
		if !d.Active() {
			if err := e.Repo.SetDollStatus(ctx, u.Tx, id, domain.DollActive); err != nil {
				return err
			}
		}
		drained, err = e.DrainIn(ctx, u, id)
		if err != nil {
			return err
		}
		return e.record(ctx, u, "doll.activated", "doll", idString(id), events.EventPayload{
			"previous_status": d.Status,
			"drained":         drained,
		})
	})
	if err != nil {
		return 0, err
	}
	return drained, nil
}

// DeactivateDoll marks the doll inactive and releases all of its letters to the waiting
// pool. The released letters are not redistributed.
func (e Engine) DeactivateDoll(ctx context.Context, id int64, actorID string) (int, error) {
	var released int
	err := e.Do(ctx, "doll.deactivate", actorID, func(ctx context.Context, u *Unit) error {
		d, err := e.Repo.LockDoll(ctx, u.Tx, id)
		if err != nil {
			return missing(err, "doll", id)
		}
		if d.Active() {
			if err := e.Repo.SetDollStatus(ctx, u.Tx, id, domain.DollInactive); err != nil {
				return err
			}
		}
		released, err = e.ReleaseIn(ctx, u, id)
		if err != nil {
			return err
		}
		return e.record(ctx, u, "doll.deactivated", "doll", idString(id), events.EventPayload{
			"previous_status": d.Status,
			"released":        released,
		})
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// DeleteDoll releases the doll's letters and removes it. It returns the released count.
func (e Engine) DeleteDoll(ctx context.Context, id int64, actorID string) (int, error) {
	var released int
	err := e.Do(ctx, "doll.delete", actorID, func(ctx context.Context, u *Unit) error {
		d, err := e.Repo.LockDoll(ctx, u.Tx, id)
		if err != nil {
			return missing(err, "doll", id)
		}
		released, err = e.ReleaseIn(ctx, u, id)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteDoll(ctx, u.Tx, id); err != nil {
			return missing(err, "doll", id)
		}
		return e.record(ctx, u, "doll.deleted", "doll", idString(id), events.EventPayload{
			"name":     d.Name,
			"released": released,
		})
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}
