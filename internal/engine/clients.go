package engine

import (
	"context"
	"fmt"
	"strings"

	"quill/internal/domain"
	"quill/internal/events"
	"quill/internal/repo"
)

type ClientCreateOptions struct {
	Name    string
	City    string
	Reason  string
	Contact string
	// WithLetter creates the client's first letter in the same unit of work.
	WithLetter    bool
	LetterContent string
	ActorID       string
}

type ClientCreated struct {
	Client domain.Client  `json:"client"`
	Letter *domain.Letter `json:"letter,omitempty"`
}

func (e Engine) CreateClient(ctx context.Context, opts ClientCreateOptions) (ClientCreated, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return ClientCreated{}, invalidf("client name is required")
	}
	var res ClientCreated
	err := e.Do(ctx, "client.create", opts.ActorID, func(ctx context.Context, u *Unit) error {
		res = ClientCreated{Client: domain.Client{
			Name:      name,
			City:      strings.TrimSpace(opts.City),
			Reason:    opts.Reason,
			Contact:   opts.Contact,
			CreatedAt: e.stamp(),
		}}
		id, err := e.Repo.InsertClient(ctx, u.Tx, res.Client)
		if err != nil {
			return err
		}
		res.Client.ID = id
		if err := e.record(ctx, u, "client.created", "client", idString(id), events.EventPayload{"name": name}); err != nil {
			return err
		}
		if !opts.WithLetter {
			return nil
		}
		l, err := e.CreateLetterIn(ctx, u, id, opts.LetterContent)
		if err != nil {
			return err
		}
		res.Letter = &l
		return nil
	})
	return res, err
}

func (e Engine) GetClient(ctx context.Context, id int64) (domain.Client, error) {
	c, err := e.Repo.GetClient(ctx, e.DB, id)
	return c, missing(err, "client", id)
}

func (e Engine) ListClients(ctx context.Context, f repo.ClientFilters) ([]domain.Client, error) {
	return e.Repo.ListClients(ctx, e.DB, f)
}

func (e Engine) UpdateClient(ctx context.Context, id int64, patch repo.ClientPatch, actorID string) (domain.Client, error) {
	if patch.Name == nil && patch.City == nil && patch.Reason == nil && patch.Contact == nil {
		return domain.Client{}, invalidf("nothing to update")
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return domain.Client{}, invalidf("client name must not be empty")
		}
		patch.Name = &name
	}
	var c domain.Client
	err := e.Do(ctx, "client.update", actorID, func(ctx context.Context, u *Unit) error {
		if err := e.Repo.UpdateClient(ctx, u.Tx, id, patch); err != nil {
			return missing(err, "client", id)
		}
		var err error
		c, err = e.Repo.GetClient(ctx, u.Tx, id)
		if err != nil {
			return err
		}
		payload := events.EventPayload{}
		if patch.Name != nil {
			payload["name"] = *patch.Name
		}
		if patch.City != nil {
			payload["city"] = *patch.City
		}
		return e.record(ctx, u, "client.updated", "client", idString(id), payload)
	})
	return c, err
}

// DeleteClient removes a client that has no letters left.
func (e Engine) DeleteClient(ctx context.Context, id int64, actorID string) error {
	return e.Do(ctx, "client.delete", actorID, func(ctx context.Context, u *Unit) error {
		c, err := e.Repo.GetClient(ctx, u.Tx, id)
		if err != nil {
			return missing(err, "client", id)
		}
		n, err := e.Repo.CountLettersByClient(ctx, u.Tx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: client %d still has %d letter(s)", ErrInvalidOperation, id, n)
		}
		if err := e.Repo.DeleteClient(ctx, u.Tx, id); err != nil {
			return missing(err, "client", id)
		}
		return e.record(ctx, u, "client.deleted", "client", idString(id), events.EventPayload{"name": c.Name})
	})
}
