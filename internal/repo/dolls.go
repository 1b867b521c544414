package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"quill/internal/domain"
)

const dollColumns = `d.id, d.name, d.status, d.age, COALESCE(d.city,''), COALESCE(d.description,''), d.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoll(row rowScanner, extra ...any) (domain.Doll, error) {
	var d domain.Doll
	var age sql.NullInt64
	dest := append([]any{&d.ID, &d.Name, &d.Status, &age, &d.City, &d.Description, &d.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, ErrNotFound
		}
		return d, err
	}
	if age.Valid {
		a := int(age.Int64)
		d.Age = &a
	}
	return d, nil
}

// DollPatch lists the descriptive fields an operator may change. Status is not patchable:
// it only moves through activation and deactivation.
type DollPatch struct {
	Name        *string
	Age         *int
	City        *string
	Description *string
}

// Empty reports whether the patch changes nothing.
func (p DollPatch) Empty() bool {
	return p.Name == nil && p.Age == nil && p.City == nil && p.Description == nil
}

type DollFilters struct {
	Status string
}

func (r Repo) InsertDoll(ctx context.Context, q Querier, d domain.Doll) (int64, error) {
	return r.insertReturningID(ctx, q, `INSERT INTO dolls(name,status,age,city,description,created_at) VALUES (?,?,?,?,?,?)`,
		d.Name, d.Status, nullableInt(d.Age), nullable(d.City), nullable(d.Description), d.CreatedAt)
}

func (r Repo) GetDoll(ctx context.Context, q Querier, id int64) (domain.Doll, error) {
	return scanDoll(q.QueryRowContext(ctx, r.q(`SELECT `+dollColumns+` FROM dolls d WHERE d.id=?`), id))
}

// LockDoll reads a doll and, on stores with row locks, holds it until the transaction ends.
func (r Repo) LockDoll(ctx context.Context, q Querier, id int64) (domain.Doll, error) {
	return scanDoll(q.QueryRowContext(ctx, r.q(`SELECT `+dollColumns+` FROM dolls d WHERE d.id=?`+r.Dialect.ForUpdate()), id))
}

func (r Repo) UpdateDoll(ctx context.Context, q Querier, id int64, p DollPatch) error {
	var (
		fields []string
		args   []any
	)
	if p.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *p.Name)
	}
	if p.Age != nil {
		fields = append(fields, "age=?")
		args = append(args, *p.Age)
	}
	if p.City != nil {
		fields = append(fields, "city=?")
		args = append(args, nullable(*p.City))
	}
	if p.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*p.Description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.exec(ctx, q, fmt.Sprintf(`UPDATE dolls SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}

func (r Repo) SetDollStatus(ctx context.Context, q Querier, id int64, status string) error {
	res, err := r.exec(ctx, q, `UPDATE dolls SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}

func (r Repo) DeleteDoll(ctx context.Context, q Querier, id int64) error {
	res, err := r.exec(ctx, q, `DELETE FROM dolls WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}

const dollLoadQuery = `SELECT ` + dollColumns + `, COUNT(l.id) AS assigned
FROM dolls d LEFT JOIN letters l ON l.doll_id = d.id`

const dollLoadGroup = ` GROUP BY d.id, d.name, d.status, d.age, d.city, d.description, d.created_at`

// FindAvailableDoll returns the active doll with fewest assigned letters below limit, lowest
// id first on ties, and its current count. ErrNotFound when every active doll is full.
func (r Repo) FindAvailableDoll(ctx context.Context, q Querier, limit int) (domain.Doll, int, error) {
	query := dollLoadQuery + ` WHERE d.status=?` + dollLoadGroup + `
HAVING COUNT(l.id) < ?
ORDER BY assigned ASC, d.id ASC
LIMIT 1`
	var assigned int
	d, err := scanDoll(q.QueryRowContext(ctx, r.q(query), domain.DollActive, limit), &assigned)
	if err != nil {
		return d, 0, err
	}
	return d, assigned, nil
}

// DollLoads lists every doll with its live assigned count against limit.
func (r Repo) DollLoads(ctx context.Context, q Querier, limit int, f DollFilters) ([]domain.DollLoad, error) {
	query := dollLoadQuery
	var args []any
	if f.Status != "" {
		query += ` WHERE d.status=?`
		args = append(args, f.Status)
	}
	query += dollLoadGroup + ` ORDER BY d.id ASC`
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DollLoad
	for rows.Next() {
		var assigned int
		d, err := scanDoll(rows, &assigned)
		if err != nil {
			return nil, err
		}
		free := limit - assigned
		if free < 0 {
			free = 0
		}
		res = append(res, domain.DollLoad{Doll: d, Assigned: assigned, Free: free})
	}
	return res, rows.Err()
}
