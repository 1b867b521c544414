package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"quill/internal/domain"
)

const clientColumns = `id, name, COALESCE(city,''), COALESCE(reason,''), COALESCE(contact,''), created_at`

type ClientPatch struct {
	Name    *string
	City    *string
	Reason  *string
	Contact *string
}

// ClientFilters match case-insensitive substrings of name and city.
type ClientFilters struct {
	Query string
	City  string
}

func scanClient(row rowScanner) (domain.Client, error) {
	var c domain.Client
	err := row.Scan(&c.ID, &c.Name, &c.City, &c.Reason, &c.Contact, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertClient(ctx context.Context, q Querier, c domain.Client) (int64, error) {
	return r.insertReturningID(ctx, q, `INSERT INTO clients(name,city,reason,contact,created_at) VALUES (?,?,?,?,?)`,
		c.Name, nullable(c.City), nullable(c.Reason), nullable(c.Contact), c.CreatedAt)
}

func (r Repo) GetClient(ctx context.Context, q Querier, id int64) (domain.Client, error) {
	return scanClient(q.QueryRowContext(ctx, r.q(`SELECT `+clientColumns+` FROM clients WHERE id=?`), id))
}

func (r Repo) ListClients(ctx context.Context, q Querier, f ClientFilters) ([]domain.Client, error) {
	var (
		clauses []string
		args    []any
	)
	like := r.Dialect.ILike()
	if f.Query != "" {
		clauses = append(clauses, "name "+like+" ?")
		args = append(args, "%"+f.Query+"%")
	}
	if f.City != "" {
		clauses = append(clauses, "COALESCE(city,'') "+like+" ?")
		args = append(args, "%"+f.City+"%")
	}
	query := `SELECT ` + clientColumns + ` FROM clients`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id ASC`
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateClient(ctx context.Context, q Querier, id int64, p ClientPatch) error {
	var (
		fields []string
		args   []any
	)
	if p.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *p.Name)
	}
	if p.City != nil {
		fields = append(fields, "city=?")
		args = append(args, nullable(*p.City))
	}
	if p.Reason != nil {
		fields = append(fields, "reason=?")
		args = append(args, nullable(*p.Reason))
	}
	if p.Contact != nil {
		fields = append(fields, "contact=?")
		args = append(args, nullable(*p.Contact))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.exec(ctx, q, fmt.Sprintf(`UPDATE clients SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}

func (r Repo) DeleteClient(ctx context.Context, q Querier, id int64) error {
	res, err := r.exec(ctx, q, `DELETE FROM clients WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}
