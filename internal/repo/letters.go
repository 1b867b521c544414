package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"quill/internal/domain"
)

const letterColumns = `l.id, l.client_id, l.doll_id, l.date, l.status, l.content, l.created_at, l.updated_at`

type LetterFilters struct {
	Status   string
	DollID   *int64
	ClientID *int64
	Limit    int
}

func scanLetter(row rowScanner, extra ...any) (domain.Letter, error) {
	var l domain.Letter
	var dollID sql.NullInt64
	dest := append([]any{&l.ID, &l.ClientID, &dollID, &l.Date, &l.Status, &l.Content, &l.CreatedAt, &l.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l, ErrNotFound
		}
		return l, err
	}
	if dollID.Valid {
		id := dollID.Int64
		l.DollID = &id
	}
	return l, nil
}

func (r Repo) InsertLetter(ctx context.Context, q Querier, l domain.Letter) (int64, error) {
	return r.insertReturningID(ctx, q, `INSERT INTO letters(client_id,doll_id,date,status,content,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		l.ClientID, nullableInt64(l.DollID), l.Date, l.Status, l.Content, l.CreatedAt, l.UpdatedAt)
}

func (r Repo) GetLetter(ctx context.Context, q Querier, id int64) (domain.Letter, error) {
	return scanLetter(q.QueryRowContext(ctx, r.q(`SELECT `+letterColumns+` FROM letters l WHERE l.id=?`), id))
}

// ListLetters returns letters with client and doll names, oldest first. Waiting letters are
// included; they carry no doll name.
func (r Repo) ListLetters(ctx context.Context, q Querier, f LetterFilters) ([]domain.LetterView, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "l.status=?")
		args = append(args, f.Status)
	}
	if f.DollID != nil {
		clauses = append(clauses, "l.doll_id=?")
		args = append(args, *f.DollID)
	}
	if f.ClientID != nil {
		clauses = append(clauses, "l.client_id=?")
		args = append(args, *f.ClientID)
	}
	query := `SELECT ` + letterColumns + `, c.name, COALESCE(d.name,'')
FROM letters l
JOIN clients c ON c.id = l.client_id
LEFT JOIN dolls d ON d.id = l.doll_id`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY l.id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LetterView
	for rows.Next() {
		var v domain.LetterView
		l, err := scanLetter(rows, &v.ClientName, &v.DollName)
		if err != nil {
			return nil, err
		}
		v.Letter = l
		res = append(res, v)
	}
	return res, rows.Err()
}

// CountLettersByDoll counts letters assigned to a doll, optionally restricted to one status.
func (r Repo) CountLettersByDoll(ctx context.Context, q Querier, dollID int64, status string) (int, error) {
	query := `SELECT COUNT(*) FROM letters WHERE doll_id=?`
	args := []any{dollID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	var n int
	err := q.QueryRowContext(ctx, r.q(query), args...).Scan(&n)
	return n, err
}

func (r Repo) CountLettersByClient(ctx context.Context, q Querier, clientID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM letters WHERE client_id=?`), clientID).Scan(&n)
	return n, err
}

// WaitingLetters returns up to limit letters of the waiting pool in id order. limit <= 0
// returns the whole pool.
func (r Repo) WaitingLetters(ctx context.Context, q Querier, limit int) ([]domain.Letter, error) {
	query := `SELECT ` + letterColumns + ` FROM letters l WHERE l.status=? AND l.doll_id IS NULL ORDER BY l.id ASC`
	args := []any{domain.LetterWaiting}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += r.Dialect.ForUpdate()
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LetterIDsByDoll lists the ids of the letters a doll holds.
func (r Repo) LetterIDsByDoll(ctx context.Context, q Querier, dollID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id FROM letters WHERE doll_id=? ORDER BY id ASC`), dollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssignLetter moves a waiting letter to a doll in draft. ErrConflict if the letter is no
// longer waiting.
func (r Repo) AssignLetter(ctx context.Context, q Querier, letterID, dollID int64, now string) error {
	res, err := r.exec(ctx, q, `UPDATE letters SET doll_id=?, status=?, updated_at=? WHERE id=? AND doll_id IS NULL AND status=?`,
		dollID, domain.LetterDraft, now, letterID, domain.LetterWaiting)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrConflict)
}

// ReleaseLetters returns every letter of a doll to the waiting pool, whatever its status.
func (r Repo) ReleaseLetters(ctx context.Context, q Querier, dollID int64, now string) (int64, error) {
	res, err := r.exec(ctx, q, `UPDATE letters SET doll_id=NULL, status=?, updated_at=? WHERE doll_id=?`,
		domain.LetterWaiting, now, dollID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateLetterStatus sets status only if the letter is still in from. ErrConflict otherwise.
func (r Repo) UpdateLetterStatus(ctx context.Context, q Querier, id int64, from, to, now string) error {
	res, err := r.exec(ctx, q, `UPDATE letters SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrConflict)
}

func (r Repo) UpdateLetterContent(ctx context.Context, q Querier, id int64, content, now string) error {
	res, err := r.exec(ctx, q, `UPDATE letters SET content=?, updated_at=? WHERE id=?`, content, now, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}

func (r Repo) DeleteLetter(ctx context.Context, q Querier, id int64) error {
	res, err := r.exec(ctx, q, `DELETE FROM letters WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res, ErrNotFound)
}
