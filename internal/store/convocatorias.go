package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"convocatorias/internal/convocatoria"
)

const convocatoriaColumns = `id, user_id, nombre_concurso, institucion, fecha_cierre, fecha_apertura, fecha_resultados,
	monto_financiamiento, requisitos, estado, descripcion, contacto, sitio_web, area, tipo_fondo, fuente_url,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertConvocatoria stores a validated record. An empty id gets a new uuid.
func (s *Store) InsertConvocatoria(ctx context.Context, userID, id string, rec convocatoria.CandidateRecord) (convocatoria.Convocatoria, error) {
	return insertConvocatoria(ctx, s.db, userID, id, rec)
}

func insertConvocatoria(ctx context.Context, q execer, userID, id string, rec convocatoria.CandidateRecord) (convocatoria.Convocatoria, error) {
	if id == "" {
		id = uuid.NewString()
	}
	row := q.QueryRowContext(ctx, `INSERT INTO convocatorias (id, user_id, nombre_concurso, institucion, fecha_cierre, fecha_apertura, fecha_resultados,
			monto_financiamiento, requisitos, estado, descripcion, contacto, sitio_web, area, tipo_fondo, fuente_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+convocatoriaColumns,
		id, userID, strings.TrimSpace(rec.Name), strings.TrimSpace(rec.Organization), strings.TrimSpace(rec.ClosingDate),
		nullDate(rec.OpeningDate), nullDate(rec.ResultsDate),
		rec.FundingAmount, rec.Requirements, string(storedStatus(rec.Status)), rec.Description, rec.Contact,
		rec.Website, rec.Area, rec.FundType, rec.SourceURL)
	return scanConvocatoria(row)
}

func updateConvocatoria(ctx context.Context, q execer, userID, id string, rec convocatoria.CandidateRecord) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE convocatorias SET nombre_concurso = $3, institucion = $4, fecha_cierre = $5,
			fecha_apertura = $6, fecha_resultados = $7, monto_financiamiento = $8, requisitos = $9, estado = $10,
			descripcion = $11, contacto = $12, sitio_web = $13, area = $14, tipo_fondo = $15, fuente_url = $16,
			updated_at = now()
		WHERE id = $1 AND user_id = $2`,
		id, userID, strings.TrimSpace(rec.Name), strings.TrimSpace(rec.Organization), strings.TrimSpace(rec.ClosingDate),
		nullDate(rec.OpeningDate), nullDate(rec.ResultsDate),
		rec.FundingAmount, rec.Requirements, string(storedStatus(rec.Status)), rec.Description, rec.Contact,
		rec.Website, rec.Area, rec.FundType, rec.SourceURL)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func deleteConvocatoria(ctx context.Context, q execer, userID, id string) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM convocatorias WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) GetConvocatoria(ctx context.Context, userID, id string) (convocatoria.Convocatoria, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+convocatoriaColumns+` FROM convocatorias WHERE id = $1 AND user_id = $2`, id, userID)
	return scanConvocatoria(row)
}

func (s *Store) ListConvocatorias(ctx context.Context, userID string) ([]convocatoria.Convocatoria, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+convocatoriaColumns+` FROM convocatorias WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConvocatorias(rows)
}

// ListClosingBetween returns records of every user whose closing date falls
// in [from, to], soonest first.
func (s *Store) ListClosingBetween(ctx context.Context, from, to time.Time) ([]convocatoria.Convocatoria, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+convocatoriaColumns+` FROM convocatorias
		WHERE fecha_cierre BETWEEN $1::date AND $2::date AND estado IN ('abierto', 'en_evaluacion')
		ORDER BY fecha_cierre ASC, id ASC`,
		from.UTC().Format(convocatoria.DateLayout), to.UTC().Format(convocatoria.DateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConvocatorias(rows)
}

func (s *Store) CountConvocatorias(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM convocatorias WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func scanConvocatorias(rows *sql.Rows) ([]convocatoria.Convocatoria, error) {
	var out []convocatoria.Convocatoria
	for rows.Next() {
		c, err := scanConvocatoria(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConvocatoria(row rowScanner) (convocatoria.Convocatoria, error) {
	var (
		c                convocatoria.Convocatoria
		closing          time.Time
		opening, results sql.NullTime
		status           string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Organization, &closing, &opening, &results,
		&c.FundingAmount, &c.Requirements, &status, &c.Description, &c.Contact, &c.Website, &c.Area,
		&c.FundType, &c.SourceURL, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.ClosingDate = closing.Format(convocatoria.DateLayout)
	if opening.Valid {
		c.OpeningDate = opening.Time.Format(convocatoria.DateLayout)
	}
	if results.Valid {
		c.ResultsDate = results.Time.Format(convocatoria.DateLayout)
	}
	c.Status = convocatoria.Status(status)
	return c, nil
}

func nullDate(s string) any {
	s = strings.TrimSpace(s)
	if !convocatoria.IsISODate(s) {
		return nil
	}
	return s
}

func storedStatus(s convocatoria.Status) convocatoria.Status {
	if normalized := convocatoria.NormalizeStatus(string(s)); normalized != "" {
		return normalized
	}
	return convocatoria.StatusOpen
}
