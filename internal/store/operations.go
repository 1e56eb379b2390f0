package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"convocatorias/internal/convocatoria"
)

// ApplyResult describes what ApplyOperation did with a queued operation.
type ApplyResult string

const (
	ApplyApplied   ApplyResult = "applied"
	ApplyDuplicate ApplyResult = "duplicate"
	ApplyNotFound  ApplyResult = "not_found"
)

// ErrRecordCapReached is returned when a create would exceed the caller's
// record cap.
var ErrRecordCapReached = errors.New("record cap reached")

// ApplyOperation applies one client operation exactly once. The op id is
// recorded in the same transaction as the change, so a replayed op reports
// ApplyDuplicate without touching convocatorias. recordCap <= 0 disables the
// create limit.
func (s *Store) ApplyOperation(ctx context.Context, userID string, op convocatoria.Operation, recordCap int) (ApplyResult, string, error) {
	if err := op.Validate(); err != nil {
		return "", "", err
	}
	var (
		result ApplyResult
		id     = op.ConvocatoriaID
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_operations (op_id, user_id, kind, convocatoria_id)
			VALUES ($1, $2, $3, NULLIF($4, '')::uuid)
			ON CONFLICT (op_id) DO NOTHING`,
			op.ID, userID, string(op.Kind), op.ConvocatoriaID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result = ApplyDuplicate
			return nil
		}

		switch op.Kind {
		case convocatoria.OpCreate:
			if recordCap > 0 {
				var count int
				if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM convocatorias WHERE user_id = $1`, userID).Scan(&count); err != nil {
					return err
				}
				if count >= recordCap {
					return ErrRecordCapReached
				}
			}
			created, err := insertConvocatoria(ctx, tx, userID, op.ConvocatoriaID, op.Record)
			if err != nil {
				return err
			}
			id = created.ID
			if _, err := tx.ExecContext(ctx, `UPDATE sync_operations SET convocatoria_id = $2 WHERE op_id = $1`, op.ID, id); err != nil {
				return err
			}
			result = ApplyApplied
		case convocatoria.OpUpdate:
			ok, err := updateConvocatoria(ctx, tx, userID, op.ConvocatoriaID, op.Record)
			if err != nil {
				return err
			}
			result = appliedOrMissing(ok)
		case convocatoria.OpDelete:
			ok, err := deleteConvocatoria(ctx, tx, userID, op.ConvocatoriaID)
			if err != nil {
				return err
			}
			result = appliedOrMissing(ok)
		default:
			return fmt.Errorf("unsupported operation kind %q", op.Kind)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return result, id, nil
}

func appliedOrMissing(ok bool) ApplyResult {
	if ok {
		return ApplyApplied
	}
	return ApplyNotFound
}
