package convocatoria

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// Operation is a client-side change queued while offline. ID is generated by
// the client and makes re-delivery idempotent.
type Operation struct {
	ID             string          `json:"op_id"`
	Kind           OperationKind   `json:"kind"`
	ConvocatoriaID string          `json:"convocatoria_id,omitempty"`
	Record         CandidateRecord `json:"convocatoria"`
	Attempts       int             `json:"attempts,omitempty"`
}

func (op Operation) Validate() error {
	if _, err := uuid.Parse(strings.TrimSpace(op.ID)); err != nil {
		return errors.New("op_id must be a uuid")
	}
	switch op.Kind {
	case OpCreate:
		if !op.Record.IsValid() {
			return errors.New("create requires a valid convocatoria")
		}
		if op.ConvocatoriaID != "" {
			if _, err := uuid.Parse(op.ConvocatoriaID); err != nil {
				return errors.New("convocatoria_id must be a uuid")
			}
		}
	case OpUpdate:
		if !op.Record.IsValid() {
			return errors.New("update requires a valid convocatoria")
		}
		fallthrough
	case OpDelete:
		if _, err := uuid.Parse(op.ConvocatoriaID); err != nil {
			return errors.New("convocatoria_id must be a uuid")
		}
	default:
		return errors.New("unknown operation kind")
	}
	return nil
}
