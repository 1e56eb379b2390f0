// Package syncqueue holds operations a client queued while offline and
// applies them in FIFO order with bounded retries.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"convocatorias/internal/convocatoria"
	"convocatorias/internal/store"
	"convocatorias/internal/validator"
)

const DefaultMaxAttempts = 3

type Status string

const (
	StatusApplied   Status = "applied"
	StatusDuplicate Status = "duplicate"
	StatusRetrying  Status = "retrying"
	StatusDead      Status = "dead"
)

// Applier applies one operation exactly once per op id.
type Applier interface {
	ApplyOperation(ctx context.Context, userID string, op convocatoria.Operation, recordCap int) (store.ApplyResult, string, error)
}

type Result struct {
	OpID           string                     `json:"op_id"`
	Kind           convocatoria.OperationKind `json:"kind"`
	Status         Status                     `json:"status"`
	ConvocatoriaID string                     `json:"convocatoria_id,omitempty"`
	Attempts       int                        `json:"attempts"`
	Error          string                     `json:"error,omitempty"`
}

type Queue struct {
	Backend     Backend
	Applier     Applier
	MaxAttempts int
	// OnApplied runs after an operation changed the store.
	OnApplied func(ctx context.Context, userID string, op convocatoria.Operation, convocatoriaID string)
}

func New(backend Backend, applier Applier, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{Backend: backend, Applier: applier, MaxAttempts: maxAttempts}
}

func pendingKey(userID string) string    { return fmt.Sprintf("cp:sync:%s:pending", userID) }
func processingKey(userID string) string { return fmt.Sprintf("cp:sync:%s:processing", userID) }
func deadKey(userID string) string       { return fmt.Sprintf("cp:sync:%s:dead", userID) }

// InvalidOperationError names the first operation of a batch that failed
// validation.
type InvalidOperationError struct {
	Index int
	Err   error
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("operation %d: %v", e.Index, e.Err)
}

func (e *InvalidOperationError) Unwrap() error { return e.Err }

// Enqueue validates every operation before appending any of them. Records
// carried by create and update must pass the same field rules as a direct
// save.
func (q *Queue) Enqueue(ctx context.Context, userID string, ops ...convocatoria.Operation) error {
	now := time.Now().UTC()
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return &InvalidOperationError{Index: i, Err: err}
		}
		if op.Kind == convocatoria.OpCreate || op.Kind == convocatoria.OpUpdate {
			if outcome := validator.Validate(op.Record, now); !outcome.IsValid {
				return &InvalidOperationError{Index: i, Err: errors.New(strings.Join(outcome.Errors, " "))}
			}
		}
	}
	for _, op := range ops {
		if err := q.push(ctx, pendingKey(userID), op); err != nil {
			return err
		}
	}
	return nil
}

// Pending counts queued operations, including any left in flight by an
// interrupted flush.
func (q *Queue) Pending(ctx context.Context, userID string) (int64, error) {
	pending, err := q.Backend.Len(ctx, pendingKey(userID))
	if err != nil {
		return 0, err
	}
	inFlight, err := q.Backend.Len(ctx, processingKey(userID))
	if err != nil {
		return 0, err
	}
	return pending + inFlight, nil
}

// Flush drains the operations pending when it starts. A failed operation
// goes back to the tail with one more attempt, or to the dead-letter list
// once MaxAttempts is reached. Non-retryable failures go straight to the
// dead-letter list.
//
// Each operation stays in the processing list until its outcome has been
// recorded. Operations left there by an interrupted flush are put back at
// the head of the queue before the next one starts.
func (q *Queue) Flush(ctx context.Context, userID string, recordCap int) ([]Result, error) {
	pending, processing := pendingKey(userID), processingKey(userID)
	if err := q.restore(ctx, processing, pending); err != nil {
		return nil, err
	}

	n, err := q.Backend.Len(ctx, pending)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, n)
	for i := int64(0); i < n; i++ {
		payload, err := q.Backend.Claim(ctx, pending, processing)
		if errors.Is(err, errEmpty) {
			break
		}
		if err != nil {
			return results, err
		}

		res, err := q.process(ctx, userID, payload, recordCap)
		if err != nil {
			return results, err
		}
		if err := q.Backend.Ack(ctx, processing, payload); err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (q *Queue) process(ctx context.Context, userID string, payload []byte, recordCap int) (Result, error) {
	var op convocatoria.Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("dropping undecodable sync operation")
		if err := q.Backend.Push(ctx, deadKey(userID), payload); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusDead, Error: "undecodable operation"}, nil
	}
	return q.apply(ctx, userID, op, recordCap)
}

func (q *Queue) restore(ctx context.Context, processing, pending string) error {
	for {
		_, err := q.Backend.Restore(ctx, processing, pending)
		if errors.Is(err, errEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (q *Queue) apply(ctx context.Context, userID string, op convocatoria.Operation, recordCap int) (Result, error) {
	op.Attempts++
	res := Result{OpID: op.ID, Kind: op.Kind, ConvocatoriaID: op.ConvocatoriaID, Attempts: op.Attempts}

	applied, id, err := q.Applier.ApplyOperation(ctx, userID, op, recordCap)
	if err == nil {
		switch applied {
		case store.ApplyDuplicate:
			res.Status = StatusDuplicate
			return res, nil
		case store.ApplyNotFound:
			return q.deadLetter(ctx, userID, op, res, errors.New("convocatoria not found"))
		default:
			res.Status = StatusApplied
			res.ConvocatoriaID = id
			if q.OnApplied != nil {
				q.OnApplied(ctx, userID, op, id)
			}
			return res, nil
		}
	}

	if !retryable(err) || op.Attempts >= q.MaxAttempts {
		return q.deadLetter(ctx, userID, op, res, err)
	}
	log.Info().Err(err).Str("user_id", userID).Str("op_id", op.ID).Int("attempt", op.Attempts).Msg("requeuing sync operation")
	if pushErr := q.push(ctx, pendingKey(userID), op); pushErr != nil {
		return res, pushErr
	}
	res.Status = StatusRetrying
	res.Error = err.Error()
	return res, nil
}

func (q *Queue) deadLetter(ctx context.Context, userID string, op convocatoria.Operation, res Result, cause error) (Result, error) {
	log.Warn().Err(cause).Str("user_id", userID).Str("op_id", op.ID).Int("attempts", op.Attempts).Msg("sync operation dead-lettered")
	if err := q.push(ctx, deadKey(userID), op); err != nil {
		return res, err
	}
	res.Status = StatusDead
	res.Error = cause.Error()
	return res, nil
}

// DeadLetters lists operations that will not be retried.
func (q *Queue) DeadLetters(ctx context.Context, userID string) ([]convocatoria.Operation, error) {
	items, err := q.Backend.Range(ctx, deadKey(userID))
	if err != nil {
		return nil, err
	}
	out := make([]convocatoria.Operation, 0, len(items))
	for _, item := range items {
		var op convocatoria.Operation
		if err := json.Unmarshal(item, &op); err != nil {
			continue
		}
		out = append(out, op)
	}
	return out, nil
}

func (q *Queue) push(ctx context.Context, key string, op convocatoria.Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return q.Backend.Push(ctx, key, payload)
}

func retryable(err error) bool {
	return !errors.Is(err, store.ErrRecordCapReached)
}
