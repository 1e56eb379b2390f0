package convocatoria

import (
	"testing"

	"github.com/google/uuid"
)

func TestIsISODate(t *testing.T) {
	tests := map[string]bool{
		"2025-12-31":  true,
		" 2025-01-01": true,
		"2025-02-30":  false,
		"31-12-2025":  false,
		"2025-1-1":    false,
		"":            false,
	}
	for input, want := range tests {
		if got := IsISODate(input); got != want {
			t.Fatalf("IsISODate(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	if NormalizeStatus("Open") != StatusOpen {
		t.Fatalf("expected open mapping")
	}
	if NormalizeStatus("en evaluación") != StatusUnderReview {
		t.Fatalf("expected under review mapping")
	}
	if NormalizeStatus("pendiente") != "" {
		t.Fatalf("expected unknown status to map to empty")
	}
}

func TestOperationValidate(t *testing.T) {
	valid := CandidateRecord{Name: "Fondo", Organization: "ANID", ClosingDate: "2025-05-05"}
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{name: "create", op: Operation{ID: uuid.NewString(), Kind: OpCreate, Record: valid}},
		{name: "create invalid record", op: Operation{ID: uuid.NewString(), Kind: OpCreate}, wantErr: true},
		{name: "update needs id", op: Operation{ID: uuid.NewString(), Kind: OpUpdate, Record: valid}, wantErr: true},
		{name: "delete", op: Operation{ID: uuid.NewString(), Kind: OpDelete, ConvocatoriaID: uuid.NewString()}},
		{name: "bad op id", op: Operation{ID: "1", Kind: OpDelete, ConvocatoriaID: uuid.NewString()}, wantErr: true},
		{name: "unknown kind", op: Operation{ID: uuid.NewString(), Kind: "merge"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.op.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}
