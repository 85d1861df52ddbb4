package models

import (
	"encoding/json"
	"testing"
)

func TestWorkUnitID(t *testing.T) {
	tests := []struct {
		unit WorkUnit
		want string
	}{
		{Baseline(1), "bldg0000001up00"},
		{Variant(1, 0), "bldg0000001up01"},
		{Variant(4321, 11), "bldg0004321up12"},
	}

	for _, tt := range tests {
		if got := tt.unit.ID(); got != tt.want {
			t.Errorf("ID() = %s, want %s", got, tt.want)
		}
	}
}

func TestWorkUnitDescriptorTuple(t *testing.T) {
	data, err := json.Marshal([]WorkUnit{Baseline(7), Variant(7, 2)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `[[7,null],[7,2]]` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var units []WorkUnit
	if err := json.Unmarshal([]byte(`[[3,null],[3,0]]`), &units); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !units[0].IsBaseline() || units[1].VariantID == nil || *units[1].VariantID != 0 {
		t.Errorf("decoded units wrong: %+v", units)
	}
}

func TestWorkUnitRejectsBadTuples(t *testing.T) {
	bad := []string{`[1]`, `[null, 1]`, `{"case_id": 1}`, `[1,2,3]`}
	for _, in := range bad {
		var u WorkUnit
		if err := json.Unmarshal([]byte(in), &u); err == nil {
			t.Errorf("expected error for %s", in)
		}
	}
}

func TestWorkUnitKeyDistinguishesBaseline(t *testing.T) {
	if Baseline(5).Key() == Variant(5, 0).Key() {
		t.Error("baseline and variant 0 must have distinct keys")
	}
}
