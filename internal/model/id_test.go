package model

import (
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeRequest, IDTypeAttempt, IDTypeBatch} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", idType, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID %q does not validate", id)
		}
		parsed, err := ParseIDType(id)
		if err != nil {
			t.Fatalf("ParseIDType(%s): %v", id, err)
		}
		if parsed != idType {
			t.Errorf("ParseIDType(%s) = %s, want %s", id, parsed, idType)
		}
	}
}

func TestGenerateIDInvalidType(t *testing.T) {
	if _, err := GenerateID("call"); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID(IDTypeAttempt)
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestParseIDTimestamp(t *testing.T) {
	before := time.Now().Add(-2 * time.Second)
	id, err := GenerateID(IDTypeRequest)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatal(err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(2*time.Second)) {
		t.Errorf("timestamp %v out of range", ts)
	}

	if _, err := ParseIDTimestamp("not_an_id"); err == nil {
		t.Error("expected error for malformed ID")
	}
}
