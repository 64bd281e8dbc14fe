package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseEntityType(t *testing.T) {
	for _, s := range []string{"farms", "animals", "profile"} {
		et, err := ParseEntityType(s)
		if err != nil {
			t.Errorf("ParseEntityType(%q) failed: %v", s, err)
		}
		if string(et) != s {
			t.Errorf("ParseEntityType(%q) = %q", s, et)
		}
	}
	if _, err := ParseEntityType("tractors"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"create", "update", "delete"} {
		a, err := ParseAction(s)
		if err != nil {
			t.Errorf("ParseAction(%q) failed: %v", s, err)
		}
		if string(a) != s {
			t.Errorf("ParseAction(%q) = %q", s, a)
		}
	}
	if _, err := ParseAction("upsert"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestRegistryCoversAllTypes(t *testing.T) {
	tables := Tables()
	if len(tables) != 3 {
		t.Fatalf("expected 3 registered tables, got %d", len(tables))
	}
	for _, tbl := range tables {
		e := tbl.New()
		if e.Type() != tbl.Entity {
			t.Errorf("table %s: New() returned type %s", tbl.Entity, e.Type())
		}
		if len(e.FieldValues()) != len(tbl.Fields) {
			t.Errorf("table %s: %d field values for %d columns", tbl.Entity, len(e.FieldValues()), len(tbl.Fields))
		}
		if len(e.FieldPointers()) != len(tbl.Fields) {
			t.Errorf("table %s: %d field pointers for %d columns", tbl.Entity, len(e.FieldPointers()), len(tbl.Fields))
		}
	}
}

func TestProfileResourceName(t *testing.T) {
	tbl, ok := TableFor(EntityProfile)
	if !ok {
		t.Fatal("profile not registered")
	}
	if tbl.Resource != "farmers" {
		t.Errorf("profile resource = %q, want farmers", tbl.Resource)
	}
}

func TestPayloadRoundTripPreservesIdentity(t *testing.T) {
	f := &Farm{Name: "Bessie Acres", Location: "hill paddock"}
	f.SetEntityID("tmp-1")
	f.SetTempID("tmp-1")
	f.SetState(StatePending)

	data, err := EncodePayload(f)
	if err != nil {
		t.Fatalf("EncodePayload failed: %v", err)
	}

	e, err := DecodePayload(EntityFarm, data)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	got := e.(*Farm)
	if got.EntityID() != "tmp-1" || got.TempID() != "tmp-1" || got.Name != "Bessie Acres" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	// Sync state is local bookkeeping, never serialized
	if got.State() != "" {
		t.Errorf("sync state leaked into payload: %q", got.State())
	}
}

func TestWireFormatUsesMongoStyleID(t *testing.T) {
	a := &Animal{Name: "Clover"}
	a.SetEntityID("a1")

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"_id":"a1"`) {
		t.Errorf("wire format missing _id: %s", s)
	}
	if strings.Contains(s, "sync") {
		t.Errorf("wire format leaks sync state: %s", s)
	}
}

func TestValidateRequiresIDAndName(t *testing.T) {
	f := &Farm{Name: "ok"}
	if err := f.Validate(); err == nil {
		t.Error("farm without id should fail validation")
	}
	f.SetEntityID("f1")
	if err := f.Validate(); err != nil {
		t.Errorf("valid farm rejected: %v", err)
	}
	f.Name = ""
	if err := f.Validate(); err == nil {
		t.Error("farm without name should fail validation")
	}
}
