package dsl

import (
	"encoding/json"
	"testing"
)

func TestMappingDSLUnmarshal(t *testing.T) {
	raw := []byte(`{
		"preserve": "none",
		"mappings": [
			{"key": "uid", "kind": "jsonPath", "source": "$.u.id"},
			{"key": "msg", "kind": "constant", "value": "hi", "mergeStrategy": "ignore",
			 "dependsOn": ["uid"]}
		]
	}`)
	var m MappingDSL
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Preserve.Mode != PreserveNone {
		t.Fatalf("preserve = %+v", m.Preserve)
	}
	if len(m.Rules) != 2 {
		t.Fatalf("rules = %d", len(m.Rules))
	}
	if m.Rules[0].Kind != KindJSONPath || m.Rules[0].Source != "$.u.id" {
		t.Fatalf("rule 0 = %+v", m.Rules[0])
	}
	if m.Rules[1].MergeStrategy != MergeIgnore || m.Rules[1].DependsOn[0] != "uid" {
		t.Fatalf("rule 1 = %+v", m.Rules[1])
	}
}

func TestPreserveObjectForm(t *testing.T) {
	raw := []byte(`{"preserve": {"mode": "some", "keys": ["a", "b"]}, "mappings": []}`)
	var m MappingDSL
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Preserve.Mode != PreserveSome || len(m.Preserve.Keys) != 2 {
		t.Fatalf("preserve = %+v", m.Preserve)
	}

	out, err := json.Marshal(m.Preserve)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Preserve
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if back.Mode != PreserveSome || len(back.Keys) != 2 {
		t.Fatalf("round-trip = %+v", back)
	}
}
