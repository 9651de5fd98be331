package dsl

import "encoding/json"

// MergeStrategy controls how a rule's resolved value is written into
// the accumulator at Key.
type MergeStrategy string

const (
	// MergeOverwrite always sets Key to the resolved value.
	MergeOverwrite MergeStrategy = "overwrite"
	// MergeIgnore sets Key only if it is currently absent.
	MergeIgnore MergeStrategy = "ignore"
	// MergeAppend ensures Key holds an array and pushes the value.
	MergeAppend MergeStrategy = "append"
	// MergeMerge shallow-merges object fields into Key, falling back to
	// MergeOverwrite when either side is not an object.
	MergeMerge MergeStrategy = "merge"
)

// RuleKind selects which resolver produces a rule's value.
type RuleKind string

const (
	KindConstant   RuleKind = "constant"
	KindJSONPath   RuleKind = "jsonPath"
	KindExpr       RuleKind = "expr"
	KindTemplate   RuleKind = "template"
	KindSubMapping RuleKind = "subMapping"
	KindFormField  RuleKind = "formField"
)

// Rule is one step of a MappingDSL: resolve a value via Kind's payload,
// then write it into the accumulator at Key using MergeStrategy.
type Rule struct {
	Key           string        `json:"key"`
	Kind          RuleKind      `json:"kind"`
	MergeStrategy MergeStrategy `json:"mergeStrategy,omitempty"`
	DependsOn     []string      `json:"dependsOn,omitempty"`
	Condition     *ChoiceLogic  `json:"condition,omitempty"`

	// Constant
	Value interface{} `json:"value,omitempty"`
	// JsonPath
	Source string `json:"source,omitempty"`
	// Expr
	Transform string `json:"transform,omitempty"`
	// Template
	Template string `json:"template,omitempty"`
	// SubMapping
	SubMappings []Rule `json:"subMappings,omitempty"`
	// FormField
	FieldName    string      `json:"fieldName,omitempty"`
	DefaultValue interface{} `json:"defaultValue,omitempty"`
}

// Preserve controls which input keys survive unchanged into the
// accumulator before any rule runs.
type Preserve struct {
	Mode PreserveMode
	Keys []string
}

// PreserveMode enumerates the three preserve behaviors.
type PreserveMode string

const (
	PreserveAll  PreserveMode = "all"
	PreserveNone PreserveMode = "none"
	PreserveSome PreserveMode = "some"
)

// MappingDSL is an ordered list of Rules plus a Preserve policy,
// attached to a state's InputMapping/OutputMapping.
type MappingDSL struct {
	Namespace   string   `json:"namespace,omitempty"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Preserve    Preserve `json:"preserve,omitempty"`
	Debug       bool     `json:"debug,omitempty"`
	Rules       []Rule   `json:"mappings"`
}

type rawPreserve struct {
	Mode string   `json:"mode"`
	Keys []string `json:"keys,omitempty"`
}

// UnmarshalJSON accepts either the bare strings "all"/"none" or an
// object {"mode":"some","keys":[...]}.
func (p *Preserve) UnmarshalJSON(b []byte) error {
	trimmed := bytesTrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		p.Mode = PreserveMode(s)
		return nil
	}
	var raw rawPreserve
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Mode = PreserveMode(raw.Mode)
	p.Keys = raw.Keys
	return nil
}

// MarshalJSON mirrors UnmarshalJSON's two accepted shapes.
func (p Preserve) MarshalJSON() ([]byte, error) {
	if p.Mode == PreserveSome {
		return json.Marshal(rawPreserve{Mode: string(p.Mode), Keys: p.Keys})
	}
	mode := p.Mode
	if mode == "" {
		mode = PreserveNone
	}
	return json.Marshal(string(mode))
}

func bytesTrimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isJSONSpace(b[i]) {
		i++
	}
	for j > i && isJSONSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
