package ocr

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// AnalyzeRequest is the wire request to the analysis endpoint.
type AnalyzeRequest struct {
	ImageURL string `json:"image_url"`
}

// AnalyzeResponse is the analysis service's wire response.
type AnalyzeResponse struct {
	Success    bool         `json:"success"`
	Data       *AnalyzeData `json:"data,omitempty"`
	Validation *Validation  `json:"validation,omitempty"`
}

// AnalyzeData carries the extracted field tree and the overall confidence.
type AnalyzeData struct {
	DocType    string            `json:"doc_type"`
	Fields     map[string]*Field `json:"fields"`
	Confidence float64           `json:"confidence"`
}

// Validation is the service's receipt/not-a-receipt verdict.
type Validation struct {
	IsValidReceipt bool    `json:"is_valid_receipt"`
	Confidence     float64 `json:"confidence"`
	Message        string  `json:"message"`
	DocType        string  `json:"doc_type"`
}

// FieldKind discriminates the three shapes a Field can take.
type FieldKind int

const (
	KindScalar FieldKind = iota
	KindObject
	KindArray
)

// Field is the recursive tagged value the analysis service emits: a scalar
// with a type and confidence, an object of named children, or an array.
// Exactly one representation is meaningful per node; Kind() decides which.
type Field struct {
	Value       any               `json:"value,omitempty"`
	ValueType   string            `json:"value_type"`
	Confidence  *float64          `json:"confidence,omitempty"`
	ValueObject map[string]*Field `json:"value_object,omitempty"`
	ValueArray  []*Field          `json:"value_array,omitempty"`
}

func (f *Field) Kind() FieldKind {
	switch {
	case f == nil:
		return KindScalar
	case len(f.ValueArray) > 0 || f.ValueType == "array":
		return KindArray
	case len(f.ValueObject) > 0 || f.ValueType == "object":
		return KindObject
	default:
		return KindScalar
	}
}

// AsString returns the scalar as a trimmed string. Unparsable values report
// ok=false rather than erroring; extraction treats them as absent.
func (f *Field) AsString() (string, bool) {
	if f == nil || f.Value == nil {
		return "", false
	}
	switch v := f.Value.(type) {
	case string:
		s := strings.TrimSpace(v)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// AsFloat coerces the scalar to a float, tolerating currency symbols,
// thousands separators and surrounding noise in string values.
func (f *Field) AsFloat() (float64, bool) {
	if f == nil || f.Value == nil {
		return 0, false
	}
	switch v := f.Value.(type) {
	case float64:
		return v, true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		s := cleanNumeric(v)
		if s == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(s, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// dateFormats are tried in order when coercing a scalar to a date.
var dateFormats = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
	"Jan 2, 2006",
}

// AsDate coerces the scalar to a calendar date.
func (f *Field) AsDate() (time.Time, bool) {
	s, ok := f.AsString()
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ArrayItems returns the node's elements under either wire representation:
// a native array node, or an array nested inside a generic scalar value
// (including a JSON-encoded array string). Both yield identical results.
func (f *Field) ArrayItems() []*Field {
	if f == nil {
		return nil
	}
	if len(f.ValueArray) > 0 {
		return f.ValueArray
	}
	switch v := f.Value.(type) {
	case []any:
		items := make([]*Field, 0, len(v))
		for _, el := range v {
			items = append(items, fieldFromAny(el))
		}
		return items
	case string:
		var raw []any
		if err := json.Unmarshal([]byte(v), &raw); err != nil {
			return nil
		}
		items := make([]*Field, 0, len(raw))
		for _, el := range raw {
			items = append(items, fieldFromAny(el))
		}
		return items
	default:
		return nil
	}
}

// ObjectFields returns the node's children under either representation:
// a pre-typed object map, or a plain key->value map inside the scalar value.
func (f *Field) ObjectFields() map[string]*Field {
	if f == nil {
		return nil
	}
	if len(f.ValueObject) > 0 {
		return f.ValueObject
	}
	m, ok := f.Value.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]*Field, len(m))
	for k, v := range m {
		out[k] = fieldFromAny(v)
	}
	return out
}

// fieldFromAny lifts a decoded JSON value into a Field. Maps that carry a
// value_type discriminator are re-decoded as serialized field nodes; plain
// maps and arrays are wrapped recursively; everything else is a scalar.
func fieldFromAny(v any) *Field {
	switch t := v.(type) {
	case map[string]any:
		if _, tagged := t["value_type"]; tagged {
			b, err := json.Marshal(t)
			if err == nil {
				var f Field
				if err := json.Unmarshal(b, &f); err == nil {
					return &f
				}
			}
		}
		obj := make(map[string]*Field, len(t))
		for k, child := range t {
			obj[k] = fieldFromAny(child)
		}
		return &Field{ValueType: "object", ValueObject: obj}
	case []any:
		arr := make([]*Field, 0, len(t))
		for _, el := range t {
			arr = append(arr, fieldFromAny(el))
		}
		return &Field{ValueType: "array", ValueArray: arr}
	default:
		return &Field{ValueType: "string", Value: v}
	}
}

func cleanNumeric(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		case r == ',', r == '$', r == '€', r == '£', r == ' ':
			// separators and currency markers
		default:
			return ""
		}
	}
	return b.String()
}
