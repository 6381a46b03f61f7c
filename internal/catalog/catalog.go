// Package catalog is the static registry of filter kinds and their parameter schemas.
//
// The catalog is keyed by a closed enum (Kind). Every place that needs to know which
// parameters a filter takes, single-filter forms and pipeline steps alike, asks the
// catalog instead of branching on the filter name.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind identifies a filter.
type Kind int

const (
	None Kind = iota
	GaussianBlur
	MedianBlur
	BilateralFilter
	ManualThreshold
	OtsuThreshold
	AdaptiveThreshold
	NonLocalMeans
	CLAHE
	GammaCorrection
	UnsharpMask
	AutoEnhance
)

// ParamType is the expected numeric type of a parameter.
type ParamType int

const (
	Float ParamType = iota
	Int
)

func (t ParamType) String() string {
	if t == Int {
		return "int"
	}
	return "float"
}

// Param describes a single filter parameter.
type Param struct {
	Type     ParamType
	Required bool
	Default  float64
}

// Schema maps parameter names to their description.
type Schema map[string]Param

type definition struct {
	name   string
	params []namedParam
}

type namedParam struct {
	name  string
	param Param
}

// definitions is indexed by Kind; the order is the catalog order shown to users.
var definitions = [...]definition{
	None:            {name: "None"},
	GaussianBlur:    {name: "Gaussian Blur"},
	MedianBlur:      {name: "Median Blur"},
	BilateralFilter: {name: "Bilateral Filter"},
	ManualThreshold: {name: "Manual Threshold", params: []namedParam{
		{"threshold", Param{Type: Int, Required: true, Default: 128}},
	}},
	OtsuThreshold: {name: "Otsu Threshold"},
	AdaptiveThreshold: {name: "Adaptive Threshold", params: []namedParam{
		{"blockSize", Param{Type: Int, Required: true, Default: 11}},
		{"C", Param{Type: Float, Required: true, Default: 2}},
	}},
	NonLocalMeans: {name: "Non-Local Means", params: []namedParam{
		{"hStrength", Param{Type: Float, Required: true, Default: 10}},
	}},
	CLAHE: {name: "CLAHE", params: []namedParam{
		{"clipLimit", Param{Type: Float, Required: true, Default: 2}},
	}},
	GammaCorrection: {name: "Gamma Correction", params: []namedParam{
		{"gamma", Param{Type: Float, Required: true, Default: 1.5}},
	}},
	UnsharpMask: {name: "Unsharp Mask", params: []namedParam{
		{"sigma", Param{Type: Float, Required: true, Default: 3}},
		{"strength", Param{Type: Float, Required: true, Default: 1.5}},
	}},
	AutoEnhance: {name: "Auto Enhance"},
}

var byName = func() map[string]Kind {
	m := make(map[string]Kind, len(definitions))
	for i, d := range definitions {
		m[d.name] = Kind(i)
	}
	return m
}()

// Kinds returns every filter kind in catalog order.
func Kinds() []Kind {
	out := make([]Kind, len(definitions))
	for i := range definitions {
		out[i] = Kind(i)
	}
	return out
}

// Valid reports whether k is a catalog member.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(definitions)
}

// String returns the display name, which is also the wire name.
func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return definitions[k].name
}

// Schema returns a copy of the kind's parameter schema.
// Parameterless and invalid kinds return an empty schema.
func (k Kind) Schema() Schema {
	s := make(Schema)
	if !k.Valid() {
		return s
	}
	for _, p := range definitions[k].params {
		s[p.name] = p.param
	}
	return s
}

// ParamNames returns the kind's parameter names in declaration order.
func (k Kind) ParamNames() []string {
	if !k.Valid() {
		return nil
	}
	names := make([]string, len(definitions[k].params))
	for i, p := range definitions[k].params {
		names[i] = p.name
	}
	return names
}

// HasParams reports whether the kind declares any parameters.
func (k Kind) HasParams() bool {
	return k.Valid() && len(definitions[k].params) > 0
}

// Parse resolves a display name to a Kind.
func Parse(name string) (Kind, error) {
	k, ok := byName[name]
	if !ok {
		return None, &UnknownFilterError{Name: name}
	}
	return k, nil
}

// SchemaFor returns the parameter schema for a filter name.
func SchemaFor(name string) (Schema, error) {
	k, err := Parse(name)
	if err != nil {
		return nil, err
	}
	return k.Schema(), nil
}

// Defaults returns a parameter set holding every default value.
func (s Schema) Defaults() map[string]float64 {
	out := make(map[string]float64, len(s))
	for name, p := range s {
		out[name] = p.Default
	}
	return out
}

// Diff reports the required keys absent from params and the keys params carries that the
// schema does not declare. Both slices are sorted.
func (s Schema) Diff(params map[string]float64) (missing, unexpected []string) {
	for name, p := range s {
		if _, ok := params[name]; !ok && p.Required {
			missing = append(missing, name)
		}
	}
	for name := range params {
		if _, ok := s[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected
}

// Validate checks parameter presence only; value ranges are left to the server.
func (s Schema) Validate(filter string, params map[string]float64) error {
	missing, unexpected := s.Diff(params)
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	return &InvalidParametersError{Filter: filter, Missing: missing, Unexpected: unexpected}
}

// Resolve prepares params for execution: absent keys take their default, integer
// parameters are truncated, and undeclared keys are rejected.
func (s Schema) Resolve(filter string, params map[string]float64) (map[string]float64, error) {
	_, unexpected := s.Diff(params)
	if len(unexpected) > 0 {
		return nil, &InvalidParametersError{Filter: filter, Unexpected: unexpected}
	}
	out := s.Defaults()
	for name, v := range params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("parameter %s of %s is not a finite number", name, filter)
		}
		if s[name].Type == Int {
			v = math.Trunc(v)
		}
		out[name] = v
	}
	return out, nil
}

// UnknownFilterError is returned for names that are not in the catalog.
type UnknownFilterError struct {
	Name string
}

func (e *UnknownFilterError) Error() string {
	return fmt.Sprintf("unknown filter %q", e.Name)
}

// IsUnknownFilter reports whether err is an UnknownFilterError.
func IsUnknownFilter(err error) bool {
	var target *UnknownFilterError
	return errors.As(err, &target)
}

// InvalidParametersError names the keys that make a parameter set invalid for a filter.
type InvalidParametersError struct {
	Filter     string
	Missing    []string
	Unexpected []string
}

func (e *InvalidParametersError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Unexpected, ", "))
	}
	return fmt.Sprintf("invalid parameters for %s: %s", e.Filter, strings.Join(parts, "; "))
}

// IsInvalidParameters reports whether err is an InvalidParametersError.
func IsInvalidParameters(err error) bool {
	var target *InvalidParametersError
	return errors.As(err, &target)
}
