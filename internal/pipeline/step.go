package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tjfontaine/darkroom/internal/catalog"
)

// FilterStep is a single filter invocation. It is immutable: parameters are copied on
// construction and on every read.
type FilterStep struct {
	filter catalog.Kind
	params map[string]float64
}

// NewStep creates a step without validating params. Use Builder.Append for validated steps.
func NewStep(filter catalog.Kind, params map[string]float64) FilterStep {
	return FilterStep{filter: filter, params: copyParams(params)}
}

// Filter returns the step's filter kind.
func (s FilterStep) Filter() catalog.Kind {
	return s.filter
}

// Params returns a copy of the step's parameters. Never nil.
func (s FilterStep) Params() map[string]float64 {
	return copyParams(s.params)
}

// Param returns a single parameter value.
func (s FilterStep) Param(name string) (float64, bool) {
	v, ok := s.params[name]
	return v, ok
}

// Equal compares steps by content.
func (s FilterStep) Equal(o FilterStep) bool {
	if s.filter != o.filter || len(s.params) != len(o.params) {
		return false
	}
	for k, v := range s.params {
		if ov, ok := o.params[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders the step as "Name {k: v, ...}" with keys sorted.
func (s FilterStep) String() string {
	if len(s.params) == 0 {
		return s.filter.String()
	}
	keys := make([]string, 0, len(s.params))
	for k := range s.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + strconv.FormatFloat(s.params[k], 'g', -1, 64)
	}
	return fmt.Sprintf("%s {%s}", s.filter, strings.Join(parts, ", "))
}

func copyParams(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
