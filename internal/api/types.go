// Package api defines the JSON wire types shared by the editing server and its clients.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Status is the outcome marker carried by every JSON response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Envelope is the part every response shares.
type Envelope struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Multipart form fields of POST /api/sessions.
const (
	UploadFilesField = "files[]"
	// UploadReplacesField names a previous session the server may delete once the new
	// one exists.
	UploadReplacesField = "replaces"
)

// UploadResponse answers POST /api/sessions.
type UploadResponse struct {
	Envelope
	SessionID string `json:"sessionId,omitempty"`
	Uploaded  int    `json:"uploaded,omitempty"`
}

// CurrentImageResponse answers GET /api/sessions/{sid}/current.
type CurrentImageResponse struct {
	Envelope
	ImageID        string `json:"imageId,omitempty"`
	Filename       string `json:"filename,omitempty"`
	PositionIndex  int    `json:"positionIndex"`
	TotalImages    int    `json:"totalImages"`
	LastFilterName string `json:"lastFilterName,omitempty"`
}

// NavigateResponse answers next/prev.
type NavigateResponse struct {
	Envelope
	PositionIndex int `json:"positionIndex"`
}

// ApplyFilterRequest is the body of POST /api/sessions/{sid}/filter.
type ApplyFilterRequest struct {
	FilterName string                `json:"filterName"`
	Params     map[string]ParamValue `json:"params,omitempty"`
}

// PipelineStep is one entry of a pipeline request.
type PipelineStep struct {
	FilterName string                `json:"filterName"`
	Params     map[string]ParamValue `json:"params,omitempty"`
}

// PipelineRequest is the body of POST /api/sessions/{sid}/pipeline.
type PipelineRequest struct {
	Steps []PipelineStep `json:"steps"`
}

// ApplyResponse answers filter and pipeline applies.
type ApplyResponse struct {
	Envelope
	ImageID           string `json:"imageId,omitempty"`
	TentativeResultID string `json:"tentativeResultId,omitempty"`
	FilterName        string `json:"filterName,omitempty"`
}

// ConfirmRequest is the body of POST /api/sessions/{sid}/confirm.
type ConfirmRequest struct {
	TentativeResultID string `json:"tentativeResultId"`
}

// MessageResponse is a response with nothing but a status and message.
type MessageResponse struct {
	Envelope
}

// ExportResponse answers POST /api/sessions/{sid}/export.
type ExportResponse struct {
	Envelope
	Exported int `json:"exported"`
}

// ParamValue is a numeric filter parameter. It decodes from a JSON number or from a
// string holding a number, since form-driven clients send either.
type ParamValue float64

// UnmarshalJSON implements json.Unmarshaler.
func (v *ParamValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("parameter value %q is not a number", s)
		}
		*v = ParamValue(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parameter value %s is not a number", string(data))
	}
	*v = ParamValue(f)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v ParamValue) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("parameter value %v is not finite", f)
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// ToParams converts wire params to plain floats.
func ToParams(in map[string]ParamValue) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = float64(v)
	}
	return out
}

// FromParams converts plain floats to wire params.
func FromParams(in map[string]float64) map[string]ParamValue {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]ParamValue, len(in))
	for k, v := range in {
		out[k] = ParamValue(v)
	}
	return out
}
