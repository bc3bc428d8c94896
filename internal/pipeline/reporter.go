package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StepStatus is one step's progress status (spec §4.4).
type StepStatus string

const (
	StatusInProgress StepStatus = "in_progress"
	StatusDone       StepStatus = "done"
	StatusError      StepStatus = "error"
)

// ProgressReporter receives step progress and the single fatal error a
// pipeline run can produce (spec §4.4 Reporter abstraction).
type ProgressReporter interface {
	Progress(step, label string, status StepStatus, detail string)
	Error(msg string, httpStatus int, step string)
}

// JSONReporter accumulates progress silently and remembers only the first
// error, for POST /sessions/create's single JSON response.
type JSONReporter struct {
	HTTPStatus int
	Step       string
	Err        error
}

// Progress is a no-op for JSONReporter: callers inspect Err after Run.
func (r *JSONReporter) Progress(step, label string, status StepStatus, detail string) {}

// Error records the first error only (spec §4.4: "first error wins").
func (r *JSONReporter) Error(msg string, httpStatus int, step string) {
	if r.Err != nil {
		return
	}
	r.Err = fmt.Errorf("%s", msg)
	r.HTTPStatus = httpStatus
	r.Step = step
}

// progressEvent is one Server-Sent event payload.
type progressEvent struct {
	Step   string     `json:"step"`
	Label  string     `json:"label"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// errorEvent is the terminal SSE payload on failure.
type errorEvent struct {
	Message    string `json:"message"`
	HTTPStatus int    `json:"httpStatus,omitempty"`
	Step       string `json:"step,omitempty"`
}

// SSEReporter streams progress/done/error events for
// POST /sessions/create-stream, using http.Flusher after every write so
// the browser sees each step as it happens.
type SSEReporter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEReporter wraps w, setting the headers required for an SSE stream.
func NewSSEReporter(w http.ResponseWriter) *SSEReporter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &SSEReporter{w: w, flusher: flusher}
}

func (r *SSEReporter) writeEvent(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(r.w, "event: %s\ndata: %s\n\n", name, data)
	if r.flusher != nil {
		r.flusher.Flush()
	}
}

func (r *SSEReporter) Progress(step, label string, status StepStatus, detail string) {
	r.writeEvent("progress", progressEvent{Step: step, Label: label, Status: status, Detail: detail})
	if status == StatusDone && step == "launching_cli" {
		r.writeEvent("done", struct{}{})
	}
}

func (r *SSEReporter) Error(msg string, httpStatus int, step string) {
	r.writeEvent("error", errorEvent{Message: msg, HTTPStatus: httpStatus, Step: step})
}
