// Package problem emits RFC 7807 responses carrying the request's trace
// identifier.
package problem

import (
	"encoding/json"
	"net/http"
)

// Response represents an RFC 7807 problem document.
type Response struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
}

// ContentType is the media type of problem documents.
const ContentType = "application/problem+json"

// Write emits a problem+json response.
func Write(w http.ResponseWriter, status int, title, detail, traceID, instance string) {
	WriteResponse(w, Response{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
		TraceID:  traceID,
	})
}

// WriteResponse emits resp, defaulting Type and Title from Status.
func WriteResponse(w http.ResponseWriter, resp Response) {
	if resp.Status == 0 {
		resp.Status = http.StatusInternalServerError
	}
	if resp.Type == "" {
		resp.Type = "about:blank"
	}
	if resp.Title == "" {
		resp.Title = http.StatusText(resp.Status)
	}

	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(resp)
}
