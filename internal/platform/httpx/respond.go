// Package httpx writes the JSON and RFC7807 bodies of the operational endpoints.
package httpx

import (
	"encoding/json"
	"net/http"
)

// ProblemDependencyUnavailable marks a health check whose backing service did not answer.
const ProblemDependencyUnavailable = "urn:tradebook:problem:dependency-unavailable"

// ProblemDetail is an RFC7807 body.
type ProblemDetail struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
	Instance   string `json:"instance,omitempty"`
	Dependency string `json:"dependency,omitempty"`
}

// JSON writes data with status.
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, "application/json", status, data)
}

// Unavailable answers 503 for the health check at r because dependency failed with err.
func Unavailable(w http.ResponseWriter, r *http.Request, dependency string, err error) {
	p := ProblemDetail{
		Type:       ProblemDependencyUnavailable,
		Title:      dependency + " unavailable",
		Status:     http.StatusServiceUnavailable,
		Dependency: dependency,
	}
	if err != nil {
		p.Detail = err.Error()
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	write(w, "application/problem+json", p.Status, p)
}

func write(w http.ResponseWriter, contentType string, status int, body any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
