package client

import (
	"fmt"
	"time"
)

// StartRequest is the optional body of a start call.
type StartRequest struct {
	MID    string         `json:"mid,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// StartResponse identifies the worker a start call launched.
type StartResponse struct {
	PID  int32  `json:"pid"`
	Kind string `json:"kind"`
	SID  string `json:"sid,omitempty"`
	MID  string `json:"mid,omitempty"`
}

// Worker is one registered worker as the daemon reports it.
type Worker struct {
	PID       int32     `json:"pid"`
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	Lifecycle string    `json:"lifecycle"`
	State     string    `json:"state"`
	Deadline  time.Time `json:"deadline"`
	Healthy   bool      `json:"healthy"`
}

// SweepResult is the healthcheck response.
type SweepResult struct {
	Removed []int32  `json:"removed"`
	Workers []Worker `json:"workers"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for every non-200 response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
