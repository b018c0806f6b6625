package main

import (
	"encoding/json"
	"net/http"
	"time"
)

// Response is a generic JSON response structure
type Response struct {
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

func writeResponse(w http.ResponseWriter, resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Limited is governed by the global policy
func Limited(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, Response{
		Message: "This endpoint is rate limited",
		Data: map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
		},
	})
}

// Unlimited is mapped to a disabled route policy
func Unlimited(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, Response{
		Message: "This endpoint is not rate limited",
		Data: map[string]any{
			"path": r.URL.Path,
		},
	})
}

// CustomLimit is governed by its own, stricter route policy
func CustomLimit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		q = "all"
	}
	writeResponse(w, Response{
		Message: "This endpoint has a custom rate limit",
		Data: map[string]any{
			"query":   q,
			"results": []string{"result1", "result2", "result3"},
		},
	})
}
