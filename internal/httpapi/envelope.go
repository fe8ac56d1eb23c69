// Copyright 2024 The msq-tx-monitor Authors
// This file is part of the msq-tx-monitor library.
//
// The msq-tx-monitor library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The msq-tx-monitor library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the msq-tx-monitor library. If not, see <http://www.gnu.org/licenses/>.

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope wraps every successful response. TTL reports the cache class of
// the payload in seconds, zero when the endpoint is uncached.
type Envelope struct {
	Data      interface{}            `json:"data"`
	Filters   map[string]interface{} `json:"filters,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cached    bool                   `json:"cached"`
	TTL       int                    `json:"ttl,omitempty"`
}

// ErrorBody is the error envelope.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
	Method  string `json:"method,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data interface{}, filters map[string]interface{}, cached bool, ttl time.Duration) {
	writeJSON(w, http.StatusOK, Envelope{
		Data:      data,
		Filters:   filters,
		Timestamp: time.Now().UTC(),
		Cached:    cached,
		TTL:       int(ttl / time.Second),
	})
}

func fail(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeJSON(w, status, ErrorBody{
		Error:   kind,
		Message: message,
		Path:    r.URL.Path,
		Method:  r.Method,
	})
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	fail(w, r, http.StatusBadRequest, "bad_request", message)
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	fail(w, r, http.StatusInternalServerError, "internal_error", err.Error())
}
