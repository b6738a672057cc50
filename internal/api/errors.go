// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/horreum/internal/core"
)

// statusForErrorKind maps engine error kinds to HTTP status codes.
func statusForErrorKind(kind core.ErrorKind) int {
	switch kind {
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrValidation:
		return http.StatusBadRequest
	case core.ErrConcurrentUpdate, core.ErrCapacityExceeded, core.ErrInvariantViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondWithEngineError is like respondwith.ErrorText, but renders engine
// errors with their defined status code instead of a 500. Returns true if an
// error response was written.
func respondWithEngineError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	status := statusForErrorKind(core.KindOf(err))
	if status == http.StatusInternalServerError {
		// unexpected errors take the logging path
		return respondwith.ErrorText(w, err)
	}
	http.Error(w, err.Error(), status)
	return true
}
