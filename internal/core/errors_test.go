// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core_test

import (
	"fmt"
	"testing"

	"github.com/sapcc/go-bits/assert"

	"github.com/sapcc/horreum/internal/core"
)

func TestEngineErrorRendering(t *testing.T) {
	err := core.NotFoundError("resource provider", "4fca2f0a-5d05-4e22-a826-51cf0a6a5a55")
	assert.Equal(t, err.Error(), `not found: resource provider "4fca2f0a-5d05-4e22-a826-51cf0a6a5a55"`)

	err = core.ValidationError("total must be positive")
	assert.Equal(t, err.Error(), "validation error: total must be positive")

	generation := int32(5)
	err = core.ConcurrentUpdateError("consumer", "4fca2f0a-5d05-4e22-a826-51cf0a6a5a55", &generation)
	assert.Equal(t, err.Error(), `concurrent update: consumer "4fca2f0a-5d05-4e22-a826-51cf0a6a5a55": generation mismatch (current generation is 5)`)

	// a nil generation means "this object does not exist, so there is no
	// generation to report"
	err = core.ConcurrentUpdateError("consumer", "4fca2f0a-5d05-4e22-a826-51cf0a6a5a55", nil)
	assert.Equal(t, err.Error(), `concurrent update: consumer "4fca2f0a-5d05-4e22-a826-51cf0a6a5a55": generation mismatch`)

	err = core.CapacityExceededError("usage %d of class %s on provider %s exceeds the effective capacity %d", 12, "VCPU", "host1", 8)
	assert.Equal(t, err.Error(), "capacity exceeded: usage 12 of class VCPU on provider host1 exceeds the effective capacity 8")
}

func TestErrorKindClassification(t *testing.T) {
	err := core.NotFoundError("trait", "CUSTOM_FOO")
	assert.Equal(t, core.KindOf(err), core.ErrNotFound)
	if !core.IsKind(err, core.ErrNotFound) {
		t.Error("IsKind does not match the error's own kind")
	}
	if core.IsKind(err, core.ErrValidation) {
		t.Error("IsKind matches a foreign kind")
	}

	// classification looks through wrapping
	wrapped := fmt.Errorf("while applying seed: %w", err)
	assert.Equal(t, core.KindOf(wrapped), core.ErrNotFound)

	// non-engine errors count as internal
	assert.Equal(t, core.KindOf(fmt.Errorf("sql: connection refused")), core.ErrInternal)
}
