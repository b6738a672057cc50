// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"testing"

	"github.com/sapcc/go-bits/easypg"

	"github.com/sapcc/horreum/internal/db"
	"github.com/sapcc/horreum/internal/test"
)

func TestMain(m *testing.M) {
	easypg.WithTestDB(m, func() int { return m.Run() })
}

func mustT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func mustFailT(t *testing.T, err, expected error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected to fail with %q, but got no error", expected.Error())
	} else if err.Error() != expected.Error() {
		t.Errorf("expected to fail with %q, but failed with %q", expected.Error(), err.Error())
	}
}

func p2s(x string) *string {
	return &x
}

func p2i32(x int32) *int32 {
	return &x
}

// mustCreateProvider creates a provider with the next UUID from the
// deterministic sequence.
func mustCreateProvider(t *testing.T, s test.Setup, name string, parentUUID *string) db.ResourceProvider {
	t.Helper()
	provider, err := CreateResourceProvider(s.DB, s.UUIDs.Next(), name, parentUUID)
	mustT(t, err)
	return provider
}

// mustSetTraits replaces the provider's trait set, creating custom traits on
// the fly. The provider struct is updated to the new generation.
func mustSetTraits(t *testing.T, s test.Setup, provider *db.ResourceProvider, traitNames ...string) {
	t.Helper()
	for _, traitName := range traitNames {
		_, _, err := s.Registries.Traits.Ensure(s.DB, traitName)
		mustT(t, err)
	}
	updated, err := ReplaceProviderTraits(s.DB, s.Registries, provider.UUID, provider.Generation, traitNames)
	mustT(t, err)
	*provider = updated
}

// mustSetAggregates replaces the provider's aggregate memberships. The
// provider struct is updated to the new generation.
func mustSetAggregates(t *testing.T, s test.Setup, provider *db.ResourceProvider, aggregateUUIDs ...string) {
	t.Helper()
	updated, err := ReplaceProviderAggregates(s.DB, provider.UUID, provider.Generation, aggregateUUIDs)
	mustT(t, err)
	*provider = updated
}

// mustSetInventory upserts one inventory, creating custom resource classes on
// the fly. The provider struct is updated to the new generation.
func mustSetInventory(t *testing.T, s test.Setup, provider *db.ResourceProvider, className string, spec InventorySpec) {
	t.Helper()
	_, _, err := s.Registries.ResourceClasses.Ensure(s.DB, className)
	mustT(t, err)
	updated, err := UpsertInventory(s.DB, s.Registries, provider.UUID, className, provider.Generation, spec)
	mustT(t, err)
	*provider = updated
}

// simpleInventory returns a spec without unit constraints or overcommit.
func simpleInventory(total uint64) InventorySpec {
	return InventorySpec{Total: total, MinUnit: 1, MaxUnit: total, StepSize: 1, AllocationRatio: 1.0}
}

func providerNames(providers []db.ResourceProvider) []string {
	names := make([]string, len(providers))
	for idx, provider := range providers {
		names[idx] = provider.Name
	}
	return names
}
