// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"testing"

	"github.com/sapcc/go-bits/easypg"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/datamodel"
	"github.com/sapcc/horreum/internal/db"
	"github.com/sapcc/horreum/internal/test"
)

const (
	consumerOne   = "11111111-1111-1111-1111-111111111111"
	consumerTwo   = "22222222-2222-2222-2222-222222222222"
	consumerThree = "33333333-3333-3333-3333-333333333333"
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

// mustCreateProvider creates a root provider with the next UUID from the
// deterministic sequence.
func mustCreateProvider(t *testing.T, s test.Setup, name string) db.ResourceProvider {
	t.Helper()
	provider, err := datamodel.CreateResourceProvider(s.DB, s.UUIDs.Next(), name, nil)
	mustT(t, err)
	return provider
}

// mustSetInventory upserts one inventory, creating custom resource classes on
// the fly. The provider struct is updated to the new generation.
func mustSetInventory(t *testing.T, s test.Setup, provider *db.ResourceProvider, className string, spec datamodel.InventorySpec) {
	t.Helper()
	_, _, err := s.Registries.ResourceClasses.Ensure(s.DB, className)
	mustT(t, err)
	updated, err := datamodel.UpsertInventory(s.DB, s.Registries, provider.UUID, className, provider.Generation, spec)
	mustT(t, err)
	*provider = updated
}

// simpleInventory returns a spec without unit constraints or overcommit.
func simpleInventory(total uint64) datamodel.InventorySpec {
	return datamodel.InventorySpec{Total: total, MinUnit: 1, MaxUnit: total, StepSize: 1, AllocationRatio: 1.0}
}

// mustCommit creates a consumer that holds the given allocations on a single
// provider.
func mustCommit(t *testing.T, s test.Setup, consumerUUID, providerUUID string, resources map[string]uint64) {
	t.Helper()
	err := datamodel.CommitAllocations(s.Ctx, s.DB, s.Registries, s.Clock.Now, []core.CommitConsumer{{
		UUID:         consumerUUID,
		ProjectID:    "project-one",
		UserID:       "user-one",
		ConsumerType: "INSTANCE",
		Allocations: map[string]core.CommitAllocation{
			providerUUID: {Resources: resources},
		},
	}})
	mustT(t, err)
}

// mustOrphan creates a consumer and immediately releases its allocations
// again, leaving only the bare consumer record behind.
func mustOrphan(t *testing.T, s test.Setup, consumerUUID, providerUUID string) {
	t.Helper()
	mustCommit(t, s, consumerUUID, providerUUID, map[string]uint64{"VCPU": 1})
	mustT(t, datamodel.DeleteAllocationsForConsumer(s.Ctx, s.DB, s.Clock.Now, consumerUUID))
}
