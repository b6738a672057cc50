// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package datamodel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sapcc/go-bits/assert"
	"github.com/sapcc/go-bits/easypg"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
	"github.com/sapcc/horreum/internal/test"
)

func TestUpsertInventory(t *testing.T) {
	s := test.NewSetup(t)
	provider := mustCreateProvider(t, s, "compute0", nil)

	tr, tr0 := easypg.NewTracker(t, s.DB.Db)
	tr0.Ignore()

	updated, err := UpsertInventory(s.DB, s.Registries, provider.UUID, "VCPU", 0, InventorySpec{
		Total: 48, Reserved: 2, MinUnit: 1, MaxUnit: 8, StepSize: 1, AllocationRatio: 1.5,
	})
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(1))
	tr.DBChanges().AssertEqualf(`
		INSERT INTO inventories (id, resource_provider_id, resource_class_id, total, reserved, min_unit, max_unit, step_size, allocation_ratio) VALUES (1, 1, 1, 48, 2, 1, 8, 1, 1.5);
		UPDATE resource_providers SET generation = 1 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)

	inventories, err := ListInventories(s.DB, s.Registries, provider.ID)
	mustT(t, err)
	assert.DeepEqual(t, "inventories after upsert", inventories, map[string]db.Inventory{
		"VCPU": {ID: 1, ResourceProviderID: 1, ResourceClassID: 1, Total: 48, Reserved: 2, MinUnit: 1, MaxUnit: 8, StepSize: 1, AllocationRatio: 1.5},
	})

	// upserting an existing inventory updates the row in place
	updated, err = UpsertInventory(s.DB, s.Registries, provider.UUID, "VCPU", 1, InventorySpec{
		Total: 64, Reserved: 2, MinUnit: 1, MaxUnit: 8, StepSize: 1, AllocationRatio: 1.5,
	})
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(2))
	tr.DBChanges().AssertEqualf(`
		UPDATE inventories SET total = 64 WHERE id = 1 AND resource_provider_id = 1 AND resource_class_id = 1;
		UPDATE resource_providers SET generation = 2 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)

	// custom resource classes work like standard ones once registered
	_, _, err = s.Registries.ResourceClasses.Ensure(s.DB, "CUSTOM_GOLD")
	mustT(t, err)
	tr.DBChanges().AssertEqualf(`
		INSERT INTO resource_classes (id, name) VALUES (22, 'CUSTOM_GOLD');
	`)
	updated, err = UpsertInventory(s.DB, s.Registries, provider.UUID, "CUSTOM_GOLD", 2, simpleInventory(10))
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(3))
	tr.DBChanges().AssertEqualf(`
		INSERT INTO inventories (id, resource_provider_id, resource_class_id, total, reserved, min_unit, max_unit, step_size, allocation_ratio) VALUES (2, 1, 22, 10, 0, 1, 10, 1, 1);
		UPDATE resource_providers SET generation = 3 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)

	// field constraints are checked before anything is written
	expectSpecError := func(spec InventorySpec, expected string) {
		t.Helper()
		_, err := UpsertInventory(s.DB, s.Registries, provider.UUID, "VCPU", 3, spec)
		mustFailT(t, err, errors.New(expected))
	}
	expectSpecError(InventorySpec{Total: 0, MinUnit: 1, MaxUnit: 1, StepSize: 1, AllocationRatio: 1},
		`validation error: inventory of VCPU: total must be positive`)
	expectSpecError(InventorySpec{Total: 8, Reserved: 9, MinUnit: 1, MaxUnit: 8, StepSize: 1, AllocationRatio: 1},
		`validation error: inventory of VCPU: reserved (9) must not exceed total (8)`)
	expectSpecError(InventorySpec{Total: 8, MinUnit: 0, MaxUnit: 8, StepSize: 1, AllocationRatio: 1},
		`validation error: inventory of VCPU: min_unit must be at least 1`)
	expectSpecError(InventorySpec{Total: 8, MinUnit: 1, MaxUnit: 9, StepSize: 1, AllocationRatio: 1},
		`validation error: inventory of VCPU: max_unit (9) must not exceed total (8)`)
	expectSpecError(InventorySpec{Total: 8, MinUnit: 1, MaxUnit: 8, StepSize: 0, AllocationRatio: 1},
		`validation error: inventory of VCPU: step_size must be at least 1`)
	expectSpecError(InventorySpec{Total: 8, MinUnit: 1, MaxUnit: 8, StepSize: 1, AllocationRatio: 0},
		`validation error: inventory of VCPU: allocation_ratio must be positive`)

	_, err = UpsertInventory(s.DB, s.Registries, provider.UUID, "CUSTOM_UNSEEN", 3, simpleInventory(10))
	mustFailT(t, err, errors.New(`not found: resource class "CUSTOM_UNSEEN"`))
	_, err = UpsertInventory(s.DB, s.Registries, provider.UUID, "VCPU", 0, simpleInventory(10))
	mustFailT(t, err, fmt.Errorf("concurrent update: resource provider %q: generation mismatch (current generation is 3)", provider.UUID))
	_, err = UpsertInventory(s.DB, s.Registries, "ffffffff-ffff-ffff-ffff-ffffffffffff", "VCPU", 0, simpleInventory(10))
	mustFailT(t, err, errors.New(`not found: resource provider "ffffffff-ffff-ffff-ffff-ffffffffffff"`))
	tr.DBChanges().AssertEmpty()
}

func TestReplaceAllInventories(t *testing.T) {
	s := test.NewSetup(t)
	provider := mustCreateProvider(t, s, "compute0", nil)

	tr, tr0 := easypg.NewTracker(t, s.DB.Db)
	tr0.Ignore()

	updated, err := ReplaceAllInventories(s.DB, s.Registries, provider.UUID, 0, map[string]InventorySpec{
		"VCPU": simpleInventory(8),
	})
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(1))
	tr.DBChanges().AssertEqualf(`
		INSERT INTO inventories (id, resource_provider_id, resource_class_id, total, reserved, min_unit, max_unit, step_size, allocation_ratio) VALUES (1, 1, 1, 8, 0, 1, 8, 1, 1);
		UPDATE resource_providers SET generation = 1 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)

	// a replacement updates surviving classes in place and adds new ones
	updated, err = ReplaceAllInventories(s.DB, s.Registries, provider.UUID, 1, map[string]InventorySpec{
		"VCPU":      simpleInventory(16),
		"MEMORY_MB": simpleInventory(1024),
	})
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(2))
	tr.DBChanges().AssertEqualf(`
		UPDATE inventories SET total = 16, max_unit = 16 WHERE id = 1 AND resource_provider_id = 1 AND resource_class_id = 1;
		INSERT INTO inventories (id, resource_provider_id, resource_class_id, total, reserved, min_unit, max_unit, step_size, allocation_ratio) VALUES (2, 1, 2, 1024, 0, 1, 1024, 1, 1);
		UPDATE resource_providers SET generation = 2 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)

	inventories, err := ListInventories(s.DB, s.Registries, provider.ID)
	mustT(t, err)
	assert.DeepEqual(t, "inventories after replace", inventories, map[string]db.Inventory{
		"VCPU":      {ID: 1, ResourceProviderID: 1, ResourceClassID: 1, Total: 16, Reserved: 0, MinUnit: 1, MaxUnit: 16, StepSize: 1, AllocationRatio: 1.0},
		"MEMORY_MB": {ID: 2, ResourceProviderID: 1, ResourceClassID: 2, Total: 1024, Reserved: 0, MinUnit: 1, MaxUnit: 1024, StepSize: 1, AllocationRatio: 1.0},
	})

	// an empty replacement drops all unused inventories
	updated, err = ReplaceAllInventories(s.DB, s.Registries, provider.UUID, 2, nil)
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(3))
	tr.DBChanges().AssertEqualf(`
		DELETE FROM inventories WHERE id = 1 AND resource_provider_id = 1 AND resource_class_id = 1;
		DELETE FROM inventories WHERE id = 2 AND resource_provider_id = 1 AND resource_class_id = 2;
		UPDATE resource_providers SET generation = 3 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)

	_, err = ReplaceAllInventories(s.DB, s.Registries, provider.UUID, 3, map[string]InventorySpec{
		"CUSTOM_UNSEEN": simpleInventory(10),
	})
	mustFailT(t, err, errors.New(`not found: resource class "CUSTOM_UNSEEN"`))
	_, err = ReplaceAllInventories(s.DB, s.Registries, provider.UUID, 0, nil)
	mustFailT(t, err, fmt.Errorf("concurrent update: resource provider %q: generation mismatch (current generation is 3)", provider.UUID))
	tr.DBChanges().AssertEmpty()
}

func TestInventoryStrandingChecks(t *testing.T) {
	s := test.NewSetup(t)
	provider := mustCreateProvider(t, s, "compute0", nil)
	mustSetInventory(t, s, &provider, "VCPU", simpleInventory(8))
	err := CommitAllocations(s.Ctx, s.DB, s.Registries, s.Clock.Now, []core.CommitConsumer{{
		UUID:         "11111111-1111-1111-1111-111111111111",
		ProjectID:    "project-one",
		UserID:       "user-one",
		ConsumerType: "INSTANCE",
		Allocations: map[string]core.CommitAllocation{
			provider.UUID: {Resources: map[string]uint64{"VCPU": 6}},
		},
	}})
	mustT(t, err)
	provider.Generation++ // the commit advanced the provider

	tr, tr0 := easypg.NewTracker(t, s.DB.Db)
	tr0.Ignore()

	// allocated classes can neither be removed nor shrunk below their usage
	_, err = ReplaceAllInventories(s.DB, s.Registries, provider.UUID, provider.Generation, map[string]InventorySpec{
		"MEMORY_MB": simpleInventory(1024),
	})
	mustFailT(t, err, fmt.Errorf("invariant violation: cannot remove inventory of VCPU from provider %q: 6 units are still allocated", provider.UUID))
	_, err = ReplaceAllInventories(s.DB, s.Registries, provider.UUID, provider.Generation, map[string]InventorySpec{
		"VCPU": {Total: 8, Reserved: 4, MinUnit: 1, MaxUnit: 8, StepSize: 1, AllocationRatio: 1.0},
	})
	mustFailT(t, err, fmt.Errorf("invariant violation: cannot shrink inventory of VCPU on provider %q to effective capacity 4: 6 units are still allocated", provider.UUID))
	_, err = UpsertInventory(s.DB, s.Registries, provider.UUID, "VCPU", provider.Generation, simpleInventory(4))
	mustFailT(t, err, fmt.Errorf("invariant violation: cannot shrink inventory of VCPU on provider %q to effective capacity 4: 6 units are still allocated", provider.UUID))
	_, err = DeleteInventory(s.DB, s.Registries, provider.UUID, "VCPU")
	mustFailT(t, err, fmt.Errorf("invariant violation: cannot remove inventory of VCPU from provider %q: 6 units are still allocated", provider.UUID))
	_, err = DeleteAllInventories(s.DB, provider.UUID)
	mustFailT(t, err, fmt.Errorf("invariant violation: cannot remove inventories from provider %q: 1 allocations still exist", provider.UUID))
	tr.DBChanges().AssertEmpty()

	// shrinking down to exactly the current usage is allowed
	updated, err := UpsertInventory(s.DB, s.Registries, provider.UUID, "VCPU", provider.Generation, simpleInventory(6))
	mustT(t, err)
	assert.Equal(t, updated.Generation, provider.Generation+1)
	tr.DBChanges().AssertEqualf(`
		UPDATE inventories SET total = 6, max_unit = 6 WHERE id = 1 AND resource_provider_id = 1 AND resource_class_id = 1;
		UPDATE resource_providers SET generation = 3 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)
}

func TestDeleteInventories(t *testing.T) {
	s := test.NewSetup(t)
	provider := mustCreateProvider(t, s, "compute0", nil)
	mustSetInventory(t, s, &provider, "VCPU", simpleInventory(8))
	mustSetInventory(t, s, &provider, "MEMORY_MB", simpleInventory(1024))

	tr, tr0 := easypg.NewTracker(t, s.DB.Db)
	tr0.Ignore()

	updated, err := DeleteInventory(s.DB, s.Registries, provider.UUID, "VCPU")
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(3))
	tr.DBChanges().AssertEqualf(`
		DELETE FROM inventories WHERE id = 1 AND resource_provider_id = 1 AND resource_class_id = 1;
		UPDATE resource_providers SET generation = 3 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)

	// deleting an inventory that does not exist reports the exact subject
	_, err = DeleteInventory(s.DB, s.Registries, provider.UUID, "VCPU")
	mustFailT(t, err, fmt.Errorf("not found: inventory %q", "VCPU on provider "+provider.UUID))
	_, err = DeleteInventory(s.DB, s.Registries, provider.UUID, "CUSTOM_UNSEEN")
	mustFailT(t, err, errors.New(`not found: resource class "CUSTOM_UNSEEN"`))
	_, err = DeleteInventory(s.DB, s.Registries, "ffffffff-ffff-ffff-ffff-ffffffffffff", "VCPU")
	mustFailT(t, err, errors.New(`not found: resource provider "ffffffff-ffff-ffff-ffff-ffffffffffff"`))
	tr.DBChanges().AssertEmpty()

	updated, err = DeleteAllInventories(s.DB, provider.UUID)
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(4))
	tr.DBChanges().AssertEqualf(`
		DELETE FROM inventories WHERE id = 2 AND resource_provider_id = 1 AND resource_class_id = 2;
		UPDATE resource_providers SET generation = 4 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)

	// deleting all inventories of a provider without any is a no-op mutation
	updated, err = DeleteAllInventories(s.DB, provider.UUID)
	mustT(t, err)
	assert.Equal(t, updated.Generation, int32(5))
	tr.DBChanges().AssertEqualf(`
		UPDATE resource_providers SET generation = 5 WHERE id = 1 AND uuid = '00000000-0000-0000-0000-000000000001' AND name = 'compute0';
	`)
}
