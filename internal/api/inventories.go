// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/horreum/internal/datamodel"
	"github.com/sapcc/horreum/internal/db"
)

// InventoryJSON appears in requests and responses of the endpoints under
// /v1/resource_providers/:uuid/inventories. In requests, all fields except
// `total` may be omitted and fall back to their documented defaults.
type InventoryJSON struct {
	Total           uint64  `json:"total"`
	Reserved        uint64  `json:"reserved"`
	MinUnit         uint64  `json:"min_unit"`
	MaxUnit         uint64  `json:"max_unit"`
	StepSize        uint64  `json:"step_size"`
	AllocationRatio float64 `json:"allocation_ratio"`
}

// Spec converts the request representation into a write instruction for the
// datamodel, filling defaults for omitted fields (min_unit = 1, max_unit =
// total, step_size = 1, allocation_ratio = 1.0).
func (i InventoryJSON) Spec() datamodel.InventorySpec {
	spec := datamodel.InventorySpec{
		Total:           i.Total,
		Reserved:        i.Reserved,
		MinUnit:         i.MinUnit,
		MaxUnit:         i.MaxUnit,
		StepSize:        i.StepSize,
		AllocationRatio: i.AllocationRatio,
	}
	if spec.MinUnit == 0 {
		spec.MinUnit = 1
	}
	if spec.MaxUnit == 0 {
		spec.MaxUnit = spec.Total
	}
	if spec.StepSize == 0 {
		spec.StepSize = 1
	}
	if spec.AllocationRatio == 0 {
		spec.AllocationRatio = 1.0
	}
	return spec
}

func inventoryToJSON(inv db.Inventory) InventoryJSON {
	return InventoryJSON{
		Total:           inv.Total,
		Reserved:        inv.Reserved,
		MinUnit:         inv.MinUnit,
		MaxUnit:         inv.MaxUnit,
		StepSize:        inv.StepSize,
		AllocationRatio: inv.AllocationRatio,
	}
}

func inventoriesToJSON(inventories map[string]db.Inventory) map[string]InventoryJSON {
	result := make(map[string]InventoryJSON, len(inventories))
	for className, inv := range inventories {
		result[className] = inventoryToJSON(inv)
	}
	return result
}

func (p *v1Provider) ListInventories(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/inventories")

	provider, err := datamodel.GetResourceProvider(p.DB, mux.Vars(r)["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	inventories, err := datamodel.ListInventories(p.DB, p.Registries, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"inventories":                  inventoriesToJSON(inventories),
	})
}

func (p *v1Provider) PutAllInventories(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/inventories")

	var input struct {
		Generation  int32                    `json:"resource_provider_generation"`
		Inventories map[string]InventoryJSON `json:"inventories"`
	}
	if !RequireJSON(w, r, &input) {
		return
	}
	specs := make(map[string]datamodel.InventorySpec, len(input.Inventories))
	for className, inv := range input.Inventories {
		specs[className] = inv.Spec()
	}

	provider, err := datamodel.ReplaceAllInventories(p.DB, p.Registries, mux.Vars(r)["uuid"], input.Generation, specs)
	if respondWithEngineError(w, err) {
		return
	}
	inventories, err := datamodel.ListInventories(p.DB, p.Registries, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"inventories":                  inventoriesToJSON(inventories),
	})
}

func (p *v1Provider) DeleteAllInventories(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/inventories")

	_, err := datamodel.DeleteAllInventories(p.DB, mux.Vars(r)["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *v1Provider) GetInventory(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/inventories/:class")
	vars := mux.Vars(r)

	provider, err := datamodel.GetResourceProvider(p.DB, vars["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	inventories, err := datamodel.ListInventories(p.DB, p.Registries, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	inv, exists := inventories[vars["class"]]
	if !exists {
		http.Error(w, "no inventory of this resource class on this provider", http.StatusNotFound)
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"inventory":                    inventoryToJSON(inv),
	})
}

func (p *v1Provider) PutInventory(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/inventories/:class")
	vars := mux.Vars(r)

	var input struct {
		Generation int32 `json:"resource_provider_generation"`
		InventoryJSON
	}
	if !RequireJSON(w, r, &input) {
		return
	}

	provider, err := datamodel.UpsertInventory(p.DB, p.Registries, vars["uuid"], vars["class"], input.Generation, input.Spec())
	if respondWithEngineError(w, err) {
		return
	}
	inventories, err := datamodel.ListInventories(p.DB, p.Registries, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"inventory":                    inventoryToJSON(inventories[vars["class"]]),
	})
}

func (p *v1Provider) DeleteInventory(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/inventories/:class")
	vars := mux.Vars(r)

	_, err := datamodel.DeleteInventory(p.DB, p.Registries, vars["uuid"], vars["class"])
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
