// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"database/sql"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/datamodel"
)

// AllocationEntryJSON is one provider's worth of allocations in the requests
// and responses of the endpoints under /v1/allocations.
type AllocationEntryJSON struct {
	Resources map[string]uint64 `json:"resources"`
	// Generation is the provider generation. It appears in all responses; in
	// requests, it may be supplied to guard against concurrent inventory
	// changes on that provider.
	Generation *int32 `json:"generation,omitempty"`
}

// AllocationsJSON is the request body of PUT /v1/allocations/:consumer_uuid,
// and (keyed by consumer UUID) of POST /v1/allocations.
type AllocationsJSON struct {
	Allocations        map[string]AllocationEntryJSON `json:"allocations"`
	ConsumerGeneration *int32                         `json:"consumer_generation"`
	ProjectID          string                         `json:"project_id"`
	UserID             string                         `json:"user_id"`
	ConsumerType       string                         `json:"consumer_type"`
}

func (a AllocationsJSON) toCommitConsumer(consumerUUID string) core.CommitConsumer {
	allocations := make(map[string]core.CommitAllocation, len(a.Allocations))
	for providerUUID, entry := range a.Allocations {
		allocations[providerUUID] = core.CommitAllocation{
			ProviderGeneration: entry.Generation,
			Resources:          entry.Resources,
		}
	}
	return core.CommitConsumer{
		UUID:               consumerUUID,
		ConsumerGeneration: a.ConsumerGeneration,
		ProjectID:          a.ProjectID,
		UserID:             a.UserID,
		ConsumerType:       a.ConsumerType,
		Allocations:        allocations,
	}
}

var providerGenerationsByUUIDQuery = sqlext.SimplifyWhitespace(`
	SELECT uuid, generation FROM resource_providers WHERE uuid = ANY($1)
`)

func (p *v1Provider) GetAllocations(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/allocations/:consumer_uuid")

	state, err := datamodel.GetAllocationsForConsumer(p.DB, p.Registries, mux.Vars(r)["consumer_uuid"])
	if err != nil {
		// an unknown consumer is the same as a consumer holding no allocations
		if core.IsKind(err, core.ErrNotFound) {
			respondwith.JSON(w, http.StatusOK, map[string]any{"allocations": map[string]any{}})
			return
		}
		respondWithEngineError(w, err)
		return
	}

	providerUUIDs := make([]string, 0, len(state.Allocations))
	for providerUUID := range state.Allocations {
		providerUUIDs = append(providerUUIDs, providerUUID)
	}
	generationByUUID := make(map[string]int32, len(providerUUIDs))
	err = sqlext.ForeachRow(p.DB, providerGenerationsByUUIDQuery, []any{pq.Array(providerUUIDs)}, func(rows *sql.Rows) error {
		var (
			providerUUID string
			generation   int32
		)
		err := rows.Scan(&providerUUID, &generation)
		if err != nil {
			return err
		}
		generationByUUID[providerUUID] = generation
		return nil
	})
	if respondwith.ErrorText(w, err) {
		return
	}

	allocations := make(map[string]AllocationEntryJSON, len(state.Allocations))
	for providerUUID, resources := range state.Allocations {
		generation := generationByUUID[providerUUID]
		allocations[providerUUID] = AllocationEntryJSON{
			Resources:  resources,
			Generation: &generation,
		}
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"allocations":         allocations,
		"consumer_generation": state.Generation,
		"project_id":          state.ProjectID,
		"user_id":             state.UserID,
		"consumer_type":       state.ConsumerType,
	})
}

func (p *v1Provider) PutAllocations(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/allocations/:consumer_uuid")

	var input AllocationsJSON
	if !RequireJSON(w, r, &input) {
		return
	}

	consumer := input.toCommitConsumer(mux.Vars(r)["consumer_uuid"])
	err := datamodel.CommitAllocations(r.Context(), p.DB, p.Registries, p.timeNow, []core.CommitConsumer{consumer})
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *v1Provider) DeleteAllocations(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/allocations/:consumer_uuid")

	err := datamodel.DeleteAllocationsForConsumer(r.Context(), p.DB, p.timeNow, mux.Vars(r)["consumer_uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *v1Provider) PostAllocations(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/allocations")

	var input map[string]AllocationsJSON
	if !RequireJSON(w, r, &input) {
		return
	}

	consumers := make([]core.CommitConsumer, 0, len(input))
	for consumerUUID, spec := range input {
		consumers = append(consumers, spec.toCommitConsumer(consumerUUID))
	}
	err := datamodel.CommitAllocations(r.Context(), p.DB, p.Registries, p.timeNow, consumers)
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *v1Provider) ListProviderAllocations(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/allocations")

	generation, allocationsByConsumer, err := datamodel.GetAllocationsForProvider(p.DB, p.Registries, mux.Vars(r)["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	allocations := make(map[string]AllocationEntryJSON, len(allocationsByConsumer))
	for consumerUUID, resources := range allocationsByConsumer {
		allocations[consumerUUID] = AllocationEntryJSON{Resources: resources}
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"allocations":                  allocations,
		"resource_provider_generation": generation,
	})
}
