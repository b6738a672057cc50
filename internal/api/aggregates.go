// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/horreum/internal/datamodel"
)

func (p *v1Provider) ListProviderAggregates(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/aggregates")

	provider, err := datamodel.GetResourceProvider(p.DB, mux.Vars(r)["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	aggregateUUIDs, err := datamodel.GetProviderAggregates(p.DB, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"aggregates":                   aggregateUUIDs,
	})
}

func (p *v1Provider) PutProviderAggregates(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/aggregates")

	var input struct {
		Generation int32    `json:"resource_provider_generation"`
		Aggregates []string `json:"aggregates"`
	}
	if !RequireJSON(w, r, &input) {
		return
	}

	provider, err := datamodel.ReplaceProviderAggregates(p.DB, mux.Vars(r)["uuid"], input.Generation, input.Aggregates)
	if respondWithEngineError(w, err) {
		return
	}
	aggregateUUIDs, err := datamodel.GetProviderAggregates(p.DB, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"aggregates":                   aggregateUUIDs,
	})
}
