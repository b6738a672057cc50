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

func (p *v1Provider) ListProviderUsages(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/usages")

	provider, err := datamodel.GetResourceProvider(p.DB, mux.Vars(r)["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	usages, err := datamodel.GetProviderUsages(p.DB, p.Registries, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"usages":                       usages,
	})
}

func (p *v1Provider) ListUsages(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/usages")
	query := r.URL.Query()

	projectID := query.Get("project_id")
	if projectID == "" {
		http.Error(w, `query parameter "project_id" is required`, http.StatusBadRequest)
		return
	}
	usages, err := datamodel.GetScopedUsages(p.DB, p.Registries, projectID, query.Get("user_id"))
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"usages": usages})
}
