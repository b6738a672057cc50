// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/horreum/internal/datamodel"
)

func (p *v1Provider) ListTraits(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/traits")
	query := r.URL.Query()

	var filter datamodel.TraitFilter
	if nameFilter := query.Get("name"); nameFilter != "" {
		switch {
		case strings.HasPrefix(nameFilter, "startswith:"):
			filter.NamePrefix = strings.TrimPrefix(nameFilter, "startswith:")
		case strings.HasPrefix(nameFilter, "in:"):
			filter.Names = strings.Split(strings.TrimPrefix(nameFilter, "in:"), ",")
		default:
			http.Error(w, `query parameter "name" must use the form "startswith:<prefix>" or "in:<name>,<name>,..."`, http.StatusBadRequest)
			return
		}
	}
	filter.AssociatedOnly = query.Get("associated") == "true"

	names, err := datamodel.ListTraits(p.DB, filter)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"traits": names})
}

func (p *v1Provider) GetTrait(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/traits/:name")

	// this endpoint is an existence check, so the response has no body
	_, err := p.Registries.Traits.IDOf(p.DB, mux.Vars(r)["name"])
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *v1Provider) PutTrait(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/traits/:name")

	_, created, err := p.Registries.Traits.Ensure(p.DB, mux.Vars(r)["name"])
	if respondWithEngineError(w, err) {
		return
	}
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (p *v1Provider) DeleteTrait(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/traits/:name")

	err := datamodel.DeleteTrait(p.DB, p.Registries, mux.Vars(r)["name"])
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *v1Provider) ListProviderTraits(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/traits")

	provider, err := datamodel.GetResourceProvider(p.DB, mux.Vars(r)["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	traitNames, err := datamodel.GetProviderTraits(p.DB, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"traits":                       traitNames,
	})
}

func (p *v1Provider) PutProviderTraits(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/traits")

	var input struct {
		Generation int32    `json:"resource_provider_generation"`
		Traits     []string `json:"traits"`
	}
	if !RequireJSON(w, r, &input) {
		return
	}

	provider, err := datamodel.ReplaceProviderTraits(p.DB, p.Registries, mux.Vars(r)["uuid"], input.Generation, input.Traits)
	if respondWithEngineError(w, err) {
		return
	}
	traitNames, err := datamodel.GetProviderTraits(p.DB, provider.ID)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{
		"resource_provider_generation": provider.Generation,
		"traits":                       traitNames,
	})
}

func (p *v1Provider) DeleteProviderTraits(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid/traits")
	providerUUID := mux.Vars(r)["uuid"]

	// there is no generation in the request, so take the current one
	provider, err := datamodel.GetResourceProvider(p.DB, providerUUID)
	if respondWithEngineError(w, err) {
		return
	}
	_, err = datamodel.ReplaceProviderTraits(p.DB, p.Registries, providerUUID, provider.Generation, nil)
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
