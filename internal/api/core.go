// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	"github.com/sapcc/horreum/internal/core"
)

// VersionData is used by version advertisement handlers.
type VersionData struct {
	Status string            `json:"status"`
	ID     string            `json:"id"`
	Links  []VersionLinkData `json:"links"`
}

// VersionLinkData is used by version advertisement handlers, as part of the
// VersionData struct.
type VersionLinkData struct {
	URL      string `json:"href"`
	Relation string `json:"rel"`
	Type     string `json:"type,omitempty"`
}

type v1Provider struct {
	DB          *gorp.DbMap
	Registries  *core.Registries
	VersionData VersionData
	// slots for test doubles
	timeNow      func() time.Time
	generateUUID func() string
	// set from $HORREUM_API_RANDOMIZE_ALLOCATION_CANDIDATES
	randomizeCandidates bool
}

// NewV1API creates an httpapi.API that serves the Horreum v1 API.
func NewV1API(dbm *gorp.DbMap, registries *core.Registries, timeNow func() time.Time, generateUUID func() string, randomizeCandidates bool) httpapi.API {
	p := &v1Provider{
		DB:                  dbm,
		Registries:          registries,
		timeNow:             timeNow,
		generateUUID:        generateUUID,
		randomizeCandidates: randomizeCandidates,
	}
	p.VersionData = VersionData{
		Status: "CURRENT",
		ID:     "v1",
		Links: []VersionLinkData{
			{
				Relation: "self",
				URL:      "/v1/",
			},
			{
				Relation: "describedby",
				URL:      "https://github.com/sapcc/horreum/blob/master/docs/api-v1-specification.md",
				Type:     "text/html",
			},
		},
	}
	return p
}

// AddTo implements the httpapi.API interface.
func (p *v1Provider) AddTo(r *mux.Router) {
	r.Methods("HEAD", "GET").Path("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.IdentifyEndpoint(r, "/")
		httpapi.SkipRequestLog(r)
		respondwith.JSON(w, http.StatusMultipleChoices, map[string]any{"versions": []VersionData{p.VersionData}})
	})

	r.Methods("GET").Path("/v1/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpapi.IdentifyEndpoint(r, "/v1/")
		httpapi.SkipRequestLog(r)
		respondwith.JSON(w, http.StatusOK, map[string]any{"version": p.VersionData})
	})

	r.Methods("GET").Path("/v1/resource_providers").HandlerFunc(p.ListResourceProviders)
	r.Methods("POST").Path("/v1/resource_providers").HandlerFunc(p.CreateResourceProvider)
	r.Methods("GET").Path("/v1/resource_providers/{uuid}").HandlerFunc(p.GetResourceProvider)
	r.Methods("PUT").Path("/v1/resource_providers/{uuid}").HandlerFunc(p.PutResourceProvider)
	r.Methods("DELETE").Path("/v1/resource_providers/{uuid}").HandlerFunc(p.DeleteResourceProvider)

	r.Methods("GET").Path("/v1/resource_providers/{uuid}/inventories").HandlerFunc(p.ListInventories)
	r.Methods("PUT").Path("/v1/resource_providers/{uuid}/inventories").HandlerFunc(p.PutAllInventories)
	r.Methods("DELETE").Path("/v1/resource_providers/{uuid}/inventories").HandlerFunc(p.DeleteAllInventories)
	r.Methods("GET").Path("/v1/resource_providers/{uuid}/inventories/{class}").HandlerFunc(p.GetInventory)
	r.Methods("PUT").Path("/v1/resource_providers/{uuid}/inventories/{class}").HandlerFunc(p.PutInventory)
	r.Methods("DELETE").Path("/v1/resource_providers/{uuid}/inventories/{class}").HandlerFunc(p.DeleteInventory)

	r.Methods("GET").Path("/v1/resource_providers/{uuid}/traits").HandlerFunc(p.ListProviderTraits)
	r.Methods("PUT").Path("/v1/resource_providers/{uuid}/traits").HandlerFunc(p.PutProviderTraits)
	r.Methods("DELETE").Path("/v1/resource_providers/{uuid}/traits").HandlerFunc(p.DeleteProviderTraits)

	r.Methods("GET").Path("/v1/resource_providers/{uuid}/aggregates").HandlerFunc(p.ListProviderAggregates)
	r.Methods("PUT").Path("/v1/resource_providers/{uuid}/aggregates").HandlerFunc(p.PutProviderAggregates)

	r.Methods("GET").Path("/v1/resource_providers/{uuid}/usages").HandlerFunc(p.ListProviderUsages)
	r.Methods("GET").Path("/v1/resource_providers/{uuid}/allocations").HandlerFunc(p.ListProviderAllocations)

	r.Methods("GET").Path("/v1/traits").HandlerFunc(p.ListTraits)
	r.Methods("GET").Path("/v1/traits/{name}").HandlerFunc(p.GetTrait)
	r.Methods("PUT").Path("/v1/traits/{name}").HandlerFunc(p.PutTrait)
	r.Methods("DELETE").Path("/v1/traits/{name}").HandlerFunc(p.DeleteTrait)

	r.Methods("GET").Path("/v1/resource_classes").HandlerFunc(p.ListResourceClasses)
	r.Methods("POST").Path("/v1/resource_classes").HandlerFunc(p.CreateResourceClass)
	r.Methods("GET").Path("/v1/resource_classes/{name}").HandlerFunc(p.GetResourceClass)
	r.Methods("PUT").Path("/v1/resource_classes/{name}").HandlerFunc(p.PutResourceClass)
	r.Methods("DELETE").Path("/v1/resource_classes/{name}").HandlerFunc(p.DeleteResourceClass)

	r.Methods("GET").Path("/v1/usages").HandlerFunc(p.ListUsages)

	r.Methods("POST").Path("/v1/allocations").HandlerFunc(p.PostAllocations)
	r.Methods("GET").Path("/v1/allocations/{consumer_uuid}").HandlerFunc(p.GetAllocations)
	r.Methods("PUT").Path("/v1/allocations/{consumer_uuid}").HandlerFunc(p.PutAllocations)
	r.Methods("DELETE").Path("/v1/allocations/{consumer_uuid}").HandlerFunc(p.DeleteAllocations)

	r.Methods("GET").Path("/v1/allocation_candidates").HandlerFunc(p.ListAllocationCandidates)
}

// RequireJSON will parse the request body into the given data structure, or
// write an error response if that fails. Unknown fields are ignored so that
// clients may send fields that we do not evaluate (e.g. `mappings` echoed
// back from an allocation candidate).
func RequireJSON(w http.ResponseWriter, r *http.Request, data any) bool {
	err := json.NewDecoder(r.Body).Decode(data)
	if err != nil {
		http.Error(w, "request body is not valid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
