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

	"github.com/sapcc/horreum/internal/datamodel"
	"github.com/sapcc/horreum/internal/db"
)

// ResourceProviderJSON appears in the responses of various endpoints under
// /v1/resource_providers.
type ResourceProviderJSON struct {
	UUID               string  `json:"uuid"`
	Name               string  `json:"name"`
	Generation         int32   `json:"generation"`
	ParentProviderUUID *string `json:"parent_provider_uuid"`
	RootProviderUUID   string  `json:"root_provider_uuid"`
}

var providerUUIDsByIDQuery = sqlext.SimplifyWhitespace(`
	SELECT id, uuid FROM resource_providers WHERE id = ANY($1)
`)

// renderProviders converts DB records into their API representation. Parent
// and root references are resolved into UUIDs with a single batched query.
func renderProviders(dbi db.Interface, providers []db.ResourceProvider) ([]ResourceProviderJSON, error) {
	uuidByID := make(map[db.ResourceProviderID]string, len(providers))
	for _, provider := range providers {
		uuidByID[provider.ID] = provider.UUID
	}
	var missingIDs []db.ResourceProviderID
	noteID := func(id db.ResourceProviderID) {
		if _, exists := uuidByID[id]; !exists {
			uuidByID[id] = ""
			missingIDs = append(missingIDs, id)
		}
	}
	for _, provider := range providers {
		if provider.ParentID != nil {
			noteID(*provider.ParentID)
		}
		noteID(provider.RootID)
	}
	if len(missingIDs) > 0 {
		err := sqlext.ForeachRow(dbi, providerUUIDsByIDQuery, []any{pq.Array(missingIDs)}, func(rows *sql.Rows) error {
			var (
				id           db.ResourceProviderID
				providerUUID string
			)
			err := rows.Scan(&id, &providerUUID)
			if err != nil {
				return err
			}
			uuidByID[id] = providerUUID
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	result := make([]ResourceProviderJSON, len(providers))
	for idx, provider := range providers {
		entry := ResourceProviderJSON{
			UUID:             provider.UUID,
			Name:             provider.Name,
			Generation:       provider.Generation,
			RootProviderUUID: uuidByID[provider.RootID],
		}
		if provider.ParentID != nil {
			parentUUID := uuidByID[*provider.ParentID]
			entry.ParentProviderUUID = &parentUUID
		}
		result[idx] = entry
	}
	return result, nil
}

func (p *v1Provider) renderProvider(w http.ResponseWriter, status int, provider db.ResourceProvider) {
	rendered, err := renderProviders(p.DB, []db.ResourceProvider{provider})
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, status, rendered[0])
}

func (p *v1Provider) ListResourceProviders(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers")

	query := r.URL.Query()
	filter := datamodel.ProviderFilter{
		NameSubstring: query.Get("name"),
		InTree:        query.Get("in_tree"),
	}
	if providerUUID := query.Get("uuid"); providerUUID != "" {
		filter.UUIDs = []string{providerUUID}
	}
	var err error
	filter.MemberOf, filter.ForbiddenAggregates, err = parseMemberOfParams(query["member_of"])
	if respondWithEngineError(w, err) {
		return
	}
	filter.RequiredTraits, filter.ForbiddenTraits, err = parseRequiredParams(query["required"])
	if respondWithEngineError(w, err) {
		return
	}
	if resourcesStr := query.Get("resources"); resourcesStr != "" {
		filter.Resources, err = parseResourcesParam(resourcesStr)
		if respondWithEngineError(w, err) {
			return
		}
	}

	providers, err := datamodel.ListResourceProviders(p.DB, p.Registries, filter)
	if respondWithEngineError(w, err) {
		return
	}
	rendered, err := renderProviders(p.DB, providers)
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"resource_providers": rendered})
}

func (p *v1Provider) CreateResourceProvider(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers")

	var input struct {
		Name               string  `json:"name"`
		UUID               string  `json:"uuid"`
		ParentProviderUUID *string `json:"parent_provider_uuid"`
	}
	if !RequireJSON(w, r, &input) {
		return
	}
	if input.UUID == "" {
		input.UUID = p.generateUUID()
	}

	provider, err := datamodel.CreateResourceProvider(p.DB, input.UUID, input.Name, input.ParentProviderUUID)
	if respondWithEngineError(w, err) {
		return
	}
	p.renderProvider(w, http.StatusCreated, provider)
}

func (p *v1Provider) GetResourceProvider(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid")

	provider, err := datamodel.GetResourceProvider(p.DB, mux.Vars(r)["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	p.renderProvider(w, http.StatusOK, provider)
}

func (p *v1Provider) PutResourceProvider(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid")

	var input struct {
		Name               string  `json:"name"`
		ParentProviderUUID *string `json:"parent_provider_uuid"`
		Generation         int32   `json:"generation"`
	}
	if !RequireJSON(w, r, &input) {
		return
	}

	provider, err := datamodel.UpdateResourceProvider(p.DB, mux.Vars(r)["uuid"], input.Name, input.ParentProviderUUID, input.Generation)
	if respondWithEngineError(w, err) {
		return
	}
	p.renderProvider(w, http.StatusOK, provider)
}

func (p *v1Provider) DeleteResourceProvider(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_providers/:uuid")

	err := datamodel.DeleteResourceProvider(p.DB, mux.Vars(r)["uuid"])
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
