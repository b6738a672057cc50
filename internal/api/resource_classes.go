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

type resourceClassJSON struct {
	Name string `json:"name"`
}

func (p *v1Provider) ListResourceClasses(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_classes")

	names, err := p.Registries.ResourceClasses.ListNames(p.DB)
	if respondWithEngineError(w, err) {
		return
	}
	classes := make([]resourceClassJSON, len(names))
	for idx, name := range names {
		classes[idx] = resourceClassJSON{Name: name}
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"resource_classes": classes})
}

func (p *v1Provider) CreateResourceClass(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_classes")

	var input resourceClassJSON
	if !RequireJSON(w, r, &input) {
		return
	}

	_, created, err := p.Registries.ResourceClasses.Ensure(p.DB, input.Name)
	if respondWithEngineError(w, err) {
		return
	}
	if !created {
		http.Error(w, "resource class already exists", http.StatusConflict)
		return
	}
	respondwith.JSON(w, http.StatusCreated, input)
}

func (p *v1Provider) GetResourceClass(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_classes/:name")
	className := mux.Vars(r)["name"]

	_, err := p.Registries.ResourceClasses.IDOf(p.DB, className)
	if respondWithEngineError(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, resourceClassJSON{Name: className})
}

func (p *v1Provider) PutResourceClass(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_classes/:name")

	_, created, err := p.Registries.ResourceClasses.Ensure(p.DB, mux.Vars(r)["name"])
	if respondWithEngineError(w, err) {
		return
	}
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (p *v1Provider) DeleteResourceClass(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/v1/resource_classes/:name")

	err := datamodel.DeleteResourceClass(p.DB, p.Registries, mux.Vars(r)["name"])
	if respondWithEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
