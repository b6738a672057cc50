// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/easypg"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/mock"
	"github.com/sapcc/go-bits/osext"

	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/db"
)

type setupParams struct {
	APIBuilder     func(*gorp.DbMap, *core.Registries, func() time.Time, func() string, bool) httpapi.API
	APIMiddlewares []httpapi.API
}

// SetupOption is an option that can be given to NewSetup().
type SetupOption func(*setupParams)

// WithAPIHandler is a SetupOption that initializes a http.Handler with the
// Horreum API. The `apiBuilder` function signature matches NewV1API(). We
// cannot directly call this function because that would create an import
// cycle, so it must be given by the caller here.
func WithAPIHandler(apiBuilder func(*gorp.DbMap, *core.Registries, func() time.Time, func() string, bool) httpapi.API, middlewares ...httpapi.API) SetupOption {
	return func(params *setupParams) {
		params.APIBuilder = apiBuilder
		params.APIMiddlewares = middlewares
	}
}

// Setup contains all the pieces that are needed for most tests.
type Setup struct {
	// fields that are always set
	Ctx        context.Context //nolint:containedctx // only used in tests
	DB         *gorp.DbMap
	Registries *core.Registries
	Clock      *mock.Clock
	UUIDs      *UUIDGenerator
	Registry   *prometheus.Registry
	// fields that are only set if their respective SetupOptions are given
	Handler http.Handler
}

// NewSetup prepares most or all pieces of Horreum for a test.
func NewSetup(t *testing.T, opts ...SetupOption) Setup {
	t.Helper()
	logg.ShowDebug = osext.GetenvBool("HORREUM_DEBUG")
	var params setupParams
	for _, option := range opts {
		option(&params)
	}

	var s Setup
	s.Ctx = t.Context()
	s.DB = initDatabase(t)
	s.Registries = core.NewRegistries()
	s.Clock = mock.NewClock()
	s.UUIDs = new(UUIDGenerator)
	s.Registry = prometheus.NewPedanticRegistry()

	err := s.Registries.SeedStandard(s.DB)
	if err != nil {
		t.Fatal(err)
	}

	if params.APIBuilder != nil {
		s.Handler = httpapi.Compose(
			append([]httpapi.API{
				params.APIBuilder(s.DB, s.Registries, s.Clock.Now, s.UUIDs.Next, false),
				httpapi.WithoutLogging(),
			}, params.APIMiddlewares...)...,
		)
	}

	return s
}

func initDatabase(t *testing.T) *gorp.DbMap {
	t.Helper()
	// reset the DB contents; deletion order matters because of foreign key
	// constraints (inventories, provider traits and provider aggregates go
	// away through "ON DELETE CASCADE" on resource_providers)
	dbConn := easypg.ConnectForTest(t, db.Configuration(),
		easypg.ClearTables(
			"allocations", "consumers", "consumer_types", "users", "projects",
			"resource_providers", "traits", "resource_classes",
		),
		easypg.ResetPrimaryKeys(
			"allocations", "consumers", "consumer_types", "users", "projects",
			"inventories", "resource_providers", "traits", "resource_classes",
		),
	)
	return db.InitORM(dbConn)
}
