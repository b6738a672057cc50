// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/httpapi/pprofapi"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/must"
	"github.com/sapcc/go-bits/osext"

	"github.com/sapcc/horreum/internal/api"
	"github.com/sapcc/horreum/internal/collector"
	"github.com/sapcc/horreum/internal/core"
	"github.com/sapcc/horreum/internal/datamodel"
	"github.com/sapcc/horreum/internal/db"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("HORREUM_DEBUG")

	if len(os.Args) != 2 {
		printUsageAndExit()
	}
	taskName := os.Args[1]

	// connect to the database (this also applies pending schema migrations)
	dbConn := must.Return(db.Init())
	dbm := db.InitORM(dbConn)

	registries := core.NewRegistries()
	must.Succeed(registries.SeedStandard(dbm))

	ctx := httpext.ContextWithSIGINT(context.Background(), 10*time.Second)

	switch taskName {
	case "serve":
		taskServe(ctx, dbm, registries)
	case "janitor":
		taskJanitor(ctx, dbm, registries)
	default:
		printUsageAndExit()
	}
}

func printUsageAndExit() {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(`
Usage:
	horreum (serve|janitor)
`))
	os.Exit(1)
}

func taskServe(ctx context.Context, dbm *gorp.DbMap, registries *core.Registries) {
	// apply the seed file if one is configured
	if seedPath := os.Getenv("HORREUM_SEED_PATH"); seedPath != "" {
		seed := must.Return(core.LoadSeed(seedPath))
		must.Succeed(datamodel.ApplySeed(dbm, registries, *seed))
		logg.Info("applied seed file at %s", seedPath)
	}

	handler := httpapi.Compose(
		api.NewV1API(dbm, registries, time.Now, api.GenerateProviderUUID,
			osext.GetenvBool("HORREUM_API_RANDOMIZE_ALLOCATION_CANDIDATES")),
		httpapi.HealthCheckAPI{SkipRequestLog: true},
		pprofapi.API{IsAuthorized: pprofapi.IsRequestFromLocalhost},
	)

	mux := http.NewServeMux()
	mux.Handle("/", addCORSMiddleware(handler))
	mux.Handle("/metrics", promhttp.Handler())

	apiListenAddr := osext.GetenvOrDefault("HORREUM_API_LISTEN_ADDRESS", ":8080")
	must.Succeed(httpext.ListenAndServeContext(ctx, apiListenAddr, mux))
}

func addCORSMiddleware(handler http.Handler) http.Handler {
	allowedOriginStr := strings.ReplaceAll(os.Getenv("HORREUM_API_CORS_ALLOWED_ORIGINS"), " ", "")
	if allowedOriginStr == "" {
		return handler
	}
	return cors.New(cors.Options{
		AllowedOrigins: strings.Split(allowedOriginStr, "||"),
		AllowedMethods: []string{"HEAD", "GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "User-Agent"},
	}).Handler(handler)
}

func taskJanitor(ctx context.Context, dbm *gorp.DbMap, registries *core.Registries) {
	c := collector.NewCollector(dbm)
	go c.SweepOrphanedConsumersJob(prometheus.DefaultRegisterer).Run(ctx)

	if osext.GetenvBool("HORREUM_JANITOR_DATA_METRICS_EXPOSE") {
		prometheus.MustRegister(&collector.DataMetricsCollector{DB: dbm})
	}

	handler := httpapi.Compose(
		httpapi.HealthCheckAPI{SkipRequestLog: true},
		pprofapi.API{IsAuthorized: pprofapi.IsRequestFromLocalhost},
	)
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	mux.Handle("/metrics", promhttp.Handler())

	metricsListenAddr := osext.GetenvOrDefault("HORREUM_JANITOR_METRICS_LISTEN_ADDRESS", ":8080")
	must.Succeed(httpext.ListenAndServeContext(ctx, metricsListenAddr, mux))
}
