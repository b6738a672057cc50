// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"database/sql"

	"github.com/go-gorp/gorp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"
)

var providerCapacityGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "horreum_provider_capacity",
		Help: "Effective capacity (total minus reserved, scaled by the allocation ratio) per resource provider and resource class.",
	},
	[]string{"provider", "provider_id", "class"},
)

var providerUsageGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "horreum_provider_usage",
		Help: "Sum of allocations per resource provider and resource class.",
	},
	[]string{"provider", "provider_id", "class"},
)

var providersWithInventoryGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "horreum_providers_with_inventory",
		Help: "Number of resource providers that carry inventory of this resource class.",
	},
	[]string{"class"},
)

// DataMetricsCollector is a prometheus.Collector that submits capacity and
// usage data for all resource providers as Prometheus metrics. Exposing these
// can be expensive on large deployments, so it is disabled by default.
type DataMetricsCollector struct {
	DB *gorp.DbMap
}

// Describe implements the prometheus.Collector interface.
func (c *DataMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	providerCapacityGauge.Describe(ch)
	providerUsageGauge.Describe(ch)
	providersWithInventoryGauge.Describe(ch)
}

var capacityMetricsQuery = sqlext.SimplifyWhitespace(`
	SELECT rp.name, rp.uuid, rc.name,
	       FLOOR((i.total - i.reserved) * i.allocation_ratio)::bigint,
	       COALESCE(SUM(a.used), 0)
	  FROM inventories i
	  JOIN resource_providers rp ON rp.id = i.resource_provider_id
	  JOIN resource_classes rc ON rc.id = i.resource_class_id
	  LEFT OUTER JOIN allocations a ON a.resource_provider_id = i.resource_provider_id
	                               AND a.resource_class_id = i.resource_class_id
	 GROUP BY rp.name, rp.uuid, rc.name, i.total, i.reserved, i.allocation_ratio
`)

var inventoryCountMetricsQuery = sqlext.SimplifyWhitespace(`
	SELECT rc.name, COUNT(*)
	  FROM inventories i
	  JOIN resource_classes rc ON rc.id = i.resource_class_id
	 GROUP BY rc.name
`)

// Collect implements the prometheus.Collector interface.
func (c *DataMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	// NOTE: We use NewConstMetric() instead of storing the values in the
	// GaugeVec instances, because this automatically handles deleted providers
	// correctly. (Their metrics just disappear when Prometheus scrapes next
	// time.)
	descCh := make(chan *prometheus.Desc, 1)
	providerCapacityGauge.Describe(descCh)
	providerCapacityDesc := <-descCh
	providerUsageGauge.Describe(descCh)
	providerUsageDesc := <-descCh
	providersWithInventoryGauge.Describe(descCh)
	providersWithInventoryDesc := <-descCh

	err := sqlext.ForeachRow(c.DB, capacityMetricsQuery, nil, func(rows *sql.Rows) error {
		var (
			providerName string
			providerUUID string
			className    string
			capacity     uint64
			used         uint64
		)
		err := rows.Scan(&providerName, &providerUUID, &className, &capacity, &used)
		if err != nil {
			return err
		}
		ch <- prometheus.MustNewConstMetric(
			providerCapacityDesc,
			prometheus.GaugeValue, float64(capacity),
			providerName, providerUUID, className,
		)
		ch <- prometheus.MustNewConstMetric(
			providerUsageDesc,
			prometheus.GaugeValue, float64(used),
			providerName, providerUUID, className,
		)
		return nil
	})
	if err != nil {
		logg.Error("collect capacity data metrics failed: " + err.Error())
	}

	err = sqlext.ForeachRow(c.DB, inventoryCountMetricsQuery, nil, func(rows *sql.Rows) error {
		var (
			className string
			count     uint64
		)
		err := rows.Scan(&className, &count)
		if err != nil {
			return err
		}
		ch <- prometheus.MustNewConstMetric(
			providersWithInventoryDesc,
			prometheus.GaugeValue, float64(count),
			className,
		)
		return nil
	})
	if err != nil {
		logg.Error("collect inventory count metrics failed: " + err.Error())
	}
}
