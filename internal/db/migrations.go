// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package db

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE resource_classes (
			id   BIGSERIAL NOT NULL PRIMARY KEY,
			name TEXT      NOT NULL UNIQUE
		);

		CREATE TABLE traits (
			id   BIGSERIAL NOT NULL PRIMARY KEY,
			name TEXT      NOT NULL UNIQUE
		);

		CREATE TABLE resource_providers (
			id         BIGSERIAL NOT NULL PRIMARY KEY,
			uuid       TEXT      NOT NULL UNIQUE,
			name       TEXT      NOT NULL UNIQUE,
			generation INT       NOT NULL DEFAULT 0,
			-- NO ACTION instead of RESTRICT so that whole trees can be deleted in one statement
			parent_id  BIGINT             REFERENCES resource_providers,
			-- root_id cannot be a foreign key: it refers to the row itself for tree roots
			root_id    BIGINT    NOT NULL DEFAULT 0
		);
		CREATE INDEX resource_providers_root_idx   ON resource_providers (root_id);
		CREATE INDEX resource_providers_parent_idx ON resource_providers (parent_id);

		CREATE TABLE resource_provider_traits (
			resource_provider_id BIGINT NOT NULL REFERENCES resource_providers ON DELETE CASCADE,
			trait_id             BIGINT NOT NULL REFERENCES traits ON DELETE RESTRICT,
			PRIMARY KEY (resource_provider_id, trait_id)
		);
		CREATE INDEX resource_provider_traits_trait_idx ON resource_provider_traits (trait_id);

		CREATE TABLE resource_provider_aggregates (
			resource_provider_id BIGINT NOT NULL REFERENCES resource_providers ON DELETE CASCADE,
			aggregate_uuid       TEXT   NOT NULL,
			PRIMARY KEY (resource_provider_id, aggregate_uuid)
		);
		CREATE INDEX resource_provider_aggregates_uuid_idx ON resource_provider_aggregates (aggregate_uuid);

		CREATE TABLE inventories (
			id                   BIGSERIAL        NOT NULL PRIMARY KEY,
			resource_provider_id BIGINT           NOT NULL REFERENCES resource_providers ON DELETE CASCADE,
			resource_class_id    BIGINT           NOT NULL REFERENCES resource_classes ON DELETE RESTRICT,
			total                BIGINT           NOT NULL,
			reserved             BIGINT           NOT NULL DEFAULT 0,
			min_unit             BIGINT           NOT NULL DEFAULT 1,
			max_unit             BIGINT           NOT NULL DEFAULT 1,
			step_size            BIGINT           NOT NULL DEFAULT 1,
			allocation_ratio     DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			UNIQUE (resource_provider_id, resource_class_id)
		);

		CREATE TABLE projects (
			id          BIGSERIAL NOT NULL PRIMARY KEY,
			external_id TEXT      NOT NULL UNIQUE
		);

		CREATE TABLE users (
			id          BIGSERIAL NOT NULL PRIMARY KEY,
			external_id TEXT      NOT NULL UNIQUE
		);

		CREATE TABLE consumer_types (
			id   BIGSERIAL NOT NULL PRIMARY KEY,
			name TEXT      NOT NULL UNIQUE
		);

		CREATE TABLE consumers (
			id               BIGSERIAL   NOT NULL PRIMARY KEY,
			uuid             TEXT        NOT NULL UNIQUE,
			project_id       BIGINT      NOT NULL REFERENCES projects ON DELETE RESTRICT,
			user_id          BIGINT      NOT NULL REFERENCES users ON DELETE RESTRICT,
			consumer_type_id BIGINT               REFERENCES consumer_types ON DELETE RESTRICT,
			generation       INT         NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE allocations (
			id                   BIGSERIAL NOT NULL PRIMARY KEY,
			consumer_id          BIGINT    NOT NULL REFERENCES consumers ON DELETE RESTRICT,
			resource_provider_id BIGINT    NOT NULL REFERENCES resource_providers ON DELETE RESTRICT,
			resource_class_id    BIGINT    NOT NULL REFERENCES resource_classes ON DELETE RESTRICT,
			used                 BIGINT    NOT NULL,
			UNIQUE (consumer_id, resource_provider_id, resource_class_id)
		);
		CREATE INDEX allocations_provider_class_idx ON allocations (resource_provider_id, resource_class_id);
	`,
	"001_initial.down.sql": `
		DROP TABLE allocations;
		DROP TABLE consumers;
		DROP TABLE consumer_types;
		DROP TABLE users;
		DROP TABLE projects;
		DROP TABLE inventories;
		DROP TABLE resource_provider_aggregates;
		DROP TABLE resource_provider_traits;
		DROP TABLE resource_providers;
		DROP TABLE traits;
		DROP TABLE resource_classes;
	`,
}
