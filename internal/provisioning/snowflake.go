// Package provisioning implements the one-off warehouse/table/role setup
// helpers the CLI's provisioning path invokes before the pipeline runs for
// the first time. This is an out-of-scope collaborator per spec.md §1 (the
// core pipeline never calls these itself); kept intentionally thin, mirroring
// the original Python setup_snowflake.py script's sequence of idempotent
// CREATE ... IF NOT EXISTS statements rather than a general migration tool.
package provisioning

import (
	"context"
	"database/sql"
	"fmt"
)

// Snowflake wraps a *sql.DB opened against a Snowflake account with
// ACCOUNTADMIN-equivalent privileges, used only by the CLI's
// provisioning path, never by the runtime pipeline.
type Snowflake struct {
	db *sql.DB
}

// NewSnowflake wraps an already-open Snowflake connection.
func NewSnowflake(db *sql.DB) *Snowflake {
	return &Snowflake{db: db}
}

// AssignRSAPublicKey assigns a user's key-pair authentication public key,
// the first step of the original setup script. Requires the calling role
// to have ALTER USER privilege on the target user.
func (s *Snowflake) AssignRSAPublicKey(ctx context.Context, user, publicKeyPEM string) error {
	if err := validateIdentifier("user", user); err != nil {
		return err
	}
	q := fmt.Sprintf(`ALTER USER %s SET RSA_PUBLIC_KEY = ?`, user)
	if _, err := s.db.ExecContext(ctx, q, publicKeyPEM); err != nil {
		return fmt.Errorf("provisioning: assign rsa public key: %w", err)
	}
	return nil
}

// CreateDatabaseAndSchema creates a database and schema pair if absent,
// mirroring the original script's INGESTION/CONTROL database setup steps.
func (s *Snowflake) CreateDatabaseAndSchema(ctx context.Context, database, schema string) error {
	if err := validateIdentifier("database", database); err != nil {
		return err
	}
	if err := validateIdentifier("schema", schema); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, database)); err != nil {
		return fmt.Errorf("provisioning: create database %s: %w", database, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s.%s`, database, schema)); err != nil {
		return fmt.Errorf("provisioning: create schema %s.%s: %w", database, schema, err)
	}
	return nil
}

// CreateControlTable creates the bit-exact INGESTION_STATUS control table
// as a Hybrid Table, matching the original setup_snowflake.py's
// CREATE HYBRID TABLE statement exactly (column names, types, and primary
// key). internal/checkpoint's SnowflakeCheckpointStore.EnsureReady creates
// the same columns as a regular table for accounts without the Hybrid
// Tables feature enabled; this helper is for accounts that have it and want
// the lower-latency point lookups/upserts it provides.
func (s *Snowflake) CreateControlTable(ctx context.Context, database, schema, table string) error {
	for kind, v := range map[string]string{"database": database, "schema": schema, "table": table} {
		if err := validateIdentifier(kind, v); err != nil {
			return err
		}
	}
	q := fmt.Sprintf(`
		CREATE HYBRID TABLE IF NOT EXISTS %s.%s.%s (
			TS_INSERTED        TIMESTAMP_LTZ DEFAULT CURRENT_TIMESTAMP(),
			EVENTHUB_NAMESPACE VARCHAR(500),
			EVENTHUB           VARCHAR(200),
			TARGET_DB          VARCHAR(200),
			TARGET_SCHEMA      VARCHAR(200),
			TARGET_TABLE       VARCHAR(200),
			WATERLEVEL         NUMBER(38, 0),
			PARTITION_ID       VARCHAR(50) NOT NULL,
			METADATA           VARIANT,
			PRIMARY KEY (EVENTHUB_NAMESPACE, EVENTHUB, TARGET_DB, TARGET_SCHEMA, TARGET_TABLE, PARTITION_ID)
		)`, database, schema, table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("provisioning: create control table: %w", err)
	}
	return nil
}

// CreateTargetTable creates a mapping's destination table ahead of the
// first ingest, with the same row layout internal/sink's
// SnowflakeSink.EnsureReady would otherwise create lazily on first run.
func (s *Snowflake) CreateTargetTable(ctx context.Context, database, schema, table string) error {
	for kind, v := range map[string]string{"database": database, "schema": schema, "table": table} {
		if err := validateIdentifier(kind, v); err != nil {
			return err
		}
	}
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s.%s (
			row_id             STRING PRIMARY KEY,
			partition_id       STRING,
			sequence_number    NUMBER(38,0),
			event_body         STRING,
			properties         VARIANT,
			system_properties  VARIANT,
			enqueued_time      TIMESTAMP_LTZ,
			ingestion_timestamp TIMESTAMP_LTZ NOT NULL
		)`, database, schema, table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("provisioning: create target table: %w", err)
	}
	return nil
}

// CreateRole creates a role and grants it usage on a database and schema,
// a thin generalization of the privileges the original script assumes are
// already in place (it only documents needing ACCOUNTADMIN, it never
// scripts role creation itself; this extends the idiom to a repeatable
// CLI step).
func (s *Snowflake) CreateRole(ctx context.Context, role, database, schema string) error {
	for kind, v := range map[string]string{"role": role, "database": database, "schema": schema} {
		if err := validateIdentifier(kind, v); err != nil {
			return err
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE ROLE IF NOT EXISTS %s`, role)); err != nil {
		return fmt.Errorf("provisioning: create role: %w", err)
	}
	grants := []string{
		fmt.Sprintf(`GRANT USAGE ON DATABASE %s TO ROLE %s`, database, role),
		fmt.Sprintf(`GRANT USAGE ON SCHEMA %s.%s TO ROLE %s`, database, schema, role),
		fmt.Sprintf(`GRANT SELECT, INSERT, UPDATE ON ALL TABLES IN SCHEMA %s.%s TO ROLE %s`, database, schema, role),
	}
	for _, g := range grants {
		if _, err := s.db.ExecContext(ctx, g); err != nil {
			return fmt.Errorf("provisioning: grant: %w", err)
		}
	}
	return nil
}
