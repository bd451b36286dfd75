package config

import (
	"fmt"
	"regexp"
)

// identifierPattern mirrors the allowlist internal/checkpoint, internal/sink,
// and internal/provisioning each keep locally: any value that ends up
// interpolated into a Snowflake DDL/DML identifier position is checked
// against it here too, as early as possible, so a bad mapping definition
// fails at config load rather than at the first query.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// Validate checks the invariants spec.md §8 calls out explicitly (retry
// attempt/timeout bounds) plus the identifier and cross-reference
// constraints implied by the rest of the surface. It returns the first
// violation found rather than accumulating all of them, matching the
// fail-fast posture of the teacher's own config loader.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("config: retry.max_attempts must be in [1,10], got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Mode == "advisory" {
		t := c.Retry.Advisory.TimeoutSeconds
		if t < 1 || t > 60 {
			return fmt.Errorf("config: retry.advisory.timeout_seconds must be in [1,60], got %d", t)
		}
	}

	if c.Observability.Enabled && c.Observability.SendToCloud {
		if c.Observability.Token == "" {
			return fmt.Errorf("config: observability.token is required when observability.enabled and observability.send_to_cloud are both true")
		}
		if c.Observability.CollectorURL == "" {
			return fmt.Errorf("config: observability.collector_url is required when observability.enabled and observability.send_to_cloud are both true")
		}
	}

	sinkNames := make(map[string]bool, len(c.Sinks))
	for _, s := range c.Sinks {
		if s.Name == "" {
			return fmt.Errorf("config: sink name must not be empty")
		}
		if err := validateSnowflakeIdentifiers(s.Snowflake); err != nil {
			return fmt.Errorf("config: sink %q: %w", s.Name, err)
		}
		sinkNames[s.Name] = true
	}

	if c.Checkpoint.Backend == "snowflake" {
		if err := validateIdentifier("checkpoint table", c.Checkpoint.Snowflake.Table); err != nil {
			return err
		}
	}

	for _, m := range c.Mappings {
		if m.Name == "" {
			return fmt.Errorf("config: mapping name must not be empty")
		}
		if m.Sink != "" && !sinkNames[m.Sink] {
			return fmt.Errorf("config: mapping %q references unknown sink %q", m.Name, m.Sink)
		}
		for kind, v := range map[string]string{
			"target_db":     m.TargetDB,
			"target_schema": m.TargetSchema,
			"target_table":  m.TargetTable,
		} {
			if err := validateIdentifier(kind, v); err != nil {
				return fmt.Errorf("config: mapping %q: %w", m.Name, err)
			}
		}
	}

	return nil
}

func validateIdentifier(kind, value string) error {
	if value == "" || !identifierPattern.MatchString(value) {
		return fmt.Errorf("config: invalid %s identifier: %q", kind, value)
	}
	return nil
}

func validateSnowflakeIdentifiers(c SnowflakeConnConfig) error {
	fields := map[string]string{
		"database":  c.Database,
		"schema":    c.Schema,
		"warehouse": c.Warehouse,
		"role":      c.Role,
		"table":     c.Table,
	}
	for kind, v := range fields {
		if v == "" {
			continue
		}
		if err := validateIdentifier(kind, v); err != nil {
			return err
		}
	}
	return nil
}
