// Command evsnow runs the Event Hubs to Snowflake ingestion pipeline.
// It is an out-of-scope external collaborator around internal/app: a thin
// github.com/spf13/cobra CLI, no fancy flag composition, one RunE per
// subcommand, grounded on the pack's common cobra shape rather than on the
// teacher (kernel/cmd/kernel/main.go has no CLI framework at all).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evsnow/ingest/internal/app"
	"github.com/evsnow/ingest/internal/checkpoint"
	"github.com/evsnow/ingest/internal/config"
	"github.com/evsnow/ingest/internal/provisioning"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "evsnow",
		Short:         "Move events from Event Hubs (or Kafka) into Snowflake with at-least-once delivery",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newVersionCmd(),
		newCheckCredentialsCmd(),
		newValidateConfigCmd(),
		newRunCmd(),
		newStatusCmd(),
		newProvisionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newValidateConfigCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate configuration without connecting to anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config valid: %d sink(s), %d mapping(s)\n", len(cfg.Sinks), len(cfg.Mappings))
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading the environment")
	return cmd
}

func newCheckCredentialsCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "check-credentials",
		Short: "Load configuration, connect to the checkpoint store and every sink, and verify access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			a, err := app.Build(cfg, true, false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := a.Checkpoint.EnsureReady(ctx); err != nil {
				return fmt.Errorf("checkpoint store: %w", err)
			}
			for name, s := range a.Sinks {
				if err := s.EnsureReady(ctx); err != nil {
					return fmt.Errorf("sink %q: %w", name, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credentials ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading the environment")
	return cmd
}

func newRunCmd() *cobra.Command {
	var envFile string
	var dryRun bool
	var smart bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until a termination signal is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			a, err := app.Build(cfg, false, smart)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			if err := a.Checkpoint.EnsureReady(ctx); err != nil {
				cancel()
				return fmt.Errorf("checkpoint store: %w", err)
			}
			for name, s := range a.Sinks {
				if err := s.EnsureReady(ctx); err != nil {
					cancel()
					return fmt.Errorf("sink %q: %w", name, err)
				}
			}
			cancel()

			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), "dry run ok: sinks and checkpoint store are reachable")
				return nil
			}

			return a.Serve(context.Background())
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading the environment")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "verify the checkpoint store and every sink are ready, then exit without ingesting")
	cmd.Flags().BoolVar(&smart, "smart", false, "force the advisory (LLM-backed) retry engine regardless of retry.mode")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch the /stats snapshot from a running instance's status HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, "http://"+addr+"/stats", nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status endpoint returned %d", resp.StatusCode)
			}
			var stats map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				return fmt.Errorf("decode status response: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "host:port of the running instance's status HTTP server")
	return cmd
}

// newProvisionCmd drives internal/provisioning's one-off DDL helpers ahead of
// the pipeline's first run: the control table, every configured sink's
// target tables, and (optionally) a role grant, mirroring the original
// setup_snowflake.py script's sequence. Never called by the pipeline itself.
func newProvisionCmd() *cobra.Command {
	var envFile, role, publicKeyFile string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the control table and target tables this configuration needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if cfg.Checkpoint.Backend == "snowflake" {
				db, err := openProvisioningDB(cfg.Checkpoint.Snowflake)
				if err != nil {
					return fmt.Errorf("open checkpoint connection: %w", err)
				}
				sf := provisioning.NewSnowflake(db)
				cp := cfg.Checkpoint
				if err := sf.CreateDatabaseAndSchema(ctx, cp.Snowflake.Database, cp.Snowflake.Schema); err != nil {
					return err
				}
				table := cp.Snowflake.Table
				if table == "" {
					table = "INGESTION_STATUS"
				}
				if err := sf.CreateControlTable(ctx, cp.Snowflake.Database, cp.Snowflake.Schema, table); err != nil {
					return err
				}
				if publicKeyFile != "" {
					keyPEM, err := os.ReadFile(publicKeyFile)
					if err != nil {
						return fmt.Errorf("read public key file: %w", err)
					}
					if err := sf.AssignRSAPublicKey(ctx, cp.Snowflake.User, string(keyPEM)); err != nil {
						return err
					}
				}
				if role != "" {
					if err := sf.CreateRole(ctx, role, cp.Snowflake.Database, cp.Snowflake.Schema); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), "checkpoint control table ready")
			}

			for _, sc := range cfg.Sinks {
				db, err := openProvisioningDB(sc.Snowflake)
				if err != nil {
					return fmt.Errorf("open sink %q connection: %w", sc.Name, err)
				}
				sf := provisioning.NewSnowflake(db)
				if err := sf.CreateDatabaseAndSchema(ctx, sc.Snowflake.Database, sc.Snowflake.Schema); err != nil {
					return err
				}
				for _, mc := range cfg.Mappings {
					if mc.Sink != sc.Name {
						continue
					}
					if err := sf.CreateTargetTable(ctx, mc.TargetDB, mc.TargetSchema, mc.TargetTable); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "target table ready: %s.%s.%s\n", mc.TargetDB, mc.TargetSchema, mc.TargetTable)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading the environment")
	cmd.Flags().StringVar(&role, "role", "", "also create this role and grant it usage on the checkpoint database/schema")
	cmd.Flags().StringVar(&publicKeyFile, "public-key-file", "", "assign this PEM-encoded RSA public key to the checkpoint user for key-pair auth")
	return cmd
}

// openProvisioningDB opens a pooled Snowflake connection for one-off DDL,
// sharing internal/checkpoint's connection pool so a provisioning run against
// the same account/user/warehouse the pipeline itself uses doesn't open a
// second redundant connection.
func openProvisioningDB(cc config.SnowflakeConnConfig) (*sql.DB, error) {
	var key []byte
	if cc.PrivateKeyPath != "" {
		var err error
		key, err = os.ReadFile(cc.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", cc.PrivateKeyPath, err)
		}
	}
	return checkpoint.OpenSnowflakeDB(checkpoint.SnowflakeDSNConfig{
		Account:            cc.Account,
		User:               cc.User,
		Password:           cc.Password,
		PrivateKey:         key,
		PrivateKeyPassword: cc.PrivateKeyPass,
		Database:           cc.Database,
		Schema:             cc.Schema,
		Warehouse:          cc.Warehouse,
		Role:               cc.Role,
		Table:              cc.Table,
	})
}
