package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agent-spend-authorizer/internal/database"
	"agent-spend-authorizer/internal/logging"
	"agent-spend-authorizer/internal/models"
	"agent-spend-authorizer/internal/validation"
)

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one anomaly detection pass and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := contextOrBackground(cmd.Context())

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			summary, err := a.svc.RunAnomalyScan(ctx)
			if err != nil {
				return fmt.Errorf("anomaly scan failed: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}

// migrator is implemented by stores that manage their own schema.
type migrator interface {
	Migrate(ctx context.Context) error
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := contextOrBackground(cmd.Context())

			store, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			m, ok := store.(migrator)
			if !ok {
				return fmt.Errorf("driver %q does not support migrations", cfg.Database.Driver)
			}
			if err := m.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logging.Component("main").Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
			return nil
		},
	}
}

// seedFile is the fixture format for agents and cards, which are owned by
// another system in production.
type seedFile struct {
	Agents []models.Agent `yaml:"agents"`
	Cards  []models.Card  `yaml:"cards"`
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load agents and cards from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := contextOrBackground(cmd.Context())

			fixture, err := readSeedFile(file)
			if err != nil {
				return err
			}

			store, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			if err := seed(ctx, store, fixture); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d agents and %d cards\n", len(fixture.Agents), len(fixture.Cards))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed fixture (YAML)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func readSeedFile(path string) (seedFile, error) {
	var fixture seedFile
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fixture, fmt.Errorf("failed to read seed file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return fixture, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return fixture, nil
}

func seed(ctx context.Context, store database.Store, fixture seedFile) error {
	for _, agent := range fixture.Agents {
		if agent.Status == "" {
			agent.Status = models.StatusGreen
		}
		for i, c := range agent.AllowedMerchantCategories {
			agent.AllowedMerchantCategories[i] = validation.NormalizeCategory(c)
		}
		for i, c := range agent.BlockedMerchantCategories {
			agent.BlockedMerchantCategories[i] = validation.NormalizeCategory(c)
		}
		if err := validation.ValidateAgent(agent); err != nil {
			return fmt.Errorf("agent %q: %w", agent.ID, err)
		}
		if err := store.UpsertAgent(ctx, agent); err != nil {
			return fmt.Errorf("agent %q: %w", agent.ID, err)
		}
	}
	for _, card := range fixture.Cards {
		if err := validation.ValidateCard(card); err != nil {
			return fmt.Errorf("card %q: %w", card.ID, err)
		}
		if err := store.UpsertCard(ctx, card); err != nil {
			return fmt.Errorf("card %q: %w", card.ID, err)
		}
	}
	return nil
}
