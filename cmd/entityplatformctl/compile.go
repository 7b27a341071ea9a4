package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/entityplatform/core/internal/compiler"
	"github.com/entityplatform/core/internal/config"
	"github.com/entityplatform/core/internal/overlay"
	"github.com/entityplatform/core/internal/schema"
	"github.com/entityplatform/core/internal/sqlstore"
)

var compileCmd = &cobra.Command{
	Use:   "compile <schema.json>",
	Short: "Compile a draft schema file into a Compiled Model IR and print it as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, registry, overlays, err := loadDraftSchema(args[0])
		if err != nil {
			return err
		}
		c := compiler.New(registry, overlays)
		result, err := c.Compile(cmd.Context(), compiler.Request{
			TenantID: "cli", EntityName: s.EntityName, Version: s.Version, CompiledBy: "entityplatformctl",
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <schema.json>",
	Short: "Compile and publish a draft schema file, printing the resulting publish artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, registry, overlays, err := loadDraftSchema(args[0])
		if err != nil {
			return err
		}
		c := compiler.New(registry, overlays)
		artifacts, err := newArtifactStore()
		if err != nil {
			return err
		}
		result, err := c.Publish(cmd.Context(), compiler.Request{
			TenantID: "cli", EntityName: s.EntityName, Version: s.Version, CompiledBy: "entityplatformctl",
		}, registry, artifacts)
		if err != nil {
			return err
		}
		if !result.Success {
			return printJSON(result)
		}
		artifact, found, err := artifacts.Get(cmd.Context(), s.EntityName, s.Version)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("publish succeeded but no artifact recorded for %s v%d", s.EntityName, s.Version)
		}
		return printJSON(artifact)
	},
}

// loadDraftSchema reads a schema.Schema from path (JSON, or YAML when path
// ends in .yaml/.yml — operators hand-authoring a draft schema file
// typically reach for YAML) and stages it as a draft in the configured
// registry: the dolt-backed SQLRegistry when sql.dsn is set, otherwise a
// fresh in-memory one for a local "compile this file" workflow without a
// running Schema Registry database behind it.
func loadDraftSchema(path string) (schema.Schema, schema.Registry, overlay.Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.Schema{}, nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	var s schema.Schema
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return schema.Schema{}, nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &s); err != nil {
			return schema.Schema{}, nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.Status = schema.StatusDraft

	registry, err := newRegistry()
	if err != nil {
		return schema.Schema{}, nil, nil, err
	}
	if err := registry.CreateDraft(context.Background(), s); err != nil {
		return schema.Schema{}, nil, nil, fmt.Errorf("stage draft: %w", err)
	}
	overlays, err := newOverlayStore()
	if err != nil {
		return schema.Schema{}, nil, nil, err
	}
	return s, registry, overlays, nil
}

func newOverlayStore() (overlay.Store, error) {
	db, configured, err := openConfiguredDB()
	if err != nil {
		return nil, err
	}
	if !configured {
		return overlay.NewMemoryStore(), nil
	}
	return overlay.NewSQLStore(db), nil
}

func openConfiguredDB() (*sqlstore.DB, bool, error) {
	dsn := config.GetString(config.KeySQLDSN)
	if dsn == "" {
		return nil, false, nil
	}
	db, err := sqlstore.Open(config.GetString(config.KeySQLDriver), dsn)
	if err != nil {
		return nil, false, fmt.Errorf("open sql store: %w", err)
	}
	return db, true, nil
}

func newRegistry() (schema.Registry, error) {
	db, configured, err := openConfiguredDB()
	if err != nil {
		return nil, err
	}
	if !configured {
		return schema.NewMemoryRegistry(), nil
	}
	return schema.NewSQLRegistry(db), nil
}

func newArtifactStore() (schema.ArtifactStore, error) {
	db, configured, err := openConfiguredDB()
	if err != nil {
		return nil, err
	}
	if !configured {
		return schema.NewMemoryArtifactStore(), nil
	}
	return schema.NewSQLArtifactStore(db), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(compileCmd, publishCmd)
}
