package playbook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logger "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/zoff-tech/go-remedy/pkg/store"
	"github.com/zoff-tech/go-remedy/schema"
)

// LoadSeedDir parses every .yaml/.yml file under dir into playbook
// definitions. A file holds either a single definition or a list of them.
// Files are read in name order so seeding is deterministic.
func LoadSeedDir(dir string) ([]schema.PlaybookDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read seed dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var defs []schema.PlaybookDefinition
	for _, name := range names {
		parsed, err := parseSeedFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, parsed...)
	}
	return defs, nil
}

func parseSeedFile(path string) ([]schema.PlaybookDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []schema.PlaybookDefinition
	if err := yaml.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single schema.PlaybookDefinition
	if err := yaml.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return []schema.PlaybookDefinition{single}, nil
}

// Seed validates and inserts definitions, counting the ones actually written.
// Versions already present are skipped, not overwritten: published versions
// are immutable, so re-running the seeder against a live store is safe.
func Seed(ctx context.Context, st store.ExceptionStore, defs []schema.PlaybookDefinition) (int, error) {
	log := logger.WithField("component", "playbook-seeder")
	inserted := 0
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return inserted, fmt.Errorf("playbook %s v%d: %w", def.PlaybookID, def.Version, err)
		}
		err := st.InsertPlaybook(ctx, def.TenantID, def)
		if errors.Is(err, store.ErrImmutableVersion) {
			log.WithFields(logger.Fields{
				"playbook_id": def.PlaybookID,
				"version":     def.Version,
			}).Debug("seed version already present, skipping")
			continue
		}
		if err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// SeedFromDir is the convenience used by service startup: load the directory
// and seed whatever it holds. A missing or empty directory seeds nothing.
func SeedFromDir(ctx context.Context, st store.ExceptionStore, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	defs, err := LoadSeedDir(dir)
	if err != nil {
		return 0, err
	}
	return Seed(ctx, st, defs)
}
