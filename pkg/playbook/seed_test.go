package playbook

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-remedy/pkg/store"
)

const seedSingle = `
playbook_id: pb-settlement
version: 1
name: Settlement mismatch
match:
  domain: payments
  severities: [HIGH, CRITICAL]
steps:
  - step_order: 1
    name: notify ops
    action_type: notify
  - step_order: 2
    name: restart settlement
    action_type: call_tool
    tool: restart-settlement
active: true
`

const seedList = `
- tenant_id: tenant-a
  playbook_id: pb-duplicates
  version: 1
  name: Duplicate submissions
  match:
    domain: payments
    predicates:
      - field: exception_type
        op: eq
        value: duplicate_submission
  steps:
    - step_order: 1
      name: discard duplicate
      action_type: set_status
      params:
        status: resolved
  active: true
- playbook_id: pb-fallback
  version: 1
  name: Fallback escalation
  fallback: true
  steps:
    - step_order: 1
      name: escalate to operator
      action_type: escalate
  active: true
`

func writeSeeds(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "10-settlement.yaml"), []byte(seedSingle), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "20-shared.yml"), []byte(seedList), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed files"), 0o644))
	return dir
}

func TestLoadSeedDir(t *testing.T) {
	defs, err := LoadSeedDir(writeSeeds(t))
	assert.NoError(t, err)
	assert.Len(t, defs, 3)
	// Name-ordered files: the single-definition file parses first
	assert.Equal(t, "pb-settlement", defs[0].PlaybookID)
	assert.Equal(t, "pb-duplicates", defs[1].PlaybookID)
	assert.Equal(t, "tenant-a", defs[1].TenantID)
	assert.Equal(t, "pb-fallback", defs[2].PlaybookID)
	assert.True(t, defs[2].Fallback)
}

func TestSeed_SkipsExistingVersions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	defs, err := LoadSeedDir(writeSeeds(t))
	assert.NoError(t, err)

	inserted, err := Seed(ctx, st, defs)
	assert.NoError(t, err)
	assert.Equal(t, 3, inserted)

	// Re-running against a live store writes nothing: versions are immutable
	inserted, err = Seed(ctx, st, defs)
	assert.NoError(t, err)
	assert.Equal(t, 0, inserted)

	global, err := st.ListPlaybooks(ctx, "tenant-b")
	assert.NoError(t, err)
	assert.Len(t, global, 2) // the two global definitions only

	owned, err := st.ListPlaybooks(ctx, "tenant-a")
	assert.NoError(t, err)
	assert.Len(t, owned, 3)
}

func TestSeed_RejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	bad := `
playbook_id: pb-bad
version: 1
name: Bad
steps:
  - step_order: 1
    name: broken
    action_type: call_tool
active: true
`
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(bad), 0o644))

	defs, err := LoadSeedDir(dir)
	assert.NoError(t, err)

	_, err = Seed(context.Background(), store.NewMemoryStore(), defs)
	assert.ErrorContains(t, err, "names no tool")
}

func TestSeedFromDir_MissingDirSeedsNothing(t *testing.T) {
	n, err := SeedFromDir(context.Background(), store.NewMemoryStore(), "/nonexistent/seed/dir")
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}
