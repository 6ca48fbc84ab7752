package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitsnap/gitsnap/catalog"
	"github.com/gitsnap/gitsnap/common/stats"
	"github.com/gitsnap/gitsnap/config"
)

type fakeInjector struct {
	cfg *config.Config
}

func (f *fakeInjector) RegisterFlags(*cobra.Command)    {}
func (f *fakeInjector) Inject() (*config.Config, error) { return f.cfg, nil }
func (f *fakeInjector) Stats() stats.StatsReceiver      { return stats.NilStatsReceiver() }

func TestPruneKeepsCompleteSnapshots(t *testing.T) {
	cfg := config.Default()
	cfg.Snapshots = filepath.Join(t.TempDir(), "snapshots")
	cat, err := catalog.Open(cfg.Snapshots)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cat.Now = func() time.Time { return now }
	done, err := cat.Create("run-1")
	require.NoError(t, err)
	require.NoError(t, cat.Finalize(done, "run-1"))
	now = now.Add(time.Hour)
	_, err = cat.Create("run-2")
	require.NoError(t, err)

	cmd := MakeCLI(&fakeInjector{cfg: cfg})
	cmd.SetArgs([]string{"snapshots", "prune"})
	require.NoError(t, cmd.Execute())

	all, err := cat.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, done.Name, all[0].Name)
}

func TestVerifyWithoutSnapshots(t *testing.T) {
	cfg := config.Default()
	cfg.Snapshots = filepath.Join(t.TempDir(), "snapshots")

	cmd := MakeCLI(&fakeInjector{cfg: cfg})
	cmd.SetArgs([]string{"verify"})
	assert.Error(t, cmd.Execute())
}
