package verify

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitsnap/gitsnap/layout"
	vt "github.com/gitsnap/gitsnap/verify/verifytest"
)

func TestClosedSnapshot(t *testing.T) {
	root := t.TempDir()
	a, b, c := vt.OID("a"), vt.OID("b"), vt.OID("c")

	repo, err := vt.NewRepo(root, layout.Path(layout.Repo{Kind: layout.Flat, ID: "app"}))
	require.NoError(t, err)
	require.NoError(t, repo.LooseObject(a))
	require.NoError(t, repo.Pack("1", b, c))
	require.NoError(t, repo.Ref("refs/heads/main", a))
	require.NoError(t, repo.PackedRefs(map[string]string{"refs/tags/v1": b}))
	require.NoError(t, repo.Reflog("refs/heads/main", "0000000000000000000000000000000000000000", c))
	require.NoError(t, repo.Reflog("refs/heads/main", c, a))

	report, err := Check(context.Background(), root, Options{Reflogs: true})
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Repos)
	assert.Equal(t, 5, report.Refs)
}

func TestDanglingRef(t *testing.T) {
	root := t.TempDir()
	repo, err := vt.NewRepo(root, layout.Path(layout.Repo{Kind: layout.Gist, ID: "42"}))
	require.NoError(t, err)
	missing := vt.OID("missing")
	require.NoError(t, repo.Ref("refs/heads/main", missing))

	report, err := Check(context.Background(), root, Options{})
	require.NoError(t, err)
	require.Len(t, report.Dangling, 1)
	assert.Equal(t, missing, report.Dangling[0].Object)
	assert.Equal(t, "refs/heads/main", report.Dangling[0].Ref)
	assert.Equal(t, layout.Repo{Kind: layout.Gist, ID: "42"}, report.Dangling[0].Repo)
}

func TestDanglingReflogOnlyWhenAsked(t *testing.T) {
	root := t.TempDir()
	repo, err := vt.NewRepo(root, "app/app.git")
	require.NoError(t, err)
	require.NoError(t, repo.Reflog("HEAD", vt.OID("gone"), vt.OID("also-gone")))

	report, err := Check(context.Background(), root, Options{})
	require.NoError(t, err)
	assert.True(t, report.OK())

	report, err = Check(context.Background(), root, Options{Reflogs: true})
	require.NoError(t, err)
	assert.Len(t, report.Dangling, 2)
}

func TestAlternates(t *testing.T) {
	root := t.TempDir()
	shared := vt.OID("shared")

	network, err := vt.NewRepo(root, layout.Path(layout.Repo{Kind: layout.Network, ID: "7"}))
	require.NoError(t, err)
	require.NoError(t, network.Pack("n", shared))

	fork, err := vt.NewRepo(root, "fork/fork.git")
	require.NoError(t, err)
	require.NoError(t, fork.Ref("refs/heads/main", shared))
	// absolute path on the source host
	require.NoError(t, fork.Alternates("/data/repositories/"+layout.Path(layout.Repo{Kind: layout.Network, ID: "7"})+"/objects"))

	report, err := Check(context.Background(), root, Options{})
	require.NoError(t, err)
	assert.False(t, report.OK())

	report, err = Check(context.Background(), root, Options{SourceRoot: "/data/repositories"})
	require.NoError(t, err)
	assert.True(t, report.OK())

	require.NoError(t, fork.Alternates(filepath.Join("..", "..", "..", layout.Path(layout.Repo{Kind: layout.Network, ID: "7"}), "objects")))
	report, err = Check(context.Background(), root, Options{})
	require.NoError(t, err)
	assert.True(t, report.OK())
}
