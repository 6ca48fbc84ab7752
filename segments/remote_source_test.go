package segments

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitsnap/gitsnap/transport"
)

func TestRemoteSource(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctx := context.Background()
	ch := transport.NewMockChannel(mockCtrl)
	cmds := DefaultRemoteCommands(DefaultRemoteDir)
	src := NewRemoteSource(ch, cmds)

	ch.EXPECT().Run(ctx, "ls -1 /data/user/audit-log").Return([]byte("audit_log-2024-04\naudit_log-2024-05\n\n"), nil)
	ids, err := src.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit_log-2024-04", "audit_log-2024-05"}, ids)

	ch.EXPECT().Run(ctx, "date -u +%Y-%m").Return([]byte("2024-05\n"), nil)
	p, err := src.CurrentPeriod(ctx)
	require.NoError(t, err)
	assert.Equal(t, Period{2024, 5}, p)

	ch.EXPECT().Stream(ctx, "cat /data/user/audit-log/audit_log-2024-04", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, w io.Writer) error {
			_, err := w.Write([]byte("entries"))
			return err
		})
	var buf bytes.Buffer
	n, err := src.Fetch(ctx, "audit_log-2024-04", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "entries", buf.String())

	for _, bad := range []string{"../etc/passwd", "a b", "", ".hidden", "x;`rm`"} {
		_, err := src.Fetch(ctx, bad, &buf)
		assert.Error(t, err, bad)
	}
}

func TestHTTPSource(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/log/segments":
			w.Write([]byte("audit_log-2024-01\naudit_log-2024-02\n"))
		case "/log/period":
			w.Write([]byte("2024-02"))
		case "/log/segments/audit_log-2024-01":
			w.Write([]byte("january"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	ctx := context.Background()
	src := NewHTTPSource(ts.URL+"/log/", http.DefaultClient)

	ids, err := src.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit_log-2024-01", "audit_log-2024-02"}, ids)

	p, err := src.CurrentPeriod(ctx)
	require.NoError(t, err)
	assert.Equal(t, Period{2024, 2}, p)

	var buf bytes.Buffer
	n, err := src.Fetch(ctx, "audit_log-2024-01", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "january", buf.String())

	_, err = src.Fetch(ctx, "audit_log-2023-12", &buf)
	assert.Error(t, err)
}

func TestPesterClient(t *testing.T) {
	c := MakePesterClient()
	assert.Equal(t, DefaultHTTPTries, c.MaxRetries)
}
