package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/app"
	"libracirc/internal/audit"
	"libracirc/internal/catalog"
	"libracirc/internal/config"
	"libracirc/internal/httpapi"
	"libracirc/internal/lending"
	"libracirc/internal/membership"
	"libracirc/internal/storage"
	"libracirc/internal/storage/storagetest"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DRIVER", storage.DriverSQLite)
	t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "circ.db"))
	t.Setenv("LOG_LEVEL", "error")
}

func TestParseLines(t *testing.T) {
	lines, err := parseLines([]string{"41", "42:3"})
	require.NoError(t, err)
	assert.Equal(t, []lending.BatchLine{{ItemID: "41", Quantity: 1}, {ItemID: "42", Quantity: 3}}, lines)

	for _, bad := range []string{"41:", "41:0", "41:x"} {
		_, err := parseLines([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestLocalCommands(t *testing.T) {
	sqliteEnv(t)

	out, err := execute(t, "", "migrate")
	require.NoError(t, err)
	assert.Equal(t, "schema at version 1\n", out)

	out, err = execute(t, "correct horse\n", "staff", "add", "desk", "--password-stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "staff account desk created")

	_, err = execute(t, "short\n", "staff", "add", "clerk", "--password-stdin")
	assert.Error(t, err)

	out, err = execute(t, "", "sweep")
	require.NoError(t, err)
	assert.Equal(t, "0 loans marked overdue, 0 sessions purged\n", out)
}

func TestRemoteCommands(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("AUTH_REQUIRED", "false")
	cfg, err := config.Load()
	require.NoError(t, err)

	ctx := context.Background()
	logger := storagetest.Logger()
	a, err := app.Open(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	srv := httptest.NewServer(httpapi.NewRouter(httpapi.Services{
		Catalog: a.Catalog, Members: a.Members, Lending: a.Lending, Auth: a.Auth, Audit: a.Audit, Store: a.DB,
	}, logger, httpapi.Options{}))
	t.Cleanup(srv.Close)

	item, err := a.Catalog.AddItem(ctx, catalog.NewItem{Title: "Middlemarch", TotalCopies: 2})
	require.NoError(t, err)
	_, err = a.Members.RegisterMember(ctx, membership.NewMember{ID: "R001", Name: "Ann"})
	require.NoError(t, err)

	out, err := execute(t, "", "--server", srv.URL, "borrow", "R001", item.ID+":2")
	require.NoError(t, err)
	assert.Contains(t, out, "LOAN")
	assert.Equal(t, 3, strings.Count(out, "\n"))

	loans, err := a.Lending.ListLoans(ctx, lending.LoanFilter{MemberID: "R001"})
	require.NoError(t, err)
	require.Len(t, loans, 2)

	_, err = execute(t, "", "--server", srv.URL, "borrow", "R001", item.ID)
	assert.ErrorIs(t, err, lending.ErrNoCopiesAvailable)

	out, err = execute(t, "", "--server", srv.URL, "return", "--mode", "partial", loans[0].ID, "L-missing")
	assert.EqualError(t, err, "1 of 2 returns failed")
	assert.Contains(t, out, loans[0].ID)

	out, err = execute(t, "", "--server", srv.URL, "stock", "adjust", item.ID, "1")
	require.NoError(t, err)
	assert.Equal(t, item.ID+": 2 of 3 available\n", out)

	out, err = execute(t, "", "--server", srv.URL, "stats", "--top", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Middlemarch")

	out, err = execute(t, "", "--server", srv.URL, "history", "loan", loans[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "LoanOpened")
	assert.Contains(t, out, "LoanClosed")
	assert.Contains(t, out, "member_id=R001")

	_, err = execute(t, "", "--server", srv.URL, "history", "shelf", "x")
	assert.ErrorContains(t, err, "unknown record type")

	_, err = execute(t, "", "--server", srv.URL, "history", "member", "R404")
	assert.ErrorIs(t, err, audit.ErrNoEvents)
}

func TestFormatPayload(t *testing.T) {
	got := formatPayload(map[string]any{"to": "suspended", "id": "R001", "from": "active"})
	assert.Equal(t, "from=active id=R001 to=suspended", got)
	assert.Empty(t, formatPayload(nil))
}
