package main

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/httpseal/flowtap/pkg/admin"
	"github.com/httpseal/flowtap/pkg/filter"
	"github.com/httpseal/flowtap/pkg/logger"
	"github.com/httpseal/flowtap/pkg/metrics"
	"github.com/httpseal/flowtap/pkg/recorder"
	"github.com/httpseal/flowtap/pkg/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAdmin(t *testing.T) (*httptest.Server, *filter.Engine) {
	t.Helper()

	log := logger.NewWriter(io.Discard, false)
	m := metrics.NewCollector()
	w, err := sink.NewWriter(sink.DefaultEncoding, log, m)
	require.NoError(t, err)

	engine := filter.NewEngine()
	rec := recorder.New(recorder.Options{LogDir: t.TempDir()}, engine, w, log, m)
	srv := httptest.NewServer(admin.NewServer("", rec, m.Handler(), log).Handler())
	t.Cleanup(srv.Close)
	return srv, engine
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSetFilterSubcommand(t *testing.T) {
	srv, engine := startAdmin(t)

	out, err := runCommand(t, "set-filter", "/api/", "--admin-addr", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Filter updated to: /api/\n", out)
	assert.False(t, engine.Matches("https://example.com/static/app.js"))

	out, err = runCommand(t, "set-filter", "[invalid", "--admin-addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Invalid regex: ")

	current, ok := engine.Pattern()
	assert.True(t, ok)
	assert.Equal(t, "/api/", current)
}

func TestGetFilterSubcommand(t *testing.T) {
	srv, engine := startAdmin(t)

	out, err := runCommand(t, "get-filter", "--admin-addr", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "No filter set, every URL matches\n", out)

	_, err = engine.SetFilter(`example\.com`)
	require.NoError(t, err)

	out, err = runCommand(t, "get-filter", "--admin-addr", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "example\\.com\n", out)
}

func TestSetFilterSubcommandRequiresPattern(t *testing.T) {
	_, err := runCommand(t, "set-filter")
	assert.Error(t, err)
}
