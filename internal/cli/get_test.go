package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambiyansyah-risyal/reqflow/internal/mockserver"
)

func TestGetCommand_Text(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()

	out, err := execute(t, "--base-url", srv.URL, "get", "/widgets", "--param", "page=2")
	require.NoError(t, err)
	assert.Contains(t, out, "#1 network")
	assert.Contains(t, out, "widget-4")
}

func TestGetCommand_RepeatServedFromCache(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()

	out, err := execute(t, "--base-url", srv.URL, "--format", "json", "get", "/count", "-p", "countKey=a", "--repeat", "3")
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var results []GetResult
	for dec.More() {
		var r GetResult
		require.NoError(t, dec.Decode(&r))
		results = append(results, r)
	}
	require.Len(t, results, 3)
	assert.False(t, results[0].FromCache)
	assert.True(t, results[1].FromCache)
	assert.True(t, results[2].FromCache)
	assert.Equal(t, 1, srv.Hits("/count"))
}

func TestGetCommand_ConcurrentShareOneCall(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()

	_, err := execute(t, "--base-url", srv.URL, "get", "/slow", "-p", "delay=200", "--cache", "no-store", "--repeat", "4", "--concurrent")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Hits("/slow"))
}

func TestGetCommand_Failure(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()

	out, err := execute(t, "--base-url", srv.URL, "get", "/missing")
	require.Error(t, err)
	assert.Contains(t, out, "error")
}

func TestGetCommand_BadParam(t *testing.T) {
	_, err := execute(t, "get", "http://example.invalid/x", "--param", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --param")
}

func TestCachePurge_Durable(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "reqflow.yaml")
	cfg := "base_url: " + srv.URL + "\n" +
		"cache:\n" +
		"  durable:\n" +
		"    driver: sqlite\n" +
		"    dsn: " + filepath.Join(dir, "cache.db") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	_, err := execute(t, "-c", cfgPath, "get", "/widgets", "-p", "page=1", "--cache", "max-age=60, persist")
	require.NoError(t, err)

	// A fresh process reads the durable tier.
	out, err := execute(t, "-c", cfgPath, "get", "/widgets", "-p", "page=1", "--cache", "max-age=60, persist")
	require.NoError(t, err)
	assert.Contains(t, out, "#1 cache")
	assert.Equal(t, 1, srv.Hits("/widgets"))

	out, err = execute(t, "-c", cfgPath, "cache", "purge", "--where", `entry.url.contains("/widgets")`)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 entries")

	out, err = execute(t, "-c", cfgPath, "cache", "purge", "--where", `entry.url.contains("/widgets")`)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 entries")
}

func TestCachePurge_RequiresOneSelector(t *testing.T) {
	_, err := execute(t, "cache", "purge")
	require.Error(t, err)

	_, err = execute(t, "cache", "purge", "--where", "true", "--tag", "v1")
	require.Error(t, err)
}
