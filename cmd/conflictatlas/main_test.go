package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

const sampleCSV = `event_id_cnty,event_date,event_type,sub_event_type,actor1,iso,country,admin1,latitude,longitude,fatalities,timestamp
HTI2001,2024-01-10,Battles,Armed clash,Viv Ansanm,332,Haiti,Ouest,18.54,-72.33,1,1705000000
HTI2002,2024-02-11,Riots,Mob violence,Rioters (Haiti),332,Haiti,Nord,19.75,-72.20,0,1707000000
`

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("conflictatlas version %s (commit: %s)\n", version, commit), out)
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/file\ncountry: dom\n"), 0644))
	t.Setenv("CONFLICTATLAS_DATA_DIR", "/from/env")

	o := &options{configFile: path, envFiles: []string{filepath.Join(dir, "none.env")}}
	cfg, err := o.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DataDir)
	assert.Equal(t, "DOM", cfg.Country)

	o.dataDir = "/from/flag"
	o.from = "2024-01-01"
	o.refresh = true
	cfg, err = o.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.DataDir)
	assert.Equal(t, "2024-01-01", cfg.ACLED.From)
	assert.True(t, cfg.ArcGIS.Refresh)
}

func TestLoadConfig_InvalidIsValidationError(t *testing.T) {
	o := &options{envFiles: []string{filepath.Join(t.TempDir(), "none.env")}, to: "2024/01/31"}
	_, err := o.loadConfig()
	require.Error(t, err)
	assert.Equal(t, atlaserrors.ErrCategoryValidation, atlaserrors.GetCategory(err))
	assert.Equal(t, 2, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 75, exitCode(atlaserrors.NewStoreError(atlaserrors.CodeBusy, "locked", nil)))
	assert.Equal(t, 1, exitCode(atlaserrors.NewStoreError(atlaserrors.CodeWriteFailed, "constraint", nil)))
	assert.Equal(t, 1, exitCode(fmt.Errorf("plain")))
}

func TestIngestThenStatus(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "acled.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(sampleCSV), 0644))
	common := []string{"--data-dir", filepath.Join(dir, "data"), "--env-file", filepath.Join(dir, "none.env")}

	out, err := execute(t, append(common, "ingest", csvPath)...)
	require.NoError(t, err)
	assert.Contains(t, out, "read 2, rejected 0, inserted 2, updated 0, unchanged 0")

	out, err = execute(t, append(common, "ingest", csvPath)...)
	require.NoError(t, err)
	assert.Contains(t, out, "inserted 0, updated 0, unchanged 2")

	out, err = execute(t, append(common, "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "events 2 (2024-01-10 to 2024-02-11), fatalities 1")
	assert.Contains(t, out, "event types: Battles 1, Riots 1")
	assert.Contains(t, out, "departments: Nord 1, Ouest 1")
	assert.Contains(t, out, "ingest")
	assert.Contains(t, out, "succeeded")
}

func TestIngest_MissingFileIsRecorded(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--data-dir", filepath.Join(dir, "data"), "--env-file", filepath.Join(dir, "none.env")}

	_, err := execute(t, append(common, "ingest", filepath.Join(dir, "missing.csv"))...)
	require.Error(t, err)
	assert.Equal(t, 75, exitCode(err))

	out, err := execute(t, append(common, "status")...)
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
}

func TestPublishThenFetch(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--data-dir", filepath.Join(dir, "data"), "--env-file", filepath.Join(dir, "none.env")}

	_, err := execute(t, append(common, "fetch", "run-1")...)
	require.Error(t, err)
	assert.Equal(t, atlaserrors.CodeObjectNotFound, atlaserrors.GetCode(err))

	src := filepath.Join(dir, "run-1")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "summary.json"), []byte(`{"events":2}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "admin1.csv"), []byte("key,events\n"), 0644))
	out, err := execute(t, append(common, "publish", src)...)
	require.NoError(t, err)
	assert.Contains(t, out, "run-1/summary.json")

	dst := filepath.Join(dir, "fetched")
	out, err = execute(t, append(common, "fetch", "run-1", "--dir", dst)...)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dst, "admin1.csv"))
	data, err := os.ReadFile(filepath.Join(dst, "summary.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"events":2}`, string(data))
}

func TestDocsCheck(t *testing.T) {
	book := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(book, "_toc.yml"),
		[]byte("format: jb-book\nroot: intro\nchapters:\n  - file: analysis\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(book, "intro.md"), []byte("# Intro\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(book, "README.md"), []byte("See [the intro](intro.md).\n"), 0644))
	common := []string{"--env-file", filepath.Join(book, "none.env"), "docs", "check", "--root", book}

	out, err := execute(t, append(common, "--toc", "_toc.yml", "--readme", "README.md")...)
	require.Error(t, err)
	assert.Equal(t, atlaserrors.CodeBrokenTOC, atlaserrors.GetCode(err))
	assert.Contains(t, out, "missing: analysis")

	require.NoError(t, os.WriteFile(filepath.Join(book, "analysis.md"), []byte("# Analysis\n"), 0644))
	out, err = execute(t, append(common, "--toc", "_toc.yml", "--readme", "README.md")...)
	require.NoError(t, err)
	assert.Contains(t, out, "toc entries 2, missing 0; links 1, broken 0")
}
