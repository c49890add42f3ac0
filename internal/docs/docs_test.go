package docs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conflictatlas/conflictatlas/internal/config"
	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
	"github.com/conflictatlas/conflictatlas/internal/logging"
)

const sampleTOC = `format: jb-book
root: intro
parts:
  - caption: Data
    chapters:
      - file: notebooks/boundaries
      - file: notebooks/acled.ipynb
        sections:
          - file: notebooks/missing
  - caption: Links
    chapters:
      - url: https://data.example.org/datasets
        title: Datasets
`

func writeBook(t *testing.T, toc string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range map[string]string{
		"intro.md":                   "# Intro",
		"notebooks/boundaries.ipynb": "{}",
		"notebooks/acled.ipynb":      "{}",
	} {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "_toc.yml"), []byte(toc), 0644))
	return root
}

func TestParseAndCheckTOC(t *testing.T) {
	root := writeBook(t, sampleTOC)
	toc, err := ParseTOC(filepath.Join(root, "_toc.yml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"intro", "notebooks/boundaries", "notebooks/acled.ipynb", "notebooks/missing"}, toc.Files())
	assert.Equal(t, []string{"https://data.example.org/datasets"}, toc.URLs())
	assert.Equal(t, []string{"notebooks/missing"}, CheckTOC(root, toc))
}

func TestParseTOC_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := ParseTOC(filepath.Join(dir, "absent.yml"))
	assert.Error(t, err)

	p := filepath.Join(dir, "_toc.yml")
	require.NoError(t, os.WriteFile(p, []byte("chapters: []\n"), 0644))
	_, err = ParseTOC(p)
	assert.ErrorContains(t, err, "no root")

	require.NoError(t, os.WriteFile(p, []byte("root: [unclosed\n"), 0644))
	_, err = ParseTOC(p)
	assert.Error(t, err)
}

func TestExtractLinks(t *testing.T) {
	md := "# Conflict atlas\n" +
		"See [ACLED](https://acleddata.com \"ACLED\") and ![map](img/map.png).\n" +
		"Contact <mailto:team@example.org> or <https://example.org/a>.\n" +
		"```\n[not a link](https://ignored.example)\n```\n" +
		"[anchor](#usage)\n"

	links := ExtractLinks(md)
	require.Len(t, links, 5)
	assert.Equal(t, Link{Text: "ACLED", URL: "https://acleddata.com", Line: 2}, links[0])
	assert.Equal(t, "img/map.png", links[1].URL)
	assert.Equal(t, "mailto:team@example.org", links[2].URL)
	assert.Equal(t, "https://example.org/a", links[3].URL)
	assert.Equal(t, Link{Text: "anchor", URL: "#usage", Line: 7}, links[4])
}

func TestExtractLinks_BalancedParentheses(t *testing.T) {
	const vhd = "https://services.arcgis.com/iQ1dY19aHwbSDYIF/ArcGIS/rest/services/" +
		"World_Bank_Official_Boundaries_World_Country_Polygons_(Very_High_Definition)/FeatureServer/0"
	md := "Country polygons come from [the boundary service](" + vhd + ").\n" +
		"Same link with a title [boundaries](" + vhd + " \"World Bank\") and in brackets [vhd](<" + vhd + ">).\n" +
		"(Wrapped [note](notes/a_(b).md)) and an unclosed [broken](https://example.org/x\n"

	links := ExtractLinks(md)
	require.Len(t, links, 4)
	for _, l := range links[:3] {
		assert.Equal(t, vhd, l.URL)
	}
	assert.Equal(t, "notes/a_(b).md", links[3].URL)
}

func newLinkServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	mux.HandleFunc("/nohead", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/datasets", func(w http.ResponseWriter, r *http.Request) {})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckLinks(t *testing.T) {
	srv := newLinkServer(t)
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "present.md"), nil, 0644))

	links := []Link{
		{URL: srv.URL + "/ok"},
		{URL: srv.URL + "/gone"},
		{URL: srv.URL + "/nohead"},
		{URL: "mailto:team@example.org"},
		{URL: "mailto:not-an-address"},
		{URL: "present.md#top"},
		{URL: "absent.md"},
		{URL: "#section"},
		{URL: "ftp://example.org/file"},
	}
	c := &Checker{BaseDir: base, Concurrency: 3}
	results, err := c.CheckLinks(context.Background(), links)
	require.NoError(t, err)
	require.Len(t, results, len(links))

	ok := make([]bool, len(results))
	for i, r := range results {
		ok[i] = r.OK()
	}
	assert.Equal(t, []bool{true, false, true, true, false, true, false, true, false}, ok)
	assert.Equal(t, http.StatusNotFound, results[1].Status)
	assert.Equal(t, http.StatusOK, results[2].Status)
	assert.Len(t, Broken(results), 4)
}

func TestCheck(t *testing.T) {
	srv := newLinkServer(t)
	root := writeBook(t, "root: intro\nchapters:\n  - file: notebooks/acled\n  - url: "+srv.URL+"/datasets\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"),
		[]byte("[book](intro.md) [bad]("+srv.URL+"/gone)\n"), 0644))

	cfg := config.DocsConfig{BookRoot: root, TOCPath: "_toc.yml", ReadmePath: "README.md"}
	res, err := Check(context.Background(), cfg, &Checker{Concurrency: 2}, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, 2, res.TOCEntries)
	assert.Empty(t, res.MissingTOC)
	assert.Equal(t, 3, res.LinksTotal)
	require.Len(t, res.BrokenLinks, 1)
	assert.False(t, res.OK())
	assert.Equal(t, atlaserrors.CodeBrokenLink, atlaserrors.GetCode(res.Err()))

	cfg.ReadmePath = ""
	res, err = Check(context.Background(), cfg, &Checker{}, logging.Discard())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.NoError(t, res.Err())
}
