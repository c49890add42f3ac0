package docs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/conflictatlas/conflictatlas/internal/config"
	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
)

// Result is the outcome of a full documentation check.
type Result struct {
	TOCEntries  int
	MissingTOC  []string
	LinksTotal  int
	BrokenLinks []LinkResult
}

// OK reports whether nothing is broken.
func (r *Result) OK() bool {
	return len(r.MissingTOC) == 0 && len(r.BrokenLinks) == 0
}

// Err returns a DOCS error describing the first category of breakage, or
// nil.
func (r *Result) Err() error {
	switch {
	case len(r.MissingTOC) > 0:
		return atlaserrors.NewDocsError(atlaserrors.CodeBrokenTOC,
			fmt.Sprintf("%d table of contents entries do not resolve: %s", len(r.MissingTOC), strings.Join(r.MissingTOC, ", ")))
	case len(r.BrokenLinks) > 0:
		msgs := make([]string, len(r.BrokenLinks))
		for i, b := range r.BrokenLinks {
			msgs[i] = b.String()
		}
		return atlaserrors.NewDocsError(atlaserrors.CodeBrokenLink,
			fmt.Sprintf("%d broken links: %s", len(r.BrokenLinks), strings.Join(msgs, "; ")))
	}
	return nil
}

// Check validates the table of contents and every README and TOC url link
// described by cfg. Either file may be absent from cfg by leaving its path
// empty.
func Check(ctx context.Context, cfg config.DocsConfig, checker *Checker, log logrus.FieldLogger) (*Result, error) {
	res := &Result{}
	var links []Link

	if cfg.TOCPath != "" {
		tocPath := cfg.TOCPath
		if !filepath.IsAbs(tocPath) {
			tocPath = filepath.Join(cfg.BookRoot, tocPath)
		}
		toc, err := ParseTOC(tocPath)
		if err != nil {
			return nil, err
		}
		res.TOCEntries = len(toc.Files())
		res.MissingTOC = CheckTOC(cfg.BookRoot, toc)
		for _, u := range toc.URLs() {
			links = append(links, Link{URL: u})
		}
		log.WithFields(logrus.Fields{"entries": res.TOCEntries, "missing": len(res.MissingTOC)}).Info("checked table of contents")
	}

	if cfg.ReadmePath != "" {
		readme := cfg.ReadmePath
		if !filepath.IsAbs(readme) {
			readme = filepath.Join(cfg.BookRoot, readme)
		}
		data, err := os.ReadFile(readme)
		if err != nil {
			return nil, fmt.Errorf("docs: failed to read %s: %w", readme, err)
		}
		links = append(links, ExtractLinks(string(data))...)
		if checker.BaseDir == "" {
			checker.BaseDir = filepath.Dir(readme)
		}
	}

	res.LinksTotal = len(links)
	results, err := checker.CheckLinks(ctx, links)
	if err != nil {
		return nil, err
	}
	res.BrokenLinks = Broken(results)
	for _, b := range res.BrokenLinks {
		log.WithField("link", b.Link.URL).Warn("broken link: " + b.String())
	}
	return res, nil
}
