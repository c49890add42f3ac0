// Package docs checks the integrity of the project's Jupyter Book table of
// contents and the links in its README.
package docs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one node of a Jupyter Book table of contents.
type Entry struct {
	File     string  `yaml:"file"`
	URL      string  `yaml:"url"`
	Title    string  `yaml:"title"`
	Glob     string  `yaml:"glob"`
	Caption  string  `yaml:"caption"`
	Chapters []Entry `yaml:"chapters"`
	Sections []Entry `yaml:"sections"`
	Parts    []Entry `yaml:"parts"`
}

// TOC is a parsed _toc.yml.
type TOC struct {
	Format   string  `yaml:"format"`
	Root     string  `yaml:"root"`
	Chapters []Entry `yaml:"chapters"`
	Parts    []Entry `yaml:"parts"`
}

// ParseTOC reads and decodes a _toc.yml.
func ParseTOC(path string) (*TOC, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("docs: failed to read %s: %w", path, err)
	}
	var toc TOC
	if err := yaml.Unmarshal(data, &toc); err != nil {
		return nil, fmt.Errorf("docs: failed to parse %s: %w", path, err)
	}
	if toc.Root == "" {
		return nil, fmt.Errorf("docs: %s has no root entry", path)
	}
	return &toc, nil
}

// Files returns every file reference in document order, root first.
func (t *TOC) Files() []string {
	files := []string{t.Root}
	var walk func([]Entry)
	walk = func(entries []Entry) {
		for _, e := range entries {
			if e.File != "" {
				files = append(files, e.File)
			}
			walk(e.Parts)
			walk(e.Chapters)
			walk(e.Sections)
		}
	}
	walk(t.Parts)
	walk(t.Chapters)
	return files
}

// URLs returns every external url entry.
func (t *TOC) URLs() []string {
	var urls []string
	var walk func([]Entry)
	walk = func(entries []Entry) {
		for _, e := range entries {
			if e.URL != "" {
				urls = append(urls, e.URL)
			}
			walk(e.Parts)
			walk(e.Chapters)
			walk(e.Sections)
		}
	}
	walk(t.Parts)
	walk(t.Chapters)
	return urls
}

// sourceExtensions are tried, in order, for entries given without one.
var sourceExtensions = []string{".ipynb", ".md", ".rst", ".myst"}

// CheckTOC returns the file entries that resolve to no source file under
// root. An empty result means the table of contents is intact.
func CheckTOC(root string, toc *TOC) []string {
	var missing []string
	for _, f := range toc.Files() {
		if !resolves(root, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

func resolves(root, entry string) bool {
	p := filepath.Join(root, filepath.FromSlash(entry))
	if ext := filepath.Ext(p); ext != "" {
		for _, known := range sourceExtensions {
			if strings.EqualFold(ext, known) {
				return isFile(p)
			}
		}
	}
	for _, ext := range sourceExtensions {
		if isFile(p + ext) {
			return true
		}
	}
	return false
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
