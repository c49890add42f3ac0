package docs

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Link is one link found in a markdown document.
type Link struct {
	Text string
	URL  string
	Line int
}

var (
	linkOpen = regexp.MustCompile(`!?\[([^\]]*)\]\(`)
	title    = regexp.MustCompile(`^\s*(?:"[^"]*"|'[^']*'|\([^)]*\))?\s*\)`)
	autoLink = regexp.MustCompile(`<((?:https?://|mailto:)[^>\s]+)>`)
	fence    = regexp.MustCompile("^\\s*(```|~~~)")
)

// ExtractLinks finds inline [text](url) and <url> autolinks in markdown,
// skipping fenced code blocks.
func ExtractLinks(markdown string) []Link {
	var links []Link
	inFence := false
	for i, line := range strings.Split(markdown, "\n") {
		if fence.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		// Inline links are blanked out so a <url> destination is not
		// reported a second time as an autolink.
		rest := []byte(line)
		for _, m := range linkOpen.FindAllStringSubmatchIndex(line, -1) {
			dest, n, ok := destination(line[m[1]:])
			if !ok {
				continue
			}
			links = append(links, Link{Text: line[m[2]:m[3]], URL: dest, Line: i + 1})
			for j := m[0]; j < m[1]+n; j++ {
				rest[j] = ' '
			}
		}
		for _, m := range autoLink.FindAllStringSubmatch(string(rest), -1) {
			links = append(links, Link{URL: m[1], Line: i + 1})
		}
	}
	return links
}

// destination reads a link destination from s, which starts just after the
// opening parenthesis. Parentheses inside a bare destination must balance,
// as in CommonMark, so ArcGIS service names like "..._(Very_High_Definition)"
// survive. n is the length consumed through the closing parenthesis; ok is
// false when the link is never closed.
func destination(s string) (dest string, n int, ok bool) {
	rest := strings.TrimLeft(s, " \t")
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", 0, false
		}
		dest, rest = rest[1:end], rest[end+1:]
	} else {
		depth, end := 0, len(rest)
	scan:
		for j := 0; j < len(rest); j++ {
			switch c := rest[j]; {
			case c == '\\' && j+1 < len(rest):
				j++
			case c == '(':
				depth++
			case c == ')':
				if depth == 0 {
					end = j
					break scan
				}
				depth--
			case c == ' ' || c == '\t':
				end = j
				break scan
			}
		}
		dest, rest = rest[:end], rest[end:]
	}
	loc := title.FindStringIndex(rest)
	if dest == "" || loc == nil {
		return "", 0, false
	}
	return dest, len(s) - len(rest) + loc[1], true
}

// LinkResult is the outcome of checking one link.
type LinkResult struct {
	Link   Link
	Status int
	Err    error
}

// OK reports whether the link resolved.
func (r LinkResult) OK() bool {
	return r.Err == nil && r.Status < 400
}

func (r LinkResult) String() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("line %d: %s: %v", r.Link.Line, r.Link.URL, r.Err)
	default:
		return fmt.Sprintf("line %d: %s: HTTP %d", r.Link.Line, r.Link.URL, r.Status)
	}
}

// Checker validates links.
type Checker struct {
	// Client issues HTTP requests. Nil uses a client with Timeout.
	Client *http.Client
	// BaseDir resolves relative links.
	BaseDir     string
	Concurrency int
	Timeout     time.Duration
	UserAgent   string
}

// CheckLinks checks every link and returns one result per link, in input
// order. http(s) links get a HEAD request, retried as GET when the server
// rejects HEAD with 405 or 501. mailto links are checked syntactically and
// relative links must exist under BaseDir. Fragment-only links are skipped.
func (c *Checker) CheckLinks(ctx context.Context, links []Link) ([]LinkResult, error) {
	client := c.Client
	if client == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := c.Concurrency
	if limit <= 0 {
		limit = 8
	}

	results := make([]LinkResult, len(links))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, l := range links {
		i, l := i, l
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = c.check(ctx, client, l)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Broken filters results down to failures.
func Broken(results []LinkResult) []LinkResult {
	var out []LinkResult
	for _, r := range results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

func (c *Checker) check(ctx context.Context, client *http.Client, l Link) LinkResult {
	res := LinkResult{Link: l}
	u, err := url.Parse(l.URL)
	if err != nil {
		res.Err = fmt.Errorf("invalid url: %w", err)
		return res
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		res.Status, res.Err = c.probe(ctx, client, l.URL)
	case "mailto":
		if _, err := mail.ParseAddress(u.Opaque); err != nil {
			res.Err = fmt.Errorf("invalid address: %w", err)
		}
	case "":
		if u.Path == "" {
			return res
		}
		p := filepath.Join(c.BaseDir, filepath.FromSlash(u.Path))
		if _, err := os.Stat(p); err != nil {
			res.Err = fmt.Errorf("missing file %s", u.Path)
		}
	default:
		res.Err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return res
}

func (c *Checker) probe(ctx context.Context, client *http.Client, target string) (int, error) {
	status, err := c.request(ctx, client, http.MethodHead, target)
	if err != nil {
		return 0, err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		return c.request(ctx, client, http.MethodGet, target)
	}
	return status, nil
}

func (c *Checker) request(ctx context.Context, client *http.Client, method, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
