// Package arcgis queries the World Bank boundary layers published on ArcGIS
// Online FeatureServers.
package arcgis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	atlaserrors "github.com/conflictatlas/conflictatlas/internal/errors"
	"github.com/conflictatlas/conflictatlas/internal/geo"
)

// ErrNoFeatures is returned when a query matched nothing.
var ErrNoFeatures = atlaserrors.NewSourceError(atlaserrors.CodeNoFeatures, "query returned no features", nil)

// Layer identifies a FeatureServer layer.
type Layer struct {
	Service string
	ID      int
}

// World Bank layers.
var (
	LayerCountry = Layer{Service: "World_Bank_Official_Boundaries_World_Country_Polygons_(Very_High_Definition)", ID: 0}
	LayerAdmin1  = Layer{Service: "World_Bank_Global_Administrative_Divisions", ID: 2}
	LayerAdmin2  = Layer{Service: "World_Bank_Global_Administrative_Divisions", ID: 3}
)

// CountryAttributes are the attributes a country polygon can be selected by.
var CountryAttributes = map[string]bool{
	"ISO_A3":  true,
	"NAME_EN": true,
	"WB_A2":   true,
	"WB_A3":   true,
}

// Feature is one decoded feature. Geometry is nil when the service returned
// no rings for it.
type Feature struct {
	Attributes map[string]interface{}
	Geometry   orb.MultiPolygon
}

// String returns a string attribute, or "" when absent.
func (f Feature) String(key string) string {
	v, ok := f.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Options configures a Client.
type Options struct {
	BaseURL            string
	Timeout            time.Duration
	MaxRetries         int
	PageSize           int
	InsecureSkipVerify bool
	HTTPClient         *http.Client
	Logger             logrus.FieldLogger
}

// Client is a FeatureServer query client.
type Client struct {
	baseURL    string
	http       *http.Client
	maxRetries int
	pageSize   int
	backoff    time.Duration
	log        logrus.FieldLogger
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}

	hc := opts.HTTPClient
	if hc == nil {
		tr := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
			MaxIdleConns:        20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		if opts.InsecureSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
		}
		hc = &http.Client{Timeout: opts.Timeout, Transport: tr}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		http:       hc,
		maxRetries: opts.MaxRetries,
		pageSize:   opts.PageSize,
		backoff:    200 * time.Millisecond,
		log:        opts.Logger,
	}
}

// Country fetches the country polygon selected by attr = value.
func (c *Client) Country(ctx context.Context, attr, value string) (*Feature, error) {
	if !CountryAttributes[attr] {
		return nil, atlaserrors.NewValidationError(atlaserrors.CodeInvalidConfig,
			fmt.Sprintf("unsupported country attribute %q", attr))
	}
	features, err := c.Query(ctx, LayerCountry, Equals(attr, value))
	if err != nil {
		return nil, err
	}
	return &features[0], nil
}

// Admin1 fetches all first-level subdivisions of a country.
func (c *Client) Admin1(ctx context.Context, iso3 string) ([]Feature, error) {
	return c.Query(ctx, LayerAdmin1, Equals("ISO_A3", iso3))
}

// Admin2 fetches all second-level subdivisions of a country.
func (c *Client) Admin2(ctx context.Context, iso3 string) ([]Feature, error) {
	return c.Query(ctx, LayerAdmin2, Equals("ISO_A3", iso3))
}

// Equals builds a where clause, escaping single quotes in value.
func Equals(attr, value string) string {
	return fmt.Sprintf("%s='%s'", attr, strings.ReplaceAll(value, "'", "''"))
}

// Query runs a where clause against a layer, following pagination until
// the service stops reporting exceededTransferLimit. It returns ErrNoFeatures
// when nothing matched.
func (c *Client) Query(ctx context.Context, layer Layer, where string) ([]Feature, error) {
	var all []Feature
	offset := 0

	for {
		page, err := c.fetchPage(ctx, layer, where, offset)
		if err != nil {
			return nil, err
		}

		for i, raw := range page.Features {
			f, err := decodeFeature(raw)
			if err != nil {
				return nil, fmt.Errorf("feature %d: %w", offset+i, err)
			}
			all = append(all, f)
		}

		c.log.WithFields(logrus.Fields{
			"layer":    layer.ID,
			"where":    where,
			"offset":   offset,
			"received": len(page.Features),
		}).Debug("arcgis page fetched")

		if !page.ExceededTransferLimit || len(page.Features) == 0 {
			break
		}
		offset += len(page.Features)
	}

	if len(all) == 0 {
		return nil, ErrNoFeatures
	}
	return all, nil
}

type queryResponse struct {
	Features              []rawFeature   `json:"features"`
	ExceededTransferLimit bool           `json:"exceededTransferLimit"`
	Error                 *responseError `json:"error"`
}

type responseError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type rawFeature struct {
	Attributes map[string]interface{} `json:"attributes"`
	Geometry   *struct {
		Rings [][][]float64 `json:"rings"`
	} `json:"geometry"`
}

func decodeFeature(raw rawFeature) (Feature, error) {
	f := Feature{Attributes: raw.Attributes}
	if f.Attributes == nil {
		f.Attributes = map[string]interface{}{}
	}
	if raw.Geometry == nil || len(raw.Geometry.Rings) == 0 {
		return f, nil
	}

	rings := make([][][2]float64, len(raw.Geometry.Rings))
	for i, ring := range raw.Geometry.Rings {
		pts := make([][2]float64, 0, len(ring))
		for _, coord := range ring {
			if len(coord) < 2 {
				return f, atlaserrors.NewGeometryError(atlaserrors.CodeInvalidGeometry,
					fmt.Sprintf("ring %d has a coordinate with %d values", i, len(coord)))
			}
			pts = append(pts, [2]float64{coord[0], coord[1]})
		}
		rings[i] = pts
	}

	mp, err := geo.AssembleRings(rings)
	if err != nil {
		return f, err
	}
	f.Geometry = mp
	return f, nil
}

func (c *Client) queryURL(layer Layer, where string, offset int) string {
	q := url.Values{}
	q.Set("where", where)
	q.Set("f", "pjson")
	q.Set("returnGeometry", "true")
	q.Set("outFields", "*")
	q.Set("outSR", "4326")
	q.Set("resultOffset", strconv.Itoa(offset))
	q.Set("resultRecordCount", strconv.Itoa(c.pageSize))
	return fmt.Sprintf("%s/%s/FeatureServer/%d/query?%s", c.baseURL, layer.Service, layer.ID, q.Encode())
}

func (c *Client) fetchPage(ctx context.Context, layer Layer, where string, offset int) (*queryResponse, error) {
	target := c.queryURL(layer, where, offset)

	var page *queryResponse
	err := c.retryWithBackoff(ctx, func() error {
		var err error
		page, err = c.doRequest(ctx, target)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) doRequest(ctx context.Context, target string) (*queryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, atlaserrors.NewInternalError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, atlaserrors.NewSourceError(atlaserrors.CodeUnreachable, "arcgis request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, atlaserrors.NewSourceError(atlaserrors.CodeUnreachable, "failed to read arcgis response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, atlaserrors.NewSourceError(atlaserrors.CodeRateLimited, "arcgis rate limited", nil)
	case resp.StatusCode >= 500:
		return nil, atlaserrors.NewSourceError(atlaserrors.CodeUnreachable,
			fmt.Sprintf("arcgis returned status %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, atlaserrors.NewSourceError(atlaserrors.CodeBadResponse,
			fmt.Sprintf("arcgis returned status %d", resp.StatusCode), nil)
	}

	var page queryResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, atlaserrors.NewSourceError(atlaserrors.CodeBadResponse, "invalid arcgis JSON", err)
	}
	if page.Error != nil {
		// ArcGIS reports overload as a 200 with an error body.
		code := atlaserrors.CodeBadResponse
		if page.Error.Code == 503 || page.Error.Code == 504 {
			code = atlaserrors.CodeUnreachable
		}
		return nil, atlaserrors.NewSourceError(code,
			fmt.Sprintf("arcgis error %d: %s", page.Error.Code, page.Error.Message), nil).
			WithDetails(map[string]interface{}{"details": page.Error.Details})
	}
	return &page, nil
}

// retryWithBackoff retries retryable errors with exponential backoff.
func (c *Client) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if !atlaserrors.IsRetryable(lastErr) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}

		if attempt < c.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * c.backoff
			c.log.WithError(lastErr).WithField("attempt", attempt+1).Warn("arcgis request failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
