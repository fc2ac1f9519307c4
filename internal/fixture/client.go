package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Retry budget for transient transport errors: 3 attempts total with
// exponential backoff. HTTP statuses are never retried.
const (
	retryMax     = 2
	retryWaitMin = 250 * time.Millisecond
	retryWaitMax = 2 * time.Second
)

// AdminClient talks to the reference server's administrative interface.
// It implements run.Provisioner.
//
// The client is safe for concurrent use; the machine only calls it outside
// the run lock.
type AdminClient struct {
	base     string
	username string
	password string
	http     *retryablehttp.Client
	logger   *slog.Logger
}

// Option configures an AdminClient.
type Option func(*AdminClient)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *AdminClient) { c.logger = l }
}

// WithTimeout overrides the per-request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *AdminClient) { c.http.HTTPClient.Timeout = d }
}

// NewAdminClient creates a client for the admin API rooted at baseURL.
func NewAdminClient(baseURL, username, password string, opts ...Option) *AdminClient {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.CheckRetry = retryTransportErrorsOnly
	rc.Logger = nil

	c := &AdminClient{
		base:     strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     rc,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryTransportErrorsOnly retries connection-level failures and nothing
// else. A response - any response - means the admin API is reachable and
// its verdict stands.
func retryTransportErrorsOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return false, nil
}

// aggregatorRecord mirrors the admin API's aggregator resource.
type aggregatorRecord struct {
	AggregatorID int64  `json:"aggregator_id"`
	Name         string `json:"name"`
	LFDI         string `json:"lfdi"`
}

type aggregatorPage struct {
	Aggregators []aggregatorRecord `json:"aggregators"`
	TotalCount  int                `json:"total_count"`
}

// certificateRecord mirrors the admin API's certificate resource.
type certificateRecord struct {
	CertificateID int64  `json:"certificate_id"`
	LFDI          string `json:"lfdi"`
}

type certificatePage struct {
	Certificates []certificateRecord `json:"certificates"`
	TotalCount   int                 `json:"total_count"`
}

// Provision creates or reuses the aggregator and certificate for the given
// client identity. Satisfies run.Provisioner.
func (c *AdminClient) Provision(ctx context.Context, lfdi string) (int64, int64, error) {
	aggregatorID, err := c.ensureAggregator(ctx, lfdi)
	if err != nil {
		return 0, 0, err
	}
	certificateID, err := c.ensureCertificate(ctx, aggregatorID, lfdi)
	if err != nil {
		return 0, 0, err
	}
	c.logger.Info("fixtures provisioned",
		"lfdi", lfdi, "aggregator_id", aggregatorID, "certificate_id", certificateID)
	return aggregatorID, certificateID, nil
}

func (c *AdminClient) ensureAggregator(ctx context.Context, lfdi string) (int64, error) {
	const op = "lookup aggregator"

	query := url.Values{"lfdi": {lfdi}}
	resp, err := c.do(ctx, http.MethodGet, "/aggregators?"+query.Encode(), nil)
	if err != nil {
		return 0, &ProvisioningError{Op: op, LFDI: lfdi, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, op, lfdi); err != nil {
		return 0, err
	}
	var page aggregatorPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return 0, &ProvisioningError{Op: op, LFDI: lfdi, Err: err}
	}
	for _, agg := range page.Aggregators {
		if strings.EqualFold(agg.LFDI, lfdi) {
			c.logger.Debug("reusing aggregator", "lfdi", lfdi, "aggregator_id", agg.AggregatorID)
			return agg.AggregatorID, nil
		}
	}
	return c.createAggregator(ctx, lfdi)
}

func (c *AdminClient) createAggregator(ctx context.Context, lfdi string) (int64, error) {
	const op = "create aggregator"

	body, _ := json.Marshal(aggregatorRecord{Name: "certus", LFDI: lfdi})
	resp, err := c.do(ctx, http.MethodPost, "/aggregators", body)
	if err != nil {
		return 0, &ProvisioningError{Op: op, LFDI: lfdi, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, op, lfdi); err != nil {
		return 0, err
	}
	return idFromLocation(resp, op, lfdi)
}

func (c *AdminClient) ensureCertificate(ctx context.Context, aggregatorID int64, lfdi string) (int64, error) {
	const op = "lookup certificate"
	query := url.Values{"lfdi": {lfdi}}
	path := fmt.Sprintf("/aggregators/%d/certificates?%s", aggregatorID, query.Encode())

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, &ProvisioningError{Op: op, LFDI: lfdi, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, op, lfdi); err != nil {
		return 0, err
	}
	var page certificatePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return 0, &ProvisioningError{Op: op, LFDI: lfdi, Err: err}
	}
	for _, cert := range page.Certificates {
		if strings.EqualFold(cert.LFDI, lfdi) {
			c.logger.Debug("reusing certificate", "lfdi", lfdi, "certificate_id", cert.CertificateID)
			return cert.CertificateID, nil
		}
	}
	return c.createCertificate(ctx, aggregatorID, lfdi)
}

func (c *AdminClient) createCertificate(ctx context.Context, aggregatorID int64, lfdi string) (int64, error) {
	const op = "create certificate"

	body, _ := json.Marshal(certificateRecord{LFDI: lfdi})
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/aggregators/%d/certificates", aggregatorID), body)
	if err != nil {
		return 0, &ProvisioningError{Op: op, LFDI: lfdi, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, op, lfdi); err != nil {
		return 0, err
	}
	return idFromLocation(resp, op, lfdi)
}

func (c *AdminClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *AdminClient) checkStatus(resp *http.Response, op, lfdi string) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthenticationError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &ProvisioningError{Op: op, LFDI: lfdi, Status: resp.StatusCode}
	}
	return nil
}

// idFromLocation extracts the created resource's numeric ID from the
// Location header, e.g. "/admin/aggregators/5" -> 5.
func idFromLocation(resp *http.Response, op, lfdi string) (int64, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return 0, &ProvisioningError{Op: op, LFDI: lfdi, Err: fmt.Errorf("response missing Location header")}
	}
	parts := strings.Split(strings.TrimRight(location, "/"), "/")
	id, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return 0, &ProvisioningError{Op: op, LFDI: lfdi, Err: fmt.Errorf("unparseable Location %q: %w", location, err)}
	}
	return id, nil
}
