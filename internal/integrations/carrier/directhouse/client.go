package directhouse

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ParcelSync/internal/integrations/carrier"
	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/pkg/errors"
)

const maxBodyBytes = 8 << 20

var errBodyTooLarge = errors.New("response body too large")

type Client struct {
	baseURL   string
	userAgent string
	maxBody   int64
	httpc     *http.Client
	now       func() time.Time
}

func New(baseURL string, timeout time.Duration, userAgent string) *Client {
	if baseURL == "" {
		baseURL = "https://warehouse.directhouse.no/api/"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		maxBody:   maxBodyBytes,
		httpc: &http.Client{
			Timeout: timeout,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithHTTPClient swaps the transport; tests use it to inject failures.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	if h != nil {
		c.httpc = h
	}
	return c
}

func (c *Client) WithMaxBody(n int64) *Client {
	if n > 0 {
		c.maxBody = n
	}
	return c
}

func (c *Client) endpoint(trackingNumber string) string {
	return c.baseURL + "/fullOrderTracking/" + url.PathEscape(trackingNumber)
}

func (c *Client) Fetch(ctx context.Context, trackingNumber string) (models.Feed, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return models.Feed{}, &carrier.Error{Kind: carrier.KindValidation, Op: "fetch tracking", Err: carrier.ErrEmptyTrackingNumber}
	}

	resp, err := c.do(ctx, trackingNumber)
	if c.shouldRetry(ctx, resp, err) {
		// one immediate retry, then the caller defers the order
		slog.Warn("carrier request failed, retrying once", "tracking_number", trackingNumber, "error", describe(resp, err))
		if resp != nil {
			drain(resp)
		}
		resp, err = c.do(ctx, trackingNumber)
	}
	if err != nil {
		return models.Feed{}, carrier.Retryable("do request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Feed{}, carrier.StatusError(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return models.Feed{}, carrier.Retryable("read body", err)
	}
	if int64(len(body)) > c.maxBody {
		return models.Feed{}, carrier.Permanent("read body", errors.Wrapf(errBodyTooLarge, "over %d bytes", c.maxBody))
	}

	return carrier.ParseBody(body, trackingNumber, c.now())
}

func (c *Client) shouldRetry(ctx context.Context, resp *http.Response, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		return true
	}
	return resp.StatusCode != http.StatusOK && carrier.IsRetryableStatus(resp.StatusCode)
}

func describe(resp *http.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	return "http status " + strconv.Itoa(resp.StatusCode)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
}

func (c *Client) do(ctx context.Context, trackingNumber string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(trackingNumber), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	return resp, nil
}
