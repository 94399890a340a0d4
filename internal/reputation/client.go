package reputation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/intelwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/intelwatch/internal/reliability"
)

const (
	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 10 * time.Second

	// DefaultRateLimit is the default request rate per service
	DefaultRateLimit = 5

	// maxReplyBytes caps a single reply body
	maxReplyBytes = 4 << 20

	userAgent = "intelwatch"
)

// client holds what every service client shares
type client struct {
	service    string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	breakerCfg reliability.BreakerConfig
	onChange   reliability.StateChangeFunc
	logger     *logging.Logger
}

// ClientOption configures a service client
type ClientOption func(*client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the HTTP timeout of the default client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// WithRateLimit sets the request rate; zero disables limiting
func WithRateLimit(requestsPerSecond float64) ClientOption {
	return func(c *client) {
		if requestsPerSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// WithBreaker sets the circuit breaker policy and its transition hook
func WithBreaker(cfg reliability.BreakerConfig, onChange reliability.StateChangeFunc) ClientOption {
	return func(c *client) {
		c.breakerCfg = cfg
		c.onChange = onChange
	}
}

// WithLogger sets a logger
func WithLogger(logger *logging.Logger) ClientOption {
	return func(c *client) {
		c.logger = logger
	}
}

func newClient(service, baseURL string, opts []ClientOption) *client {
	c := &client{
		service:    service,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("reputation").WithField("service", service)
	c.breaker = reliability.NewBreaker[[]byte](service, c.breakerCfg, c.onChange)
	return c
}

// do sends req through the limiter and breaker and returns the body of a
// 200 reply. Failures come back as *QueryError.
func (c *client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &QueryError{Service: c.service, Kind: KindNetwork, Err: err}
	}

	req.Header.Set("User-Agent", userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &QueryError{Service: c.service, Kind: KindNetwork, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return nil, &QueryError{Service: c.service, Kind: KindNetwork, Err: err}
		}
		// a missing pilot is an answer, not a service failure
		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &QueryError{
				Service: c.service,
				Kind:    KindService,
				Err:     fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data, 200)),
			}
		}
		return data, nil
	})
	if err != nil {
		if reliability.IsBreakerRejection(err) {
			return nil, &QueryError{Service: c.service, Kind: KindUnavailable, Err: err}
		}
		c.logger.Debug().Err(err).Str("url", req.URL.Redacted()).Msg("Query failed")
		return nil, err
	}
	if body == nil {
		return nil, &QueryError{Service: c.service, Kind: KindService, Err: ErrNotFound}
	}
	return body, nil
}

func (c *client) parseError(err error) error {
	return &QueryError{Service: c.service, Kind: KindParse, Err: err}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// BreakerState returns the state of the service's circuit breaker
func (c *client) BreakerState() gobreaker.State {
	return c.breaker.State()
}
