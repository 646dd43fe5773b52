// Package monitor is a client for the RabbitMQ management HTTP API. The
// reconciler uses it to read and delete live bindings; the CLI and health
// checks use it for queue listings and broker reachability.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/internal/jsoncodec"
	"github.com/glimte/rmqbus/internal/reliability"
)

const defaultTimeout = 10 * time.Second

// ErrBaseURLRequired is returned when no management URL is configured
var ErrBaseURLRequired = errors.New("rmqbus: management api base url is required")

// APIError is a non-2xx response from the management API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management API error: %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the management API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ManagementClient talks to the management API of one virtual host.
type ManagementClient struct {
	baseURL    string
	vhost      string
	username   string
	password   string
	httpClient *http.Client
	breaker    *reliability.CircuitBreaker
	logger     *slog.Logger
}

// ClientOption configures the ManagementClient
type ClientOption func(*ManagementClient)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *ManagementClient) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ManagementClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithCircuitBreaker replaces the breaker guarding API requests. Give it
// reliability.WithFailurePredicate(IsServerFailure) unless 4xx answers
// should trip it too.
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) ClientOption {
	return func(c *ManagementClient) {
		c.breaker = breaker
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *ManagementClient) {
		c.logger = logger
	}
}

// NewManagementClient creates a client for the API rooted at baseURL, e.g.
// http://localhost:15672. An empty vhost means the default "/".
func NewManagementClient(baseURL, vhost, username, password string, options ...ClientOption) (*ManagementClient, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid management url: %w", err)
	}
	if vhost == "" {
		vhost = config.DefaultVHost
	}

	c := &ManagementClient{
		baseURL:    strings.TrimSuffix(baseURL, "/api"),
		vhost:      vhost,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	c.breaker = reliability.NewCircuitBreaker(
		reliability.WithName("management-api"),
		reliability.WithFailureThreshold(5),
		reliability.WithTimeout(30*time.Second),
		reliability.WithFailurePredicate(IsServerFailure),
		reliability.WithStateChange(func(name string, from, to reliability.State) {
			c.logger.Warn("management api circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		}),
	)
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// FromConfig creates a client from the management fields of cfg
func FromConfig(cfg config.BrokerConfig, options ...ClientOption) (*ManagementClient, error) {
	return NewManagementClient(cfg.ManagementURL, cfg.VHost, cfg.ManagementUser, cfg.ManagementPassword, options...)
}

// VHost returns the virtual host the client is scoped to
func (c *ManagementClient) VHost() string {
	return c.vhost
}

func (c *ManagementClient) bindingsPath(exchange, queue string) string {
	return "/api/bindings/" + url.PathEscape(c.vhost) +
		"/e/" + url.PathEscape(exchange) +
		"/q/" + url.PathEscape(queue)
}

// ListQueueBindings returns the bindings from exchange to queue.
func (c *ManagementClient) ListQueueBindings(ctx context.Context, exchange, queue string) ([]Binding, error) {
	var bindings []Binding
	if err := c.getJSON(ctx, c.bindingsPath(exchange, queue), &bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

// GetQueueBindings returns the routing keys bound from exchange to queue.
func (c *ManagementClient) GetQueueBindings(ctx context.Context, exchange, queue string) ([]string, error) {
	bindings, err := c.ListQueueBindings(ctx, exchange, queue)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(bindings))
	for _, b := range bindings {
		keys = append(keys, b.RoutingKey)
	}
	return keys, nil
}

// RemoveQueueBinding deletes every binding of key from exchange to queue,
// including duplicates that differ only by arguments. The API addresses
// bindings by properties key, so the bindings are looked up first. A binding
// that no longer exists counts as removed.
func (c *ManagementClient) RemoveQueueBinding(ctx context.Context, exchange, queue, key string) error {
	bindings, err := c.ListQueueBindings(ctx, exchange, queue)
	if err != nil {
		return err
	}

	var errs []error
	removed := 0
	for _, b := range bindings {
		if b.RoutingKey != key || b.PropertiesKey == "" {
			continue
		}
		path := c.bindingsPath(exchange, queue) + "/" + url.PathEscape(b.PropertiesKey)
		resp, err := c.do(ctx, http.MethodDelete, path)
		if err != nil {
			if !IsNotFound(err) {
				errs = append(errs, err)
			}
			continue
		}
		resp.Body.Close()
		removed++
	}

	if removed == 0 && len(errs) == 0 {
		c.logger.Debug("binding already removed", "exchange", exchange, "queue", queue, "routingKey", key)
		return nil
	}
	if removed > 0 {
		c.logger.Info("removed stale binding", "exchange", exchange, "queue", queue, "routingKey", key, "count", removed)
	}
	return errors.Join(errs...)
}

// ListQueues returns the queues of the virtual host
func (c *ManagementClient) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var queues []QueueInfo
	if err := c.getJSON(ctx, "/api/queues/"+url.PathEscape(c.vhost), &queues); err != nil {
		return nil, err
	}
	return queues, nil
}

// GetQueue returns one queue of the virtual host
func (c *ManagementClient) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	var queue QueueInfo
	if err := c.getJSON(ctx, "/api/queues/"+url.PathEscape(c.vhost)+"/"+url.PathEscape(name), &queue); err != nil {
		return nil, err
	}
	return &queue, nil
}

// ListExchanges returns the exchanges of the virtual host
func (c *ManagementClient) ListExchanges(ctx context.Context) ([]ExchangeInfo, error) {
	var exchanges []ExchangeInfo
	if err := c.getJSON(ctx, "/api/exchanges/"+url.PathEscape(c.vhost), &exchanges); err != nil {
		return nil, err
	}
	return exchanges, nil
}

// GetOverview returns broker overview information
func (c *ManagementClient) GetOverview(ctx context.Context) (*Overview, error) {
	var overview Overview
	if err := c.getJSON(ctx, "/api/overview", &overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

// CheckHealth verifies the API is reachable and the credentials are accepted
func (c *ManagementClient) CheckHealth(ctx context.Context) error {
	_, err := c.GetOverview(ctx)
	return err
}

func (c *ManagementClient) getJSON(ctx context.Context, path string, v interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := jsoncodec.Decode(resp.Body, v); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", path, err)
	}
	return nil
}

// IsServerFailure reports whether err says the API itself is failing:
// transport errors and 5xx answers. Client errors such as 404 or 401 are not.
func IsServerFailure(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// do makes an authenticated request to the management API through the
// circuit breaker
func (c *ManagementClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	var resp *http.Response
	err := c.breaker.Execute(ctx, func() error {
		var err error
		resp, err = c.roundTrip(ctx, method, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *ManagementClient) roundTrip(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("management API request %s %s failed: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}
