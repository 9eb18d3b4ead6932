package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/energino-core/internal/feed"
	"github.com/nerrad567/energino-core/internal/infrastructure/httpkit"
)

// Defaults for agent connections.
const (
	DefaultPort          = 8180
	DefaultTimeout       = 10 * time.Second
	DefaultDutyCyclePath = "/ap/duty_cycle"

	maxBodySize = 64 * 1024
)

// Outcome classifies a command result.
type Outcome string

// Outcome values.
const (
	OutcomeOK                  Outcome = "ok"
	OutcomeRemoteDeliveryError Outcome = "remote_delivery_error"
	OutcomeTimeout             Outcome = "timeout"
)

// Result is the typed outcome of one agent call.
type Result struct {
	Outcome    Outcome
	StatusCode int

	// Value is the first element of the response array. HasValue is false
	// when the agent returned no decodable value.
	Value    float64
	HasValue bool

	// Body is the raw response body of a successful call.
	Body []byte

	// Err is nil for OutcomeOK and wraps ErrRemoteDelivery, ErrTimeout or
	// ErrNoAddress otherwise.
	Err error
}

// OK reports whether the agent confirmed the call.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds agent connection settings.
type Config struct {
	Port          int
	Timeout       time.Duration
	DutyCyclePath string
}

// Client issues commands to device and dispatcher agents.
type Client struct {
	cfg    Config
	http   *http.Client
	logger Logger
}

// NewClient creates a command client. A nil httpClient gets an httpkit
// client with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DutyCyclePath == "" {
		cfg.DutyCyclePath = DefaultDutyCyclePath
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout))
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// Read fetches the current value of key from the agent at addr.
func (c *Client) Read(ctx context.Context, addr, key string) Result {
	return c.do(ctx, http.MethodGet, addr, "/read/"+url.PathEscape(key))
}

// Write sets key to value on the agent at addr.
func (c *Client) Write(ctx context.Context, addr, key, value string) Result {
	return c.do(ctx, http.MethodGet, addr, "/write/"+url.PathEscape(key)+"/"+url.PathEscape(value))
}

// SetDutyCycle sets the radio duty cycle, in percent, on the agent at addr.
func (c *Client) SetDutyCycle(ctx context.Context, addr string, percent int) Result {
	path := strings.TrimRight(c.cfg.DutyCyclePath, "/") + "/" + strconv.Itoa(percent)
	return c.do(ctx, http.MethodPut, addr, path)
}

func (c *Client) do(ctx context.Context, method, addr, path string) Result {
	if addr == "" {
		return Result{
			Outcome: OutcomeRemoteDeliveryError,
			Err:     fmt.Errorf("%w: %s %s", ErrNoAddress, method, path),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := "http://" + net.JoinHostPort(addr, strconv.Itoa(c.cfg.Port)) + path
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return c.finish(method, target, Result{
			Outcome: OutcomeRemoteDeliveryError,
			Err:     fmt.Errorf("%w: build request: %w", ErrRemoteDelivery, err),
		})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || httpkit.IsTimeout(err) {
			return c.finish(method, target, Result{
				Outcome: OutcomeTimeout,
				Err:     fmt.Errorf("%w: %w", ErrTimeout, err),
			})
		}
		return c.finish(method, target, Result{
			Outcome: OutcomeRemoteDeliveryError,
			Err:     fmt.Errorf("%w: %w", ErrRemoteDelivery, err),
		})
	}

	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return c.finish(method, target, Result{
			Outcome:    OutcomeRemoteDeliveryError,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: status %d: %s", ErrRemoteDelivery, resp.StatusCode, strings.TrimSpace(msg)),
		})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	httpkit.DrainAndClose(resp.Body, 1024)
	if err != nil {
		return c.finish(method, target, Result{
			Outcome:    OutcomeRemoteDeliveryError,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: read body: %w", ErrRemoteDelivery, err),
		})
	}

	res := Result{Outcome: OutcomeOK, StatusCode: resp.StatusCode, Body: body}
	res.Value, res.HasValue = firstValue(body)
	return c.finish(method, target, res)
}

func (c *Client) finish(method, target string, res Result) Result {
	if res.OK() {
		c.logger.Debug("agent command ok",
			"method", method,
			"url", target,
			"value", res.Value,
			"has_value", res.HasValue,
		)
	} else {
		c.logger.Warn("agent command failed",
			"method", method,
			"url", target,
			"outcome", string(res.Outcome),
			"error", res.Err,
		)
	}
	return res
}

// firstValue decodes the leading element of a JSON array response.
func firstValue(body []byte) (float64, bool) {
	var arr []any
	if err := json.Unmarshal(body, &arr); err != nil || len(arr) == 0 {
		return 0, false
	}
	v, err := feed.ParseValue(arr[0])
	if err != nil {
		return 0, false
	}
	return v, true
}

// SwitchAddress returns the agent that owns the power switch of f: the
// sensor agent, or the dispatcher when no sensor has reported yet.
func SwitchAddress(f *feed.Feed) string {
	if f.DeviceAddress != "" {
		return f.DeviceAddress
	}
	return f.DispatcherAddress
}

// DutyCycleAddress returns the agent that controls the radio duty cycle
// of f: the dispatcher, falling back to the sensor agent.
func DutyCycleAddress(f *feed.Feed) string {
	if f.DispatcherAddress != "" {
		return f.DispatcherAddress
	}
	return f.DeviceAddress
}
