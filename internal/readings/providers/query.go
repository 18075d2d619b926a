package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/discovergy-poller/internal/metrics"
)

// maxAuthCycles bounds how often a single attempt re-requests after dropping the credential.
const maxAuthCycles = 2

var (
	errServerError   = errors.New("server error")
	errCircuitOpen   = errors.New("circuit breaker open")
	errInvalidConfig = errors.New("invalid retry configuration")
)

// QueryError is returned when a URL kept answering with a non-success status.
type QueryError struct {
	URL        string
	StatusCode int
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("could not query %s: HTTP status code %d", RedactURL(e.URL), e.StatusCode)
}

// DecodeError is returned when a success response is not valid JSON. It is never retried.
type DecodeError struct {
	URL  string
	Body string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("could not JSON decode response from %s: %q", RedactURL(e.URL), e.Body)
}

func (e *DecodeError) Permanent() bool { return true }

type circuitOpenError struct{ err error }

func (e *circuitOpenError) Error() string   { return fmt.Sprintf("%v: %v", errCircuitOpen, e.err) }
func (e *circuitOpenError) Unwrap() error   { return errCircuitOpen }
func (e *circuitOpenError) Permanent() bool { return true }

// Session hands out the HTTP client for a request and can drop its credential.
type Session interface {
	Client(ctx context.Context) (*http.Client, error)
	Invalidate()
}

// StaticSession is a Session without credentials.
type StaticSession struct {
	HTTP *http.Client
}

func (s StaticSession) Client(context.Context) (*http.Client, error) {
	if s.HTTP == nil {
		return http.DefaultClient, nil
	}
	return s.HTTP, nil
}

func (StaticSession) Invalidate() {}

// Engine issues GET requests with retries, credential refresh and a circuit breaker.
type Engine struct {
	name    string
	policy  RetryPolicy
	circuit *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu           sync.Mutex
	lastDuration time.Duration
}

// NewEngine creates an engine for one source. logger and m may be nil.
func NewEngine(name string, policy RetryPolicy, logger *zap.SugaredLogger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
	return &Engine{
		name:    name,
		policy:  policy,
		circuit: cb,
		logger:  logger,
		metrics: m,
	}
}

// LastDuration is the duration of the most recent HTTP round trip.
func (e *Engine) LastDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDuration
}

// Query GETs url through sess and returns the JSON body. Errors and log lines never carry
// the query string of url.
func (e *Engine) Query(ctx context.Context, sess Session, url string) (json.RawMessage, error) {
	var body json.RawMessage
	attempt := 0
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		e.logger.Debugw("starting query", "source", e.name, "url", RedactURL(url), "attempt", attempt)
		b, err := e.queryOnce(ctx, sess, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// queryOnce is one retry attempt. A 401 or any other non-success status drops the
// credential and re-requests right away, at most maxAuthCycles times.
func (e *Engine) queryOnce(ctx context.Context, sess Session, url string) (json.RawMessage, error) {
	safe := RedactURL(url)
	var status int
	for cycle := 0; cycle < maxAuthCycles; cycle++ {
		client, err := sess.Client(ctx)
		if err != nil {
			return nil, err
		}

		var body []byte
		status, body, err = e.get(ctx, client, url)
		if err != nil {
			e.logger.Warnw("caught an exception while querying", "source", e.name, "url", safe, "error", err)
			return nil, err
		}

		switch {
		case status < 300:
			if !json.Valid(body) {
				e.logger.Errorw("could not JSON decode response", "source", e.name, "url", safe)
				return nil, &DecodeError{URL: url, Body: truncate(string(body), 256)}
			}
			return json.RawMessage(body), nil
		case status == http.StatusUnauthorized:
			e.logger.Debugw("need to update the OAuth token", "source", e.name, "url", safe)
			sess.Invalidate()
		default:
			e.logger.Warnw("unexpected status; retrying with a new token",
				"source", e.name, "url", safe, "status", status)
			sess.Invalidate()
		}
	}

	e.logger.Errorw("could not query", "source", e.name, "url", safe, "status", status)
	return nil, &QueryError{URL: url, StatusCode: status}
}

// get performs the request inside the circuit breaker. Transport errors and 5xx responses
// count as breaker failures; the status and body are returned in every other case.
func (e *Engine) get(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	var (
		status int
		body   []byte
	)
	_, err := e.circuit.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := client.Do(req)
		elapsed := time.Since(start)
		e.mu.Lock()
		e.lastDuration = elapsed
		e.mu.Unlock()
		if err != nil {
			e.metrics.ObserveRequest(e.name, 0, elapsed)
			return nil, RedactError(err)
		}
		defer resp.Body.Close()
		e.metrics.ObserveRequest(e.name, resp.StatusCode, elapsed)

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, RedactError(err)
		}
		status = resp.StatusCode
		if status >= 500 {
			return nil, fmt.Errorf("%w: %d", errServerError, status)
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return 0, nil, &circuitOpenError{err: err}
	}
	if errors.Is(err, errServerError) {
		return status, body, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return status, body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
