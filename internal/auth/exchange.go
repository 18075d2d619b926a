package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/oauth1"
	"go.uber.org/zap"

	"github.com/i474232898/discovergy-poller/internal/readings/providers"
)

var errNoVerifier = errors.New("authorize response carries no oauth_verifier")

// OAuth1Exchanger runs the three-step exchange against the meter API:
// consumer token, request token plus password authorization, access token.
// Each step is retried on its own with Policy.
type OAuth1Exchanger struct {
	BaseURL  string // e.g. https://api.discovergy.com/public/v1
	AppName  string
	Email    string
	Password string
	Policy   providers.RetryPolicy
	HTTP     *http.Client
	Logger   *zap.SugaredLogger
}

type consumerToken struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Exchange implements Exchanger.
func (x *OAuth1Exchanger) Exchange(ctx context.Context) (Credential, error) {
	var consumer consumerToken
	err := x.Policy.Do(ctx, func(ctx context.Context) error {
		var err error
		consumer, err = x.consumerToken(ctx)
		if err != nil {
			x.logger().Warnw("caught an exception while fetching the consumer token", "error", providers.RedactError(err))
		}
		return err
	})
	if err != nil {
		return Credential{}, &AuthError{Step: "consumer_token", Err: providers.RedactError(err)}
	}

	cfg := &oauth1.Config{
		ConsumerKey:    consumer.Key,
		ConsumerSecret: consumer.Secret,
		CallbackURL:    "oob",
		HTTPClient:     x.client(),
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: x.endpoint("/oauth1/request_token"),
			AuthorizeURL:    x.endpoint("/oauth1/authorize"),
			AccessTokenURL:  x.endpoint("/oauth1/access_token"),
		},
	}

	var requestToken, requestSecret, verifier string
	err = x.Policy.Do(ctx, func(ctx context.Context) error {
		var err error
		requestToken, requestSecret, verifier, err = x.verifier(ctx, cfg)
		if err != nil {
			x.logger().Warnw("could not get the oauth verifier", "error", providers.RedactError(err))
		}
		return err
	})
	if err != nil {
		return Credential{}, &AuthError{Step: "authorize", Err: providers.RedactError(err)}
	}

	var accessToken, accessSecret string
	err = x.Policy.Do(ctx, func(ctx context.Context) error {
		var err error
		accessToken, accessSecret, err = withContext(ctx, func() (string, string, error) {
			return cfg.AccessToken(requestToken, requestSecret, verifier)
		})
		if err != nil {
			x.logger().Warnw("failed to fetch the OAuth1 access token", "error", providers.RedactError(err))
		}
		return err
	})
	if err != nil {
		return Credential{}, &AuthError{Step: "access_token", Err: providers.RedactError(err)}
	}

	return Credential{
		Key:          consumer.Key,
		ClientSecret: consumer.Secret,
		Token:        accessToken,
		TokenSecret:  accessSecret,
	}, nil
}

func (x *OAuth1Exchanger) consumerToken(ctx context.Context) (consumerToken, error) {
	form := url.Values{"client": {x.AppName}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.endpoint("/oauth1/consumer_token"), strings.NewReader(form.Encode()))
	if err != nil {
		return consumerToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := x.client().Do(req)
	if err != nil {
		return consumerToken{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return consumerToken{}, fmt.Errorf("consumer token: unexpected status %d", resp.StatusCode)
	}

	var tok consumerToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return consumerToken{}, fmt.Errorf("consumer token: %w", err)
	}
	if tok.Key == "" || tok.Secret == "" {
		return consumerToken{}, errors.New("consumer token: response lacks key or secret")
	}
	return tok, nil
}

// verifier fetches a request token and trades the account password for a verifier.
func (x *OAuth1Exchanger) verifier(ctx context.Context, cfg *oauth1.Config) (string, string, string, error) {
	requestToken, requestSecret, err := withContext(ctx, cfg.RequestToken)
	if err != nil {
		return "", "", "", fmt.Errorf("request token: %w", err)
	}

	authorize, err := url.Parse(cfg.Endpoint.AuthorizeURL)
	if err != nil {
		return "", "", "", err
	}
	q := authorize.Query()
	q.Set("oauth_token", requestToken)
	q.Set("email", x.Email)
	q.Set("password", x.Password)
	authorize.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorize.String(), nil)
	if err != nil {
		return "", "", "", err
	}
	resp, err := x.client().Do(req)
	if err != nil {
		return "", "", "", providers.RedactError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", "", providers.RedactError(err)
	}

	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return "", "", "", fmt.Errorf("authorize: %w", err)
	}
	verifier := values.Get("oauth_verifier")
	if verifier == "" {
		return "", "", "", errNoVerifier
	}
	return requestToken, requestSecret, verifier, nil
}

// withContext runs a token request that takes no context and returns as soon as ctx is
// done. The request itself is bounded by the exchanger's client timeout.
func withContext(ctx context.Context, fn func() (string, string, error)) (string, string, error) {
	type result struct {
		token, secret string
		err           error
	}
	done := make(chan result, 1)
	go func() {
		token, secret, err := fn()
		done <- result{token, secret, err}
	}()
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case r := <-done:
		return r.token, r.secret, r.err
	}
}

func (x *OAuth1Exchanger) endpoint(path string) string {
	return strings.TrimRight(x.BaseURL, "/") + path
}

func (x *OAuth1Exchanger) client() *http.Client {
	if x.HTTP == nil {
		return http.DefaultClient
	}
	return x.HTTP
}

func (x *OAuth1Exchanger) logger() *zap.SugaredLogger {
	if x.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return x.Logger
}
