package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medsync/medsync-app/log"
	"github.com/medsync/medsync-app/medsync/constants"
	customErrors "github.com/medsync/medsync-app/medsync/errors"
	"github.com/medsync/medsync-app/medsync/models"
	"github.com/medsync/medsync-app/medsync/models/fhir"
)

// Config holds everything needed to talk to one FHIR endpoint. Zero values
// for the tuning fields fall back to the package defaults.
type Config struct {
	Integration  string
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scope        string
	RedirectURI  string

	// Derived from BaseURL when unset.
	TokenURL     string
	AuthorizeURL string

	Timeout          time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
	PageSize         int
}

func (c *Config) applyDefaults() {
	base := strings.TrimSuffix(c.BaseURL, "/")
	c.BaseURL = base
	if c.TokenURL == "" {
		c.TokenURL = base + "/oauth2/token"
	}
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = base + "/oauth2/authorize"
	}
	if c.Timeout == 0 {
		c.Timeout = constants.DefaultClientTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = constants.DefaultMaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = constants.DefaultRetryBaseDelay
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = constants.DefaultFailureThreshold
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = constants.DefaultRecoveryTimeout
	}
	if c.PageSize == 0 {
		c.PageSize = constants.DefaultPageSize
	}
}

// Client is a FHIR REST client bound to one integration endpoint. It owns the
// OAuth2 session for that endpoint and refreshes it on demand; concurrent
// callers share one token and at most one refresh is in flight at a time.
type Client struct {
	config     Config
	httpClient *http.Client
	tokenHTTP  *http.Client
	breaker    *Breaker
	logger     logrus.FieldLogger

	mu    sync.Mutex
	token *models.Token
}

func NewClient(config Config) *Client {
	config.applyDefaults()

	rc := retryablehttp.NewClient()
	rc.RetryMax = config.MaxRetries
	rc.RetryWaitMin = config.RetryBaseDelay
	rc.HTTPClient.Timeout = config.Timeout
	rc.Logger = nil

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		tokenHTTP:  rc.StandardClient(),
		breaker:    NewBreaker(config.FailureThreshold, config.RecoveryTimeout),
		logger: log.FHIR.WithFields(logrus.Fields{
			"integration": config.Integration,
		}),
	}
}

// Integration returns the integration name this client is bound to.
func (c *Client) Integration() string {
	return c.config.Integration
}

// SetToken seeds the session from a previously stored token, e.g. when a
// connection is loaded from the database.
func (c *Client) SetToken(t *models.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = t
}

// Token returns the current session token, which may be nil or expired.
func (c *Client) Token() *models.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Session returns a client that shares this client's endpoint configuration,
// transports, and circuit breaker but holds its own token. Each connection
// syncs on its own session so one connection's token can never end up on
// another connection's requests or be persisted to another connection's row.
func (c *Client) Session(t *models.Token) *Client {
	return &Client{
		config:     c.config,
		httpClient: c.httpClient,
		tokenHTTP:  c.tokenHTTP,
		breaker:    c.breaker,
		logger:     c.logger,
		token:      t,
	}
}

// BreakerState exposes the circuit state for the registry status surface.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// AuthorizeURL builds the user-facing authorization link for the
// authorization-code flow. A SMART launch passes its opaque launch parameter
// through extra.
func (c *Client) AuthorizeURL(state string, extra url.Values) string {
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", c.config.ClientID)
	v.Set("redirect_uri", c.config.RedirectURI)
	v.Set("scope", c.config.Scope)
	v.Set("state", state)
	v.Set("aud", c.config.BaseURL)
	for k, vals := range extra {
		for _, val := range vals {
			v.Add(k, val)
		}
	}
	return c.config.AuthorizeURL + "?" + v.Encode()
}

// ParseLaunch pulls the launch and iss parameters out of an EHR-initiated
// launch URL. The iss must name this client's endpoint; a launch pointed at
// a different server is rejected.
func (c *Client) ParseLaunch(launchURL string) (launch, iss string, err error) {
	u, err := url.Parse(launchURL)
	if err != nil {
		return "", "", fmt.Errorf("malformed launch URL: %s", err)
	}
	q := u.Query()
	launch = q.Get("launch")
	iss = q.Get("iss")
	if launch == "" || iss == "" {
		return "", "", fmt.Errorf("launch URL is missing the launch or iss parameter")
	}
	if strings.TrimSuffix(iss, "/") != c.config.BaseURL {
		return "", "", fmt.Errorf("launch iss %s does not match the configured endpoint %s", iss, c.config.BaseURL)
	}
	return launch, iss, nil
}

// LaunchAuthorizeURL builds the authorization link for an EHR-initiated
// launch. The opaque launch token rides along to the authorize endpoint; the
// code coming back goes through ExchangeCode like any authorization-code
// flow, and the token response carries the launch context.
func (c *Client) LaunchAuthorizeURL(state, launchURL string) (string, error) {
	launch, _, err := c.ParseLaunch(launchURL)
	if err != nil {
		return "", err
	}
	return c.AuthorizeURL(state, url.Values{"launch": []string{launch}}), nil
}

// Authenticate runs the client-credentials grant and installs the resulting
// token as the session.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.clientCredentials(ctx)
	if err != nil {
		return err
	}
	c.token = t
	return nil
}

// ExchangeCode completes the authorization-code flow. The returned token
// carries any SMART launch context (patient, encounter, user) the endpoint
// included in its response.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*models.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.config.RedirectURI)
	form.Set("client_id", c.config.ClientID)
	if c.config.ClientSecret != "" {
		form.Set("client_secret", c.config.ClientSecret)
	}

	t, err := c.requestToken(ctx, form)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.token = t
	c.mu.Unlock()
	return t, nil
}

func (c *Client) clientCredentials(ctx context.Context) (*models.Token, error) {
	if c.config.ClientSecret == "" {
		return nil, &customErrors.AuthenticationError{Err: fmt.Errorf("no client secret configured for %s", c.config.Integration)}
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	if c.config.Scope != "" {
		form.Set("scope", c.config.Scope)
	}
	return c.requestToken(ctx, form)
}

func (c *Client) refreshGrant(ctx context.Context, refreshToken string) (*models.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.config.ClientID)
	if c.config.ClientSecret != "" {
		form.Set("client_secret", c.config.ClientSecret)
	}
	return c.requestToken(ctx, form)
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (*models.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &customErrors.AuthenticationError{Err: err}
	}
	req.Header.Set("Content-Type", constants.FormURLEncodedContentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.tokenHTTP.Do(req)
	if err != nil {
		return nil, &customErrors.AuthenticationError{Err: err}
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, &customErrors.AuthenticationError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &customErrors.AuthenticationError{Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var tr models.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &customErrors.AuthenticationError{Err: err}
	}
	if tr.AccessToken == "" {
		return nil, &customErrors.AuthenticationError{Err: fmt.Errorf("token endpoint returned no access token")}
	}
	return tr.Token(time.Now()), nil
}

// ensureToken returns a usable access token, refreshing the session if the
// current one has expired. The mutex serializes refreshes so a burst of
// callers against an expired token triggers exactly one grant.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.token.Expired(time.Now()) {
		return c.token.AccessToken, nil
	}
	t, err := c.newTokenLocked(ctx)
	if err != nil {
		return "", err
	}
	c.token = t
	return t.AccessToken, nil
}

// reauthorize forces a new token after a 401. If another caller already
// replaced the stale token, that one is reused instead of hitting the token
// endpoint again.
func (c *Client) reauthorize(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.AccessToken != stale && !c.token.Expired(time.Now()) {
		return c.token.AccessToken, nil
	}
	t, err := c.newTokenLocked(ctx)
	if err != nil {
		return "", err
	}
	c.token = t
	return t.AccessToken, nil
}

// newTokenLocked obtains a fresh token, preferring the refresh grant when the
// session holds a refresh token, and falling back to client credentials. The
// SMART launch context of the old session is carried onto the new token; a
// refresh does not change which patient was launched.
func (c *Client) newTokenLocked(ctx context.Context) (*models.Token, error) {
	old := c.token

	if old != nil && old.RefreshToken != "" {
		t, err := c.refreshGrant(ctx, old.RefreshToken)
		if err == nil {
			carryLaunchContext(old, t)
			return t, nil
		}
		c.logger.WithField("error", err.Error()).Warn("Refresh grant failed; falling back to client credentials")
	}

	t, err := c.clientCredentials(ctx)
	if err != nil {
		return nil, err
	}
	carryLaunchContext(old, t)
	return t, nil
}

func carryLaunchContext(old, t *models.Token) {
	if old == nil {
		return
	}
	if t.PatientID == "" {
		t.PatientID = old.PatientID
	}
	if t.EncounterID == "" {
		t.EncounterID = old.EncounterID
	}
	if t.UserID == "" {
		t.UserID = old.UserID
	}
	if t.RefreshToken == "" {
		t.RefreshToken = old.RefreshToken
	}
}

// Get fetches a single resource by id.
func (c *Client) Get(ctx context.Context, resourceType, id string) (map[string]interface{}, error) {
	body, err := c.execute(ctx, http.MethodGet, fmt.Sprintf("%s/%s/%s", c.config.BaseURL, resourceType, id), nil)
	if err != nil {
		return nil, err
	}
	return decodeResource(body)
}

// Create posts a new resource and returns the server's representation.
func (c *Client) Create(ctx context.Context, resourceType string, resource map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	body, err := c.execute(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.config.BaseURL, resourceType), payload)
	if err != nil {
		return nil, err
	}
	return decodeResource(body)
}

// Update replaces the resource with the given id.
func (c *Client) Update(ctx context.Context, resourceType, id string, resource map[string]interface{}) (map[string]interface{}, error) {
	payload, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	body, err := c.execute(ctx, http.MethodPut, fmt.Sprintf("%s/%s/%s", c.config.BaseURL, resourceType, id), payload)
	if err != nil {
		return nil, err
	}
	return decodeResource(body)
}

// Delete removes the resource with the given id.
func (c *Client) Delete(ctx context.Context, resourceType, id string) error {
	_, err := c.execute(ctx, http.MethodDelete, fmt.Sprintf("%s/%s/%s", c.config.BaseURL, resourceType, id), nil)
	return err
}

// Search runs a search against one resource type and returns the first page.
// The configured page size is applied unless params already set _count.
func (c *Client) Search(ctx context.Context, resourceType string, params *SearchParams) (*fhir.Bundle, error) {
	if params == nil {
		params = NewSearchParams()
	}
	v := params.Values()
	if v.Get("_count") == "" {
		v.Set("_count", fmt.Sprintf("%d", c.config.PageSize))
	}
	return c.SearchByURL(ctx, fmt.Sprintf("%s/%s?%s", c.config.BaseURL, resourceType, v.Encode()))
}

// SearchByURL fetches one bundle page by absolute URL, used to follow the
// bundle's next link.
func (c *Client) SearchByURL(ctx context.Context, u string) (*fhir.Bundle, error) {
	body, err := c.execute(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, &customErrors.TransientError{Err: fmt.Errorf("malformed bundle: %s", err)}
	}
	return &bundle, nil
}

// GetPages walks every page of a search, invoking each per bundle. Paging
// stops when a page has no next link or each returns an error.
func (c *Client) GetPages(ctx context.Context, resourceType string, params *SearchParams, each func(*fhir.Bundle) error) error {
	bundle, err := c.Search(ctx, resourceType, params)
	for {
		if err != nil {
			return err
		}
		if err = each(bundle); err != nil {
			return err
		}
		next := bundle.NextURL()
		if next == "" {
			return nil
		}
		bundle, err = c.SearchByURL(ctx, next)
	}
}

// Metadata fetches the server's CapabilityStatement. Used by connection
// testing to prove out transport, auth, and endpoint in one call.
func (c *Client) Metadata(ctx context.Context) (map[string]interface{}, error) {
	body, err := c.execute(ctx, http.MethodGet, c.config.BaseURL+"/metadata", nil)
	if err != nil {
		return nil, err
	}
	return decodeResource(body)
}

// execute runs one logical FHIR request through the full pipeline: circuit
// gate, token check, the call itself, then the status-specific handling. A
// 401 triggers one re-authentication and one immediate replay outside the
// retry budget; a 404 maps to a not-found error without touching the
// breaker; everything else retries with exponential backoff and counts
// against the breaker per attempt. The gate is re-checked before every
// retry so a breaker that opens mid-request stops the remaining attempts.
func (c *Client) execute(ctx context.Context, method, requestURL string, payload []byte) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, customErrors.ErrCircuitOpen
	}

	accessToken, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.RetryBaseDelay
	wait := backoff.WithContext(bo, ctx)

	reauthorized := false
	retries := 0
	var lastErr error

	for {
		status, body, err := c.attempt(ctx, method, requestURL, payload, accessToken)
		switch {
		case err != nil:
			c.breaker.Failure()
			lastErr = &customErrors.TransientError{Err: err}
		case status == http.StatusUnauthorized:
			if reauthorized {
				return nil, &customErrors.AuthenticationError{Err: fmt.Errorf("%s %s still unauthorized after re-authentication", method, requestURL)}
			}
			reauthorized = true
			if accessToken, err = c.reauthorize(ctx, accessToken); err != nil {
				return nil, err
			}
			continue
		case status == http.StatusNotFound:
			return nil, notFound(requestURL)
		case status >= 200 && status < 300:
			c.breaker.Success()
			return body, nil
		default:
			c.breaker.Failure()
			lastErr = &customErrors.TransientError{StatusCode: status, Body: strings.TrimSpace(string(body))}
		}

		retries++
		if retries > c.config.MaxRetries {
			return nil, lastErr
		}
		d := wait.NextBackOff()
		if d == backoff.Stop {
			return nil, lastErr
		}
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"url":    requestURL,
			"retry":  retries,
		}).Warn("Retrying failed FHIR request")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		if !c.breaker.Allow() {
			return nil, customErrors.ErrCircuitOpen
		}
	}
}

// attempt performs exactly one HTTP round trip. Transport-level failures come
// back as err; HTTP-level outcomes come back as status and body.
func (c *Client) attempt(ctx context.Context, method, requestURL string, payload []byte, accessToken string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, requestURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", constants.FHIRJSONContentType)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Request-ID", uuid.NewRandom().String())
	if payload != nil {
		req.Header.Set("Content-Type", constants.FHIRJSONContentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func decodeResource(body []byte) (map[string]interface{}, error) {
	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, &customErrors.TransientError{Err: fmt.Errorf("malformed resource: %s", err)}
	}
	return resource, nil
}

// notFound derives the resource type and id from a read URL's trailing path
// segments. For search URLs the id segment is empty.
func notFound(requestURL string) *customErrors.ResourceNotFoundError {
	u, err := url.Parse(requestURL)
	if err != nil {
		return &customErrors.ResourceNotFoundError{ResourceType: requestURL}
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case len(segments) >= 2:
		return &customErrors.ResourceNotFoundError{ResourceType: segments[len(segments)-2], ID: segments[len(segments)-1]}
	case len(segments) == 1:
		return &customErrors.ResourceNotFoundError{ResourceType: segments[0]}
	default:
		return &customErrors.ResourceNotFoundError{}
	}
}
