package osu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/kapu/nominator-track-go/internal/constants"
	"github.com/kapu/nominator-track-go/internal/util"
	"github.com/kapu/nominator-track-go/pkg/errors"
	"go.uber.org/zap"
)

const jsonUsersSelector = "#json-users"

// Client talks to the osu! website (scraped group pages) and the v2 API.
type Client struct {
	web     *resty.Client
	api     *resty.Client
	breaker *util.CircuitBreaker
	baseURL string
	logger  *zap.Logger
}

// NewClient builds a client. apiHTTPClient must attach credentials (see auth.Authenticator.HTTPClient);
// group pages are public and use a plain client.
func NewClient(baseURL string, apiHTTPClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = constants.OsuConfig.BaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if apiHTTPClient == nil {
		apiHTTPClient = &http.Client{}
	}

	web := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(constants.OsuConfig.RequestTimeout).
		SetHeader("User-Agent", constants.OsuConfig.UserAgent)

	api := resty.NewWithClient(apiHTTPClient).
		SetBaseURL(baseURL).
		SetTimeout(constants.OsuConfig.RequestTimeout).
		SetHeader("User-Agent", constants.OsuConfig.UserAgent).
		SetHeader("Accept", "application/json")

	return &Client{
		web: web,
		api: api,
		breaker: util.NewCircuitBreaker("osu-api",
			constants.OsuConfig.BreakerThreshold,
			constants.OsuConfig.BreakerResetTimeout,
			logger),
		baseURL: baseURL,
		logger:  logger,
	}
}

// BaseURL returns the site root used for profile links.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchGroupMembers scrapes the group page and decodes the embedded json-users payload.
func (c *Client) FetchGroupMembers(ctx context.Context, groupID int) ([]GroupUser, error) {
	path := fmt.Sprintf("/groups/%d", groupID)
	resp, err := c.web.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, errors.NewTransportError("group page request failed", c.baseURL+path, 0, err)
	}
	if resp.IsError() {
		return nil, errors.NewTransportError(
			fmt.Sprintf("unexpected status code: %d", resp.StatusCode()),
			c.baseURL+path,
			resp.StatusCode(),
			nil,
		)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, errors.NewScrapeFormatError("HTML parse failed", jsonUsersSelector, err)
	}

	node := doc.Find(jsonUsersSelector).First()
	if node.Length() == 0 {
		return nil, errors.NewScrapeFormatError(
			"No json-users id found. Maybe cloudflare or endpoint has changed.",
			jsonUsersSelector,
			nil,
		)
	}

	var users []GroupUser
	if err := json.Unmarshal([]byte(node.Text()), &users); err != nil {
		return nil, errors.NewScrapeFormatError("json-users payload is not valid JSON", jsonUsersSelector, err)
	}

	c.logger.Debug("Group members fetched",
		zap.Int("group_id", groupID),
		zap.Int("members", len(users)))

	return users, nil
}

// FetchUserProfileText returns the raw BBCode of the user's userpage; users without one yield "".
// Repeated transport or server failures open a circuit that fails calls fast until it resets.
func (c *Client) FetchUserProfileText(ctx context.Context, userID int64) (string, error) {
	path := fmt.Sprintf("/api/v2/users/%d", userID)

	if !c.breaker.CanExecute() {
		return "", errors.NewTransportError(
			fmt.Sprintf("osu! API circuit open until %s", c.breaker.RetryAt().Format(time.RFC3339)),
			c.baseURL+path,
			http.StatusServiceUnavailable,
			nil,
		)
	}

	resp, err := c.api.R().SetContext(ctx).Get(path)
	if err != nil {
		if ctx.Err() == nil {
			c.breaker.RecordFailure()
		}
		return "", errors.NewTransportError("user request failed", c.baseURL+path, 0, err)
	}
	if resp.IsError() {
		if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
			c.breaker.RecordFailure()
		}
		return "", errors.NewTransportError(
			fmt.Sprintf("osu! API error: %s", resp.Status()),
			c.baseURL+path,
			resp.StatusCode(),
			fmt.Errorf("body: %s", util.TruncateString(string(resp.Body()), 200)),
		)
	}
	c.breaker.RecordSuccess()

	var user User
	if err := json.Unmarshal(resp.Body(), &user); err != nil {
		return "", errors.NewTransportError("failed to decode user response", c.baseURL+path, resp.StatusCode(), err)
	}
	if user.Page == nil {
		return "", nil
	}
	return user.Page.Raw, nil
}
