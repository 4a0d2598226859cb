// Package klip talks to the credential-issuing backend: it issues handshake
// requests, confirms them, resolves wallet addresses and transfers claimed
// certificates.
package klip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-handshake/internal/domain"
)

// Backend paths. Field names in the payloads below are fixed by the backend.
const (
	PathIssue     = "/auth/klip"
	PathLogin     = "/auth/klip_login"
	PathResult    = "/auth/klip_result"
	PathGetCookie = "/trip-api/auth/getCookie"
	PathTransfer  = "/nft/transfer/"
)

var (
	ErrEmptyAddress   = errors.New("backend returned no wallet address")
	ErrLoginRejected  = errors.New("backend did not confirm the login")
	ErrMissingToken   = errors.New("token is empty")
	ErrUnexpectedCode = errors.New("unexpected status code")
)

type issueResponse struct {
	Data struct {
		RequestID string `json:"request_id"`
		DeepLink  string `json:"deep_link"`
	} `json:"data"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type resultResponse struct {
	KlaytnAddress string `json:"klaytn_address"`
}

type transferRequest struct {
	CardID  string `json:"card_id"`
	Address string `json:"address"`
}

// TransferResponse is the part of the transfer reply the client keeps.
type TransferResponse struct {
	TxHash string `json:"tx_hash,omitempty"`
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	CardBaseURL string
	// Timeout bounds issue, transfer and token exchange. Confirmation calls
	// are bounded only by the caller's context.
	Timeout    time.Duration
	RequestTTL time.Duration
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

// Client is the HTTP client for the handshake endpoints.
type Client struct {
	baseURL     string
	cardBaseURL string
	timeout     time.Duration
	ttl         time.Duration
	httpClient  *http.Client
	clock       clockwork.Clock
	logger      *zap.Logger
}

// NewClient creates a new backend client
func NewClient(opts Options, logger *zap.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := opts.RequestTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		cardBaseURL: strings.TrimSuffix(opts.CardBaseURL, "/"),
		timeout:     timeout,
		ttl:         ttl,
		httpClient:  httpClient,
		clock:       clock,
		logger:      logger.Named("klip"),
	}
}

// Issue obtains a fresh request id and deep link.
func (c *Client) Issue(ctx context.Context) (*domain.CredentialRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp issueResponse
	if _, err := c.doJSON(ctx, http.MethodGet, c.baseURL+PathIssue, nil, nil, &resp); err != nil {
		return nil, classify("issue", err)
	}

	req, err := domain.NewCredentialRequest(resp.Data.RequestID, resp.Data.DeepLink, c.clock.Now(), c.ttl)
	if err != nil {
		return nil, domain.NewError(domain.KindProtocol, "issue", err)
	}

	c.logger.Debug("Issued credential request",
		zap.String("request_id", req.RequestID),
		zap.Time("expires_at", req.ExpiresAt))
	return req, nil
}

// ConfirmLogin performs the single long wait for a login handshake.
func (c *Client) ConfirmLogin(ctx context.Context, requestID string) (*domain.LoginSession, error) {
	endpoint := c.baseURL + PathLogin + "?" + url.Values{"requestId": {requestID}}.Encode()

	var resp loginResponse
	httpResp, err := c.doJSON(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	if err != nil {
		return nil, classify("confirm login", err)
	}
	if !resp.Success {
		cause := ErrLoginRejected
		if resp.Message != "" {
			cause = fmt.Errorf("%w: %s", ErrLoginRejected, resp.Message)
		}
		return nil, domain.NewError(domain.KindProtocol, "confirm login", cause)
	}

	return &domain.LoginSession{
		RequestID: requestID,
		Message:   resp.Message,
		Cookies:   cookieMap(httpResp.Cookies()),
	}, nil
}

// ResolveAddress waits for the wallet address the user approved with.
func (c *Client) ResolveAddress(ctx context.Context, requestID string) (string, error) {
	endpoint := c.baseURL + PathResult + "?" + url.Values{"requestId": {requestID}}.Encode()

	var resp resultResponse
	if _, err := c.doJSON(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return "", classify("resolve address", err)
	}
	if resp.KlaytnAddress == "" {
		return "", domain.NewError(domain.KindProtocol, "resolve address", ErrEmptyAddress)
	}
	return resp.KlaytnAddress, nil
}

// Transfer moves the certificate for insuranceID to address. Every failure
// is a transfer error; the confirmation it follows is single-use.
func (c *Client) Transfer(ctx context.Context, insuranceID, cardID, address string) (*TransferResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.cardBaseURL + PathTransfer + url.PathEscape(insuranceID)
	body := transferRequest{CardID: cardID, Address: address}

	var resp TransferResponse
	if _, err := c.doJSON(ctx, http.MethodPost, endpoint, body, nil, &resp); err != nil {
		if errors.Is(err, errDecode) {
			// The transfer went through; the body is informational only.
			c.logger.Warn("Unreadable transfer response", zap.Error(err))
			return &TransferResponse{}, nil
		}
		return nil, domain.NewError(domain.KindTransfer, "transfer", err)
	}

	c.logger.Info("Transferred certificate",
		zap.String("insurance_id", insuranceID),
		zap.String("address", address))
	return &resp, nil
}

// ExchangeToken trades a callback token for session cookies.
func (c *Client) ExchangeToken(ctx context.Context, token string) (*domain.LoginSession, error) {
	if token == "" {
		return nil, domain.NewError(domain.KindProtocol, "exchange token", ErrMissingToken)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	headers := http.Header{"Authorization": {"Bearer " + token}}
	httpResp, err := c.doJSON(ctx, http.MethodGet, c.baseURL+PathGetCookie, nil, headers, nil)
	if err != nil {
		return nil, classify("exchange token", err)
	}

	return &domain.LoginSession{
		Token:   token,
		Cookies: cookieMap(httpResp.Cookies()),
	}, nil
}

var errDecode = errors.New("decode response")

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v %d: %s", ErrUnexpectedCode, e.Code, e.Body)
}

func (e *statusError) Unwrap() error {
	return ErrUnexpectedCode
}

// doJSON performs the request and decodes a JSON body into out when out is
// non-nil. The response body is always closed; the returned response is only
// good for headers and cookies.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body interface{}, headers http.Header, out interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(respBody)
		if len(text) > 256 {
			text = text[:256] + "..."
		}
		return nil, &statusError{Code: resp.StatusCode, Body: text}
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp, fmt.Errorf("%w: %v", errDecode, err)
		}
	} else if out != nil {
		return resp, fmt.Errorf("%w: empty body", errDecode)
	}
	return resp, nil
}

// classify maps a transport or decoding failure onto the taxonomy. A call
// that runs out of time is a network failure; KindTimeout belongs to the
// confirmation deadline, which the orchestrator owns.
func classify(op string, err error) *domain.Error {
	var serr *statusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewError(domain.KindNetwork, op, err)
	case errors.Is(err, context.Canceled):
		return domain.NewError(domain.KindCancelled, op, err)
	case errors.Is(err, errDecode):
		return domain.NewError(domain.KindProtocol, op, err)
	case errors.As(err, &serr):
		if serr.Code >= 500 {
			return domain.NewError(domain.KindNetwork, op, err)
		}
		return domain.NewError(domain.KindProtocol, op, err)
	default:
		return domain.NewError(domain.KindNetwork, op, err)
	}
}

func cookieMap(cookies []*http.Cookie) map[string]string {
	if len(cookies) == 0 {
		return nil
	}
	m := make(map[string]string, len(cookies))
	for _, ck := range cookies {
		m[ck.Name] = ck.Value
	}
	return m
}
