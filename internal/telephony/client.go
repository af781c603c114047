// Package telephony places one-way voice calls through a Twilio-compatible
// REST API.
package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.twilio.com"

var ErrNotConfigured = errors.New("telephony provider not configured")

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("telephony api error: status %d, code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("telephony api error: status %d: %s", e.StatusCode, e.Message)
}

type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

type Client struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(accountSID, authToken, fromNumber string) *Client {
	return &Client{
		AccountSID: accountSID,
		AuthToken:  authToken,
		FromNumber: fromNumber,
		BaseURL:    DefaultBaseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Configured reports whether credentials and a caller number are set.
func (c *Client) Configured() bool {
	return c != nil && c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// PlaceCall dials to and reads message once using text-to-speech.
func (c *Client) PlaceCall(ctx context.Context, to, message string) (Call, error) {
	if !c.Configured() {
		return Call{}, ErrNotConfigured
	}

	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", strings.TrimRight(base, "/"), url.PathEscape(c.AccountSID))

	params := url.Values{}
	params.Set("To", to)
	params.Set("From", c.FromNumber)
	params.Set("Twiml", twiml(message))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(params.Encode()))
	if err != nil {
		return Call{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.AccountSID, c.AuthToken)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Call{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Call{}, fmt.Errorf("failed to read telephony response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			perr.Code = apiErr.Code
			perr.Message = apiErr.Message
		}
		return Call{}, perr
	}

	var call Call
	if err := json.Unmarshal(body, &call); err != nil {
		return Call{}, fmt.Errorf("failed to decode telephony response: %w", err)
	}
	return call, nil
}

func twiml(message string) string {
	var b strings.Builder
	b.WriteString("<Response><Say>")
	_ = xml.EscapeText(&b, []byte(message))
	b.WriteString("</Say></Response>")
	return b.String()
}
