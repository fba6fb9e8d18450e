package telephony

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/lifeline-lk/dispatch/internal/model"
)

const twilioBaseURL = "https://api.twilio.com"

// Twilio error code for updating a call that already reached a terminal
// status; Cancel treats it as success.
const errCodeCallNotInProgress = 21220

// TwilioGateway implements Gateway against the Twilio Calls REST API.
type TwilioGateway struct {
	httpClient *http.Client
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
}

// NewTwilioGateway builds a gateway from config. TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_PHONE_NUMBER override the configured values.
func NewTwilioGateway(cfg model.TelephonyConfig) *TwilioGateway {
	g := &TwilioGateway{
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		accountSID: envOr("TWILIO_ACCOUNT_SID", cfg.AccountSID),
		authToken:  envOr("TWILIO_AUTH_TOKEN", cfg.AuthToken),
		fromNumber: envOr("TWILIO_PHONE_NUMBER", cfg.FromNumber),
		baseURL:    cfg.BaseURL,
	}
	if g.baseURL == "" {
		g.baseURL = twilioBaseURL
	}
	g.baseURL = strings.TrimSuffix(g.baseURL, "/")
	return g
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *TwilioGateway) callsURL(suffix string) string {
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls%s", g.baseURL, g.accountSID, suffix)
}

func (g *TwilioGateway) do(ctx context.Context, method, rawURL string, form url.Values) (*callResource, *apiError, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(g.accountSID, g.authToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Code != 0 {
			return nil, &ae, nil
		}
		return nil, nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr callResource
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if cr.SID == "" {
		return nil, nil, fmt.Errorf("gateway response missing call sid")
	}
	return &cr, nil, nil
}

// Place initiates an outbound call that speaks the emergency message.
func (g *TwilioGateway) Place(ctx context.Context, destination string, payload Payload) (Handle, error) {
	form := url.Values{}
	form.Set("To", destination)
	form.Set("From", g.fromNumber)
	form.Set("Twiml", buildTwiML(payload))

	cr, ae, err := g.do(ctx, http.MethodPost, g.callsURL(".json"), form)
	if err != nil {
		return "", fmt.Errorf("place call to %s: %w", destination, err)
	}
	if ae != nil {
		return "", fmt.Errorf("place call to %s: gateway error %d: %s", destination, ae.Code, ae.Message)
	}
	return Handle(cr.SID), nil
}

// Status fetches the current status of a call.
func (g *TwilioGateway) Status(ctx context.Context, handle Handle) (model.CallStatus, error) {
	cr, ae, err := g.do(ctx, http.MethodGet, g.callsURL("/"+string(handle)+".json"), nil)
	if err != nil {
		return model.StatusFailed, fmt.Errorf("fetch status of %s: %w", handle, err)
	}
	if ae != nil {
		return model.StatusFailed, fmt.Errorf("fetch status of %s: gateway error %d: %s", handle, ae.Code, ae.Message)
	}
	status, _ := model.ParseCallStatus(cr.Status)
	return status, nil
}

// Cancel asks the gateway to end an in-flight call. Canceling a call that
// already reached a terminal status is a no-op, not an error.
func (g *TwilioGateway) Cancel(ctx context.Context, handle Handle) error {
	form := url.Values{}
	form.Set("Status", "canceled")

	_, ae, err := g.do(ctx, http.MethodPost, g.callsURL("/"+string(handle)+".json"), form)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", handle, err)
	}
	if ae != nil && ae.Code != errCodeCallNotInProgress {
		return fmt.Errorf("cancel %s: gateway error %d: %s", handle, ae.Code, ae.Message)
	}
	return nil
}

// sayVoice maps a user language to a TwiML voice/language pair. Unsupported
// languages fall back to English rather than failing the call.
func sayVoice(language string) (voice, lang string) {
	switch language {
	case "si":
		return "Polly.Aditi", "si-LK"
	case "ta":
		return "Polly.Aditi", "ta-IN"
	default:
		return "alice", "en-US"
	}
}

func buildTwiML(payload Payload) string {
	voice, lang := sayVoice(payload.Language)
	text := fmt.Sprintf(
		"Emergency alert. This is an automated call regarding a %s emergency. The caller reported: %s. Please respond immediately.",
		payload.Category, payload.Message)

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Say voice="`)
	sb.WriteString(voice)
	sb.WriteString(`" language="`)
	sb.WriteString(lang)
	sb.WriteString(`">`)
	_ = xml.EscapeText(&sb, []byte(text))
	sb.WriteString(`</Say></Response>`)
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
