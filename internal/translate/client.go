package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"meeshy/internal/models"
)

var (
	ErrUnavailable = errors.New("translation unavailable")
	ErrTimeout     = errors.New("translation timeout")
)

var defaultTimeouts = map[models.ModelTier]time.Duration{
	models.ModelTierBasic:   5 * time.Second,
	models.ModelTierMedium:  10 * time.Second,
	models.ModelTierPremium: 30 * time.Second,
}

// TierFor picks a model tier from content length in runes.
func TierFor(text string) models.ModelTier {
	switch n := utf8.RuneCountInString(text); {
	case n < 20:
		return models.ModelTierBasic
	case n < 100:
		return models.ModelTierMedium
	default:
		return models.ModelTierPremium
	}
}

type Request struct {
	Text           string
	SourceLanguage string
	TargetLanguage string
	// Tier overrides the length based choice when set.
	Tier models.ModelTier
}

type Result struct {
	TranslatedText   string
	ConfidenceScore  float64
	ModelTier        models.ModelTier
	ProcessingTimeMs int64
}

type translateRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	ModelType      string `json:"modelType"`
}

type translateResponse struct {
	TranslatedText  string  `json:"translatedText"`
	ConfidenceScore float64 `json:"confidenceScore"`
	ModelType       string  `json:"modelType"`
	ProcessingTime  float64 `json:"processingTime"`
}

// HTTPStatusError captures non-2xx responses from the translation backend.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("translate: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Client talks to the translation worker pool over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeouts   map[models.ModelTier]time.Duration
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTierTimeout overrides the call timeout for one model tier.
func WithTierTimeout(tier models.ModelTier, d time.Duration) Option {
	return func(c *Client) {
		c.timeouts[tier] = d
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    "http://localhost:8000",
		httpClient: &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 32, IdleConnTimeout: 90 * time.Second}},
		timeouts:   make(map[models.ModelTier]time.Duration, len(defaultTimeouts)),
	}
	for tier, d := range defaultTimeouts {
		c.timeouts[tier] = d
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the call timeout used for tier.
func (c *Client) Timeout(tier models.ModelTier) time.Duration {
	if d, ok := c.timeouts[tier]; ok {
		return d
	}
	return c.timeouts[models.ModelTierPremium]
}

func (c *Client) translateURL() string {
	return strings.TrimRight(c.baseURL, "/") + "/translate"
}

// Translate sends one text to the backend. Failures wrap ErrUnavailable or ErrTimeout,
// except cancellation of ctx by the caller which is returned as is.
func (c *Client) Translate(ctx context.Context, req Request) (Result, error) {
	tier := req.Tier
	if tier == "" {
		tier = TierFor(req.Text)
	}

	body, err := json.Marshal(translateRequest{
		Text:           req.Text,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		ModelType:      string(tier),
	})
	if err != nil {
		return Result{}, fmt.Errorf("translate: marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.Timeout(tier))
	defer cancel()

	url := c.translateURL()
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("translate: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return Result{}, fmt.Errorf("%w: %s after %s", ErrTimeout, tier, c.Timeout(tier))
		}
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var payload translateResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if payload.TranslatedText == "" {
		return Result{}, fmt.Errorf("%w: empty translation", ErrUnavailable)
	}

	res := Result{
		TranslatedText:   payload.TranslatedText,
		ConfidenceScore:  payload.ConfidenceScore,
		ModelTier:        models.ModelTier(payload.ModelType),
		ProcessingTimeMs: int64(payload.ProcessingTime * 1000),
	}
	if res.ModelTier == "" {
		res.ModelTier = tier
	}
	return res, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
