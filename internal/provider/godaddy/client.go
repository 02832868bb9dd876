package godaddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/casaforge/casaforge-backend/internal/platform/ctxutil"
	"github.com/casaforge/casaforge-backend/internal/platform/envutil"
	"github.com/casaforge/casaforge-backend/internal/platform/httpx"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

// Client manages DNS for the platform base domain (tenant subdomains) and
// the optional custom-domain upsell (availability check + purchase).
type Client interface {
	// CheckAvailability queries purchasability of an external domain.
	CheckAvailability(ctx context.Context, domain string) (*Availability, error)
	// CreateRecord points subdomain.<base-domain> at target via CNAME.
	CreateRecord(ctx context.Context, subdomain, target string) (*Record, error)
	// DeleteRecord tolerates an already-missing record.
	DeleteRecord(ctx context.Context, recordID string) error
	PurchaseDomain(ctx context.Context, domain string, registrant Registrant) (*Purchase, error)
}

type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	BaseDomain string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:     strings.TrimSpace(os.Getenv("GODADDY_API_KEY")),
		APISecret:  strings.TrimSpace(os.Getenv("GODADDY_API_SECRET")),
		BaseURL:    strings.TrimSpace(os.Getenv("GODADDY_BASE_URL")),
		BaseDomain: strings.TrimSpace(os.Getenv("PLATFORM_BASE_DOMAIN")),
		Timeout:    envutil.Seconds("GODADDY_TIMEOUT_SECONDS", 30*time.Second),
		MaxRetries: envutil.Int("GODADDY_MAX_RETRIES", 3),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("missing GODADDY_API_KEY / GODADDY_API_SECRET")
	}
	if cfg.BaseDomain == "" {
		return nil, fmt.Errorf("missing PLATFORM_BASE_DOMAIN")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.godaddy.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &client{
		log:        log.With("client", "GodaddyClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

type Availability struct {
	Domain    string  `json:"domain"`
	Available bool    `json:"available"`
	IsPremium bool    `json:"isPremium"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency"`
}

// Record identifies one CNAME under the platform base domain. GoDaddy
// addresses records by type+name rather than an opaque id, so RecordID is
// "CNAME:<name>" and DeleteRecord parses it back.
type Record struct {
	RecordID  string `json:"recordId"`
	Subdomain string `json:"subdomain"`
	FQDN      string `json:"fqdn"`
	Target    string `json:"target"`
}

type Registrant struct {
	FirstName string `json:"nameFirst"`
	LastName  string `json:"nameLast"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address   string `json:"address1"`
	City      string `json:"city"`
	State     string `json:"state"`
	Country   string `json:"country"`
	Zip       string `json:"postalCode"`
}

type Purchase struct {
	Domain  string `json:"domain"`
	OrderID int    `json:"orderId"`
}

type availabilityResponse struct {
	Domain     string `json:"domain"`
	Available  bool   `json:"available"`
	Definitive bool   `json:"definitive"`
	Price      int64  `json:"price"` // micro-units
	Currency   string `json:"currency"`
	Period     int    `json:"period"`
}

type dnsRecord struct {
	Data string `json:"data"`
	Name string `json:"name"`
	TTL  int    `json:"ttl"`
	Type string `json:"type"`
}

func (c *client) CheckAvailability(ctx context.Context, domain string) (*Availability, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("godaddy: domain required")
	}
	raw, err := c.do(ctx, http.MethodGet, "/v1/domains/available?domain="+url.QueryEscape(domain), nil)
	if err != nil {
		return nil, err
	}
	var resp availabilityResponse
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("godaddy: decode availability response: %w", jErr)
	}
	price := float64(resp.Price) / 1_000_000
	return &Availability{
		Domain:    resp.Domain,
		Available: resp.Available,
		IsPremium: resp.Available && price > 100,
		Price:     price,
		Currency:  resp.Currency,
	}, nil
}

func (c *client) CreateRecord(ctx context.Context, subdomain, target string) (*Record, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	target = strings.TrimSpace(target)
	if subdomain == "" {
		return nil, fmt.Errorf("godaddy: subdomain required")
	}
	if target == "" {
		return nil, fmt.Errorf("godaddy: target required")
	}
	target = strings.TrimPrefix(strings.TrimPrefix(target, "https://"), "http://")

	body := []dnsRecord{{
		Data: target,
		Name: subdomain,
		TTL:  600,
		Type: "CNAME",
	}}
	// PUT replaces records of this type+name, which makes the bind step
	// safely re-runnable.
	path := fmt.Sprintf("/v1/domains/%s/records/CNAME/%s", url.PathEscape(c.cfg.BaseDomain), url.PathEscape(subdomain))
	if _, err := c.do(ctx, http.MethodPut, path, body); err != nil {
		return nil, err
	}
	return &Record{
		RecordID:  "CNAME:" + subdomain,
		Subdomain: subdomain,
		FQDN:      subdomain + "." + c.cfg.BaseDomain,
		Target:    target,
	}, nil
}

func (c *client) DeleteRecord(ctx context.Context, recordID string) error {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil
	}
	recordType, name, ok := strings.Cut(recordID, ":")
	if !ok || name == "" {
		return fmt.Errorf("godaddy: malformed record id %q", recordID)
	}
	path := fmt.Sprintf("/v1/domains/%s/records/%s/%s", url.PathEscape(c.cfg.BaseDomain), url.PathEscape(recordType), url.PathEscape(name))
	_, err := c.do(ctx, http.MethodDelete, path, nil)
	if httpx.IsNotFoundError(err) {
		c.log.Debug("DNS record already absent", "record_id", recordID)
		return nil
	}
	return err
}

func (c *client) PurchaseDomain(ctx context.Context, domain string, registrant Registrant) (*Purchase, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("godaddy: domain required")
	}
	if strings.TrimSpace(registrant.Email) == "" {
		return nil, fmt.Errorf("godaddy: registrant email required")
	}
	body := map[string]any{
		"domain":             domain,
		"consent":            map[string]any{"agreedAt": time.Now().UTC().Format(time.RFC3339), "agreedBy": registrant.Email, "agreementKeys": []string{"DNRA"}},
		"contactAdmin":       registrant,
		"contactBilling":     registrant,
		"contactRegistrant":  registrant,
		"contactTech":        registrant,
		"period":             1,
		"privacy":            true,
		"renewAuto":          true,
	}
	raw, err := c.do(ctx, http.MethodPost, "/v1/domains/purchase", body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		OrderID int `json:"orderId"`
	}
	_ = json.Unmarshal(raw, &resp)
	return &Purchase{Domain: domain, OrderID: resp.OrderID}, nil
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "godaddy: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("godaddy http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	backoff := 1 * time.Second

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			return raw, nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return nil, err
		}

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("Godaddy request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "sso-key "+c.cfg.APIKey+":"+c.cfg.APISecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}
