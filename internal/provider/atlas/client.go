package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

// Client provisions isolated logical tenant databases on the shared Atlas
// cluster. Creation is idempotent on database name: creating a name that
// already exists returns the existing database.
type Client interface {
	CreateTenantDatabase(ctx context.Context, name string) (*TenantDatabase, error)
	GetTenantDatabase(ctx context.Context, name string) (*TenantDatabase, error)
	// DropTenantDatabase tolerates an already-missing database.
	DropTenantDatabase(ctx context.Context, name string) error
}

type Config struct {
	APIKey     string
	BaseURL    string
	GroupID    string
	ClusterURI string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:     strings.TrimSpace(os.Getenv("ATLAS_API_KEY")),
		BaseURL:    strings.TrimSpace(os.Getenv("ATLAS_BASE_URL")),
		GroupID:    strings.TrimSpace(os.Getenv("ATLAS_GROUP_ID")),
		ClusterURI: strings.TrimSpace(os.Getenv("ATLAS_CLUSTER_URI")),
		Timeout:    envutil.Seconds("ATLAS_TIMEOUT_SECONDS", 30*time.Second),
		MaxRetries: envutil.Int("ATLAS_MAX_RETRIES", 3),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing ATLAS_API_KEY")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("missing ATLAS_GROUP_ID")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://cloud.mongodb.com/api/atlas/v2"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &client{
		log:        log.With("client", "AtlasClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

// TenantDatabase is the provisioning result: the database name plus the
// connection URI the generated site's runtime config gets.
type TenantDatabase struct {
	DBName        string   `json:"dbName"`
	ConnectionURI string   `json:"connectionUri"`
	Collections   []string `json:"collections"`
}

// The collections every fresh tenant database is initialized with. The
// generated template's CRUD endpoints expect these to exist.
var defaultCollections = []string{
	"properties",
	"blogs",
	"testimonials",
	"faqs",
	"authors",
	"notifications",
	"settings",
}

type createDatabaseRequest struct {
	DatabaseName string   `json:"databaseName"`
	Collections  []string `json:"collections"`
}

type databaseResponse struct {
	DatabaseName string   `json:"databaseName"`
	Collections  []string `json:"collections"`
}

func (c *client) CreateTenantDatabase(ctx context.Context, name string) (*TenantDatabase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("atlas: database name required")
	}

	body := createDatabaseRequest{
		DatabaseName: name,
		Collections:  defaultCollections,
	}
	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/groups/%s/databases", c.cfg.GroupID), body)
	if err != nil {
		var he *HTTPError
		// 409 means the database already exists. Deterministic naming makes
		// that a safe re-run, so resolve it through a read instead of failing.
		if errors.As(err, &he) && he.StatusCode == http.StatusConflict {
			return c.GetTenantDatabase(ctx, name)
		}
		return nil, err
	}

	var resp databaseResponse
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("atlas: decode create response: %w", jErr)
	}
	if resp.DatabaseName == "" {
		resp.DatabaseName = name
	}
	if len(resp.Collections) == 0 {
		resp.Collections = defaultCollections
	}
	return &TenantDatabase{
		DBName:        resp.DatabaseName,
		ConnectionURI: c.connectionURI(resp.DatabaseName),
		Collections:   resp.Collections,
	}, nil
}

func (c *client) GetTenantDatabase(ctx context.Context, name string) (*TenantDatabase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("atlas: database name required")
	}
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/groups/%s/databases/%s", c.cfg.GroupID, url.PathEscape(name)), nil)
	if err != nil {
		return nil, err
	}
	var resp databaseResponse
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("atlas: decode get response: %w", jErr)
	}
	if resp.DatabaseName == "" {
		resp.DatabaseName = name
	}
	return &TenantDatabase{
		DBName:        resp.DatabaseName,
		ConnectionURI: c.connectionURI(resp.DatabaseName),
		Collections:   resp.Collections,
	}, nil
}

func (c *client) DropTenantDatabase(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/groups/%s/databases/%s", c.cfg.GroupID, url.PathEscape(name)), nil)
	if httpx.IsNotFoundError(err) {
		c.log.Debug("Tenant database already absent", "db_name", name)
		return nil
	}
	return err
}

func (c *client) connectionURI(dbName string) string {
	base := strings.TrimRight(c.cfg.ClusterURI, "/")
	if base == "" {
		return ""
	}
	return base + "/" + dbName
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "atlas: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("atlas http %d: %s", e.StatusCode, msg)
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
		c.log.Warn("Atlas request retrying",
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
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

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
