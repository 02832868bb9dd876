package github

import (
	"bytes"
	"context"
	"encoding/base64"
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

// ErrRepoExists is returned when repository creation hits a name collision
// under the platform organization. The orchestrator decides whether the
// existing repo belongs to the same provisioning attempt.
var ErrRepoExists = errors.New("github: repository name already exists")

type Client interface {
	// CreateRepository creates a private repo under the platform org and
	// pushes initialFiles as its first commits.
	CreateRepository(ctx context.Context, name string, initialFiles map[string][]byte) (*Repository, error)
	GetRepository(ctx context.Context, owner, name string) (*Repository, error)
	// DeleteRepository tolerates an already-missing repository.
	DeleteRepository(ctx context.Context, owner, name string) error
}

type Config struct {
	Token      string
	BaseURL    string
	Org        string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		Token:      strings.TrimSpace(os.Getenv("GITHUB_TOKEN")),
		BaseURL:    strings.TrimSpace(os.Getenv("GITHUB_BASE_URL")),
		Org:        strings.TrimSpace(os.Getenv("GITHUB_ORG")),
		Timeout:    envutil.Seconds("GITHUB_TIMEOUT_SECONDS", 60*time.Second),
		MaxRetries: envutil.Int("GITHUB_MAX_RETRIES", 3),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("missing GITHUB_TOKEN")
	}
	if cfg.Org == "" {
		return nil, fmt.Errorf("missing GITHUB_ORG")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &client{
		log:        log.With("client", "GithubClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

type Repository struct {
	URL           string `json:"url"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"defaultBranch"`
}

type createRepoRequest struct {
	Name          string `json:"name"`
	Private       bool   `json:"private"`
	AutoInit      bool   `json:"auto_init"`
	Description   string `json:"description,omitempty"`
	HasIssues     bool   `json:"has_issues"`
	HasProjects   bool   `json:"has_projects"`
	HasWiki       bool   `json:"has_wiki"`
}

type repoResponse struct {
	Name          string `json:"name"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type putContentsRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
}

func (c *client) CreateRepository(ctx context.Context, name string, initialFiles map[string][]byte) (*Repository, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("github: repository name required")
	}

	body := createRepoRequest{
		Name:     name,
		Private:  true,
		AutoInit: false,
	}
	raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/orgs/%s/repos", c.cfg.Org), body)
	if err != nil {
		var he *HTTPError
		// 422 "name already exists on this account"
		if errors.As(err, &he) && he.StatusCode == http.StatusUnprocessableEntity {
			return nil, fmt.Errorf("%w: %s/%s", ErrRepoExists, c.cfg.Org, name)
		}
		return nil, err
	}

	var resp repoResponse
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("github: decode create response: %w", jErr)
	}
	repo := repoFromResponse(resp, c.cfg.Org, name)

	for path, content := range initialFiles {
		if err := c.putFile(ctx, repo.Owner, repo.Name, path, content, repo.DefaultBranch); err != nil {
			return nil, fmt.Errorf("github: push %s: %w", path, err)
		}
	}
	return repo, nil
}

func (c *client) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	if owner == "" || name == "" {
		return nil, fmt.Errorf("github: owner and name required")
	}
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, name), nil)
	if err != nil {
		return nil, err
	}
	var resp repoResponse
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("github: decode get response: %w", jErr)
	}
	return repoFromResponse(resp, owner, name), nil
}

func (c *client) DeleteRepository(ctx context.Context, owner, name string) error {
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	if owner == "" || name == "" {
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/%s", owner, name), nil)
	if httpx.IsNotFoundError(err) {
		c.log.Debug("Repository already absent", "owner", owner, "repo", name)
		return nil
	}
	return err
}

func (c *client) putFile(ctx context.Context, owner, repo, path string, content []byte, branch string) error {
	body := putContentsRequest{
		Message: "Initial site scaffold",
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  branch,
	}
	escaped := (&url.URL{Path: path}).EscapedPath()
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, strings.TrimPrefix(escaped, "/")), body)
	return err
}

func repoFromResponse(resp repoResponse, fallbackOwner, fallbackName string) *Repository {
	repo := &Repository{
		URL:           resp.HTMLURL,
		Owner:         resp.Owner.Login,
		Name:          resp.Name,
		DefaultBranch: resp.DefaultBranch,
	}
	if repo.Owner == "" {
		repo.Owner = fallbackOwner
	}
	if repo.Name == "" {
		repo.Name = fallbackName
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	if repo.URL == "" {
		repo.URL = fmt.Sprintf("https://github.com/%s/%s", repo.Owner, repo.Name)
	}
	return repo
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "github: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("github http %d: %s", e.StatusCode, msg)
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

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 15*time.Second))
		c.log.Warn("Github request retrying",
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
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
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
