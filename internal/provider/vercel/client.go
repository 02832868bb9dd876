package vercel

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

// ErrProjectExists is returned when project creation hits a name collision.
var ErrProjectExists = errors.New("vercel: project name already exists")

// ErrDeploymentTimeout is returned by AwaitDeploymentReady when the build
// does not reach a terminal state within the given timeout. The underlying
// deployment may still finish later; callers record the project id so
// teardown can find it.
var ErrDeploymentTimeout = errors.New("vercel: timed out waiting for deployment")

// Deployment states reported by the API.
const (
	StateReady    = "READY"
	StateError    = "ERROR"
	StateCanceled = "CANCELED"
)

type Client interface {
	// CreateProject creates a project linked to the git repository and sets
	// the per-tenant environment variables.
	CreateProject(ctx context.Context, name, repoFullName string, envVars map[string]string) (*Project, error)
	GetProjectByName(ctx context.Context, name string) (*Project, error)
	// AwaitDeploymentReady polls the project's latest deployment until it
	// reaches READY or ERROR, or the timeout elapses.
	AwaitDeploymentReady(ctx context.Context, projectID string, timeout time.Duration) (*Deployment, error)
	// DeleteProject tolerates an already-missing project.
	DeleteProject(ctx context.Context, projectID string) error
	CreateDeployHook(ctx context.Context, projectID, hookName string) (*DeployHook, error)
	TriggerDeployHook(ctx context.Context, hookURL string) error
}

type Config struct {
	Token        string
	BaseURL      string
	TeamID       string
	PollInterval time.Duration
	Timeout      time.Duration
	MaxRetries   int
}

func ConfigFromEnv() Config {
	return Config{
		Token:        strings.TrimSpace(os.Getenv("VERCEL_TOKEN")),
		BaseURL:      strings.TrimSpace(os.Getenv("VERCEL_BASE_URL")),
		TeamID:       strings.TrimSpace(os.Getenv("VERCEL_TEAM_ID")),
		PollInterval: envutil.Seconds("VERCEL_POLL_INTERVAL_SECONDS", 5*time.Second),
		Timeout:      envutil.Seconds("VERCEL_TIMEOUT_SECONDS", 30*time.Second),
		MaxRetries:   envutil.Int("VERCEL_MAX_RETRIES", 3),
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
		return nil, fmt.Errorf("missing VERCEL_TOKEN")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.vercel.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &client{
		log:        log.With("client", "VercelClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

type Project struct {
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
}

type Deployment struct {
	DeploymentURL string `json:"deploymentUrl"`
	State         string `json:"state"`
}

type DeployHook struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type envVarEntry struct {
	Key    string   `json:"key"`
	Value  string   `json:"value"`
	Type   string   `json:"type"`
	Target []string `json:"target"`
}

type createProjectRequest struct {
	Name                 string        `json:"name"`
	Framework            string        `json:"framework,omitempty"`
	GitRepository        gitRepository `json:"gitRepository"`
	EnvironmentVariables []envVarEntry `json:"environmentVariables,omitempty"`
}

type gitRepository struct {
	Type string `json:"type"`
	Repo string `json:"repo"`
}

type projectResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type deploymentEntry struct {
	UID        string `json:"uid"`
	URL        string `json:"url"`
	ReadyState string `json:"readyState"`
	State      string `json:"state"`
}

type deploymentsResponse struct {
	Deployments []deploymentEntry `json:"deployments"`
}

func (c *client) CreateProject(ctx context.Context, name, repoFullName string, envVars map[string]string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("vercel: project name required")
	}
	if strings.TrimSpace(repoFullName) == "" {
		return nil, fmt.Errorf("vercel: git repository required")
	}

	entries := make([]envVarEntry, 0, len(envVars))
	for k, v := range envVars {
		entries = append(entries, envVarEntry{
			Key:    k,
			Value:  v,
			Type:   "encrypted",
			Target: []string{"production", "preview"},
		})
	}
	body := createProjectRequest{
		Name:                 name,
		GitRepository:        gitRepository{Type: "github", Repo: repoFullName},
		EnvironmentVariables: entries,
	}

	raw, err := c.do(ctx, http.MethodPost, c.teamScoped("/v10/projects"), body)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", ErrProjectExists, name)
		}
		return nil, err
	}

	var resp projectResponse
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("vercel: decode create response: %w", jErr)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("vercel: create response missing project id")
	}
	return &Project{ProjectID: resp.ID, Name: resp.Name}, nil
}

func (c *client) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("vercel: project name required")
	}
	raw, err := c.do(ctx, http.MethodGet, c.teamScoped("/v9/projects/"+url.PathEscape(name)), nil)
	if err != nil {
		return nil, err
	}
	var resp projectResponse
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("vercel: decode get response: %w", jErr)
	}
	return &Project{ProjectID: resp.ID, Name: resp.Name}, nil
}

func (c *client) AwaitDeploymentReady(ctx context.Context, projectID string, timeout time.Duration) (*Deployment, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("vercel: project id required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	deadline := time.Now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s (project %s)", ErrDeploymentTimeout, timeout, projectID)
		}

		dep, err := c.latestDeployment(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if dep != nil {
			switch dep.State {
			case StateReady:
				return dep, nil
			case StateError, StateCanceled:
				return dep, fmt.Errorf("vercel: deployment ended in state %s (project %s)", dep.State, projectID)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *client) latestDeployment(ctx context.Context, projectID string) (*Deployment, error) {
	raw, err := c.do(ctx, http.MethodGet, c.teamScoped("/v6/deployments?projectId="+url.QueryEscape(projectID)+"&limit=1"), nil)
	if err != nil {
		return nil, err
	}
	var resp deploymentsResponse
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("vercel: decode deployments response: %w", jErr)
	}
	if len(resp.Deployments) == 0 {
		return nil, nil
	}
	entry := resp.Deployments[0]
	state := entry.ReadyState
	if state == "" {
		state = entry.State
	}
	depURL := entry.URL
	if depURL != "" && !strings.HasPrefix(depURL, "https://") {
		depURL = "https://" + depURL
	}
	return &Deployment{DeploymentURL: depURL, State: strings.ToUpper(state)}, nil
}

func (c *client) DeleteProject(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, c.teamScoped("/v9/projects/"+url.PathEscape(projectID)), nil)
	if httpx.IsNotFoundError(err) {
		c.log.Debug("Project already absent", "project_id", projectID)
		return nil
	}
	return err
}

func (c *client) CreateDeployHook(ctx context.Context, projectID, hookName string) (*DeployHook, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("vercel: project id required")
	}
	body := map[string]string{"name": hookName, "ref": "main"}
	raw, err := c.do(ctx, http.MethodPost, c.teamScoped("/v2/projects/"+url.PathEscape(projectID)+"/deploy-hooks"), body)
	if err != nil {
		return nil, err
	}
	var resp DeployHook
	if jErr := json.Unmarshal(raw, &resp); jErr != nil {
		return nil, fmt.Errorf("vercel: decode deploy hook response: %w", jErr)
	}
	return &resp, nil
}

func (c *client) TriggerDeployHook(ctx context.Context, hookURL string) error {
	hookURL = strings.TrimSpace(hookURL)
	if hookURL == "" {
		return fmt.Errorf("vercel: hook url required")
	}
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, hookURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *client) teamScoped(path string) string {
	if c.cfg.TeamID == "" {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "teamId=" + url.QueryEscape(c.cfg.TeamID)
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "vercel: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("vercel http %d: %s", e.StatusCode, msg)
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
		c.log.Warn("Vercel request retrying",
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
