package vault

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// apiError carries the HTTP status so the backend can map it onto the
// shared error taxonomy.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vault returned status %d: %s", e.StatusCode, e.Body)
}

// kvSecret is a KV v2 secret as returned by the data endpoint.
type kvSecret struct {
	Data          map[string]interface{}
	Version       int64
	LeaseDuration int64
}

// HTTPVaultClient implements Client against the Vault HTTP API.
type HTTPVaultClient struct {
	config Config
	token  string
}

// Authenticate obtains a client token using the configured method.
func (c *HTTPVaultClient) Authenticate(ctx context.Context) error {
	if c.token != "" {
		if err := c.validateToken(ctx); err == nil {
			return nil
		}
		c.token = ""
	}

	switch c.config.AuthMethod {
	case "token":
		return c.authenticateToken()
	case "userpass":
		return c.authenticateUserpass(ctx)
	case "k8s", "kubernetes":
		return c.authenticateKubernetes(ctx)
	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.AuthMethod)
	}
}

// Read fetches the current version of a KV v2 secret.
func (c *HTTPVaultClient) Read(ctx context.Context, path string) (*kvSecret, error) {
	resp, err := c.do(ctx, http.MethodGet, c.dataURL(path), nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var response struct {
		LeaseDuration int64 `json:"lease_duration"`
		Data          struct {
			Data     map[string]interface{} `json:"data"`
			Metadata struct {
				Version int64 `json:"version"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}

	return &kvSecret{
		Data:          response.Data.Data,
		Version:       response.Data.Metadata.Version,
		LeaseDuration: response.LeaseDuration,
	}, nil
}

// Write stores data as a new KV v2 version. A non-negative cas value is
// passed through as a check-and-set constraint.
func (c *HTTPVaultClient) Write(ctx context.Context, path string, data map[string]interface{}, cas int64) (int64, error) {
	body := map[string]interface{}{"data": data}
	if cas >= 0 {
		body["options"] = map[string]interface{}{"cas": cas}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode vault request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.dataURL(path), bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return 0, err
	}

	var response struct {
		Data struct {
			Version int64 `json:"version"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("decode vault response: %w", err)
	}
	return response.Data.Version, nil
}

// Delete removes the secret's metadata and all versions.
func (c *HTTPVaultClient) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.metadataURL(path), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus(resp, http.StatusNoContent, http.StatusOK)
}

// Health probes the sys/health endpoint without authentication.
func (c *HTTPVaultClient) Health(ctx context.Context) error {
	url := strings.TrimSuffix(c.config.Address, "/") + "/v1/sys/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Vault reports standby and sealed states with distinct 4xx/5xx codes;
	// any response at all proves reachability, but sealed is unusable.
	if resp.StatusCode == 503 {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// Close cleans up the client.
func (c *HTTPVaultClient) Close() error {
	c.token = ""
	return nil
}

func (c *HTTPVaultClient) dataURL(path string) string {
	return fmt.Sprintf("%s/v1/%s/data/%s",
		strings.TrimSuffix(c.config.Address, "/"),
		strings.Trim(c.config.Mount, "/"),
		strings.TrimPrefix(path, "/"))
}

func (c *HTTPVaultClient) metadataURL(path string) string {
	return fmt.Sprintf("%s/v1/%s/metadata/%s",
		strings.TrimSuffix(c.config.Address, "/"),
		strings.Trim(c.config.Mount, "/"),
		strings.TrimPrefix(path, "/"))
}

func (c *HTTPVaultClient) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	if c.token == "" {
		return nil, fmt.Errorf("not authenticated")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Vault-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, accept ...int) error {
	for _, code := range accept {
		if resp.StatusCode == code {
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *HTTPVaultClient) authenticateToken() error {
	if c.config.Token != "" {
		c.token = c.config.Token
		return nil
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.token = token
		return nil
	}
	return fmt.Errorf("no vault token found in config or VAULT_TOKEN environment variable")
}

func (c *HTTPVaultClient) authenticateUserpass(ctx context.Context) error {
	password := c.config.UserpassPassword
	if password == "" {
		password = os.Getenv("VAULT_USERPASS_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("no password found for userpass auth")
	}

	return c.performLogin(ctx, fmt.Sprintf("auth/userpass/login/%s", c.config.UserpassUsername),
		map[string]interface{}{"password": password})
}

func (c *HTTPVaultClient) authenticateKubernetes(ctx context.Context) error {
	tokenPath := "/var/run/secrets/kubernetes.io/serviceaccount/token"
	if customPath := os.Getenv("VAULT_K8S_TOKEN_PATH"); customPath != "" {
		tokenPath = customPath
	}

	tokenBytes, err := os.ReadFile(tokenPath)
	if err != nil {
		return fmt.Errorf("read kubernetes token: %w", err)
	}

	return c.performLogin(ctx, "auth/kubernetes/login", map[string]interface{}{
		"role": c.config.K8SRole,
		"jwt":  string(tokenBytes),
	})
}

func (c *HTTPVaultClient) performLogin(ctx context.Context, authPath string, authData map[string]interface{}) error {
	url := strings.TrimSuffix(c.config.Address, "/") + "/v1/" + strings.TrimPrefix(authPath, "/")

	jsonData, err := json.Marshal(authData)
	if err != nil {
		return fmt.Errorf("marshal auth data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var authResp struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if authResp.Auth.ClientToken == "" {
		return fmt.Errorf("no token received from vault")
	}

	c.token = authResp.Auth.ClientToken
	return nil
}

func (c *HTTPVaultClient) validateToken(ctx context.Context) error {
	url := strings.TrimSuffix(c.config.Address, "/") + "/v1/auth/token/lookup-self"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create token validation request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("validate token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return checkStatus(resp, http.StatusOK)
}

func (c *HTTPVaultClient) httpClient() *http.Client {
	client := &http.Client{
		Timeout: DefaultTimeout,
	}
	if c.config.TLSSkip {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: c.config.TLSSkip},
		}
	}
	return client
}
