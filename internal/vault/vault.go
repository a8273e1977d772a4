// Package vault issues short-lived credentials for jobs from an external
// credential vault. Secret values pass through and are never stored.
package vault

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

	"github.com/ShayCichocki/fleet/pkg/models"
)

// ErrUnknownAsset is returned when the vault has no credential for the asset.
var ErrUnknownAsset = fmt.Errorf("credential asset %w", models.ErrNotFound)

// Credential is a short-lived secret scoped to one tenant and asset.
type Credential struct {
	AssetName string    `json:"asset_name"`
	Username  string    `json:"username,omitempty"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

// String redacts the secret so credentials can be logged safely by accident.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{asset=%s user=%s expires=%s secret=[redacted]}",
		c.AssetName, c.Username, c.ExpiresAt.Format(time.RFC3339))
}

// Provider issues credentials.
type Provider interface {
	Issue(ctx context.Context, tenantID, assetName string) (*Credential, error)
}

// HTTPProvider requests credentials from a vault service over HTTP.
type HTTPProvider struct {
	baseURL string
	token   string
	ttl     time.Duration
	client  *http.Client
}

// NewHTTPProvider returns a provider posting to <baseURL>/v1/credentials/issue.
func NewHTTPProvider(baseURL, token string, ttl, timeout time.Duration) *HTTPProvider {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		ttl:     ttl,
		client:  &http.Client{Timeout: timeout},
	}
}

type issueRequest struct {
	TenantID   string `json:"tenant_id"`
	AssetName  string `json:"asset_name"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Issue implements Provider.
func (p *HTTPProvider) Issue(ctx context.Context, tenantID, assetName string) (*Credential, error) {
	body, err := json.Marshal(issueRequest{
		TenantID:   tenantID,
		AssetName:  assetName,
		TTLSeconds: int(p.ttl.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("encode vault request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/credentials/issue", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build vault request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s for tenant %s: %w", assetName, tenantID, ErrUnknownAsset)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("vault returned %s", resp.Status)
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	if cred.AssetName == "" {
		cred.AssetName = assetName
	}
	return &cred, nil
}

// StaticProvider serves fixed secrets keyed by tenant and asset.
type StaticProvider struct {
	secrets map[string]string
	ttl     time.Duration
	now     func() time.Time
}

// NewStaticProvider creates a provider from secrets keyed "tenant/asset".
func NewStaticProvider(secrets map[string]string, ttl time.Duration) *StaticProvider {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &StaticProvider{secrets: secrets, ttl: ttl, now: time.Now}
}

// Issue implements Provider.
func (p *StaticProvider) Issue(ctx context.Context, tenantID, assetName string) (*Credential, error) {
	secret, ok := p.secrets[tenantID+"/"+assetName]
	if !ok {
		return nil, fmt.Errorf("%s for tenant %s: %w", assetName, tenantID, ErrUnknownAsset)
	}
	return &Credential{
		AssetName: assetName,
		Secret:    secret,
		ExpiresAt: p.now().Add(p.ttl),
	}, nil
}

// Disabled is a Provider for deployments without a vault.
type Disabled struct{}

// ErrDisabled is returned by Disabled.Issue.
var ErrDisabled = errors.New("credential vault not configured")

// Issue implements Provider.
func (Disabled) Issue(ctx context.Context, tenantID, assetName string) (*Credential, error) {
	return nil, ErrDisabled
}
