/*
Copyright 2024 Bastion Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"

	"github.com/bastionlabs/bastion/lib/httplib"
	"github.com/bastionlabs/bastion/lib/keystore"
	"github.com/bastionlabs/bastion/lib/translate"
	"github.com/bastionlabs/bastion/lib/types"
)

// CurrentVersion is the admin API version prefix.
const CurrentVersion = "v1"

// Client is an HTTP client to the admin API, used by bastionctl and by
// tests.
type Client struct {
	roundtrip.Client
}

// NewClient returns a client pointed at the given admin API address.
func NewClient(addr string, params ...roundtrip.ClientParam) (*Client, error) {
	c, err := roundtrip.NewClient(addr, CurrentVersion, params...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{Client: *c}, nil
}

// PostJSON issues a POST and converts HTTP errors to trace errors.
func (c *Client) PostJSON(ctx context.Context, endpoint string, val any) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.Client.PostJSON(ctx, endpoint, val))
}

// PutJSON issues a PUT and converts HTTP errors to trace errors.
func (c *Client) PutJSON(ctx context.Context, endpoint string, val any) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.Client.PutJSON(ctx, endpoint, val))
}

// Get issues a GET and converts HTTP errors to trace errors.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.Client.Get(ctx, endpoint, params))
}

// Delete issues a DELETE and converts HTTP errors to trace errors.
func (c *Client) Delete(ctx context.Context, endpoint string) (*roundtrip.Response, error) {
	return httplib.ConvertResponse(c.Client.Delete(ctx, endpoint))
}

// putJSONIfMatch issues a PUT carrying the If-Match version header.
func (c *Client) putJSONIfMatch(ctx context.Context, endpoint string, version int64, val any) (*roundtrip.Response, error) {
	data, err := json.Marshal(val)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", strconv.FormatInt(version, 10))
	return httplib.ConvertResponse(c.Client.RoundTrip(func() (*http.Response, error) {
		return c.Client.HTTPClient().Do(req)
	}))
}

// ServicePage is one page of service registrations.
type ServicePage struct {
	Items  []types.ServiceRegistration `json:"items"`
	Count  int                         `json:"count"`
	Limit  int                         `json:"limit"`
	Offset int                         `json:"offset"`
}

// CreateService registers a new service.
func (c *Client) CreateService(ctx context.Context, svc types.ServiceRegistration) (*types.ServiceRegistration, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("services"), svc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var created types.ServiceRegistration
	if err := json.Unmarshal(out.Bytes(), &created); err != nil {
		return nil, trace.Wrap(err)
	}
	return &created, nil
}

// GetService fetches one registration.
func (c *Client) GetService(ctx context.Context, serviceID string) (*types.ServiceRegistration, error) {
	out, err := c.Get(ctx, c.Endpoint("services", serviceID), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var svc types.ServiceRegistration
	if err := json.Unmarshal(out.Bytes(), &svc); err != nil {
		return nil, trace.Wrap(err)
	}
	return &svc, nil
}

// ListServices fetches one page of registrations.
func (c *Client) ListServices(ctx context.Context, limit, offset int) (*ServicePage, error) {
	out, err := c.Get(ctx, c.Endpoint("services"), pageValues(limit, offset))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var page ServicePage
	if err := json.Unmarshal(out.Bytes(), &page); err != nil {
		return nil, trace.Wrap(err)
	}
	return &page, nil
}

// UpdateService replaces a registration conditionally on svc.Version.
func (c *Client) UpdateService(ctx context.Context, svc types.ServiceRegistration) (*types.ServiceRegistration, error) {
	out, err := c.putJSONIfMatch(ctx, c.Endpoint("services", svc.ServiceID), svc.Version, svc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var updated types.ServiceRegistration
	if err := json.Unmarshal(out.Bytes(), &updated); err != nil {
		return nil, trace.Wrap(err)
	}
	return &updated, nil
}

// DeleteService removes a registration.
func (c *Client) DeleteService(ctx context.Context, serviceID string) error {
	_, err := c.Delete(ctx, c.Endpoint("services", serviceID))
	return trace.Wrap(err)
}

// CreateAPIKey mints a new API key; the plaintext in the response is
// shown exactly once.
func (c *Client) CreateAPIKey(ctx context.Context, req CreateAPIKeyRequest) (*CreateAPIKeyResponse, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("api-keys"), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resp CreateAPIKeyResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resp, nil
}

// RevokeAPIKey soft-revokes a key.
func (c *Client) RevokeAPIKey(ctx context.Context, id string) error {
	_, err := c.PostJSON(ctx, c.Endpoint("api-keys", id, "revoke"), nil)
	return trace.Wrap(err)
}

// DeleteAPIKey removes a key record.
func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := c.Delete(ctx, c.Endpoint("api-keys", id))
	return trace.Wrap(err)
}

// RotateSigningKey generates and activates a fresh signing key.
func (c *Client) RotateSigningKey(ctx context.Context, reason string) (*types.SigningKey, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("keys", "rotate"), RotateRequest{Reason: reason})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var key types.SigningKey
	if err := json.Unmarshal(out.Bytes(), &key); err != nil {
		return nil, trace.Wrap(err)
	}
	return &key, nil
}

// ListSigningKeys fetches all signing keys, private material stripped.
func (c *Client) ListSigningKeys(ctx context.Context) ([]types.SigningKey, error) {
	out, err := c.Get(ctx, c.Endpoint("keys"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var page struct {
		Items []types.SigningKey `json:"items"`
	}
	if err := json.Unmarshal(out.Bytes(), &page); err != nil {
		return nil, trace.Wrap(err)
	}
	return page.Items, nil
}

// RetireSigningKey retires a key; force bypasses the grace period.
func (c *Client) RetireSigningKey(ctx context.Context, keyID string, force bool) error {
	endpoint := c.Endpoint("keys", keyID)
	if force {
		endpoint += "?force=true"
	}
	_, err := c.Delete(ctx, endpoint)
	return trace.Wrap(err)
}

// KeystoreHealth fetches the keystore health summary.
func (c *Client) KeystoreHealth(ctx context.Context) (*keystore.Health, error) {
	out, err := c.Get(ctx, c.Endpoint("keys", "health"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var health keystore.Health
	if err := json.Unmarshal(out.Bytes(), &health); err != nil {
		return nil, trace.Wrap(err)
	}
	return &health, nil
}

// CreateTranslationConfig uploads a new config snapshot.
func (c *Client) CreateTranslationConfig(ctx context.Context, schema json.RawMessage, createdBy, comment string) (*types.TranslationConfigVersion, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("translation-config"), CreateTranslationConfigRequest{
		ConfigSchema: schema,
		CreatedBy:    createdBy,
		Comment:      comment,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var created types.TranslationConfigVersion
	if err := json.Unmarshal(out.Bytes(), &created); err != nil {
		return nil, trace.Wrap(err)
	}
	return &created, nil
}

// ActivateTranslationConfig switches the active config snapshot.
func (c *Client) ActivateTranslationConfig(ctx context.Context, id string) (*types.TranslationConfigVersion, error) {
	out, err := c.PutJSON(ctx, c.Endpoint("translation-config", id, "activate"), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg types.TranslationConfigVersion
	if err := json.Unmarshal(out.Bytes(), &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// RollbackTranslationConfig re-activates an older version by number.
func (c *Client) RollbackTranslationConfig(ctx context.Context, version int64) (*types.TranslationConfigVersion, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("translation-config", "rollback", strconv.FormatInt(version, 10)), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg types.TranslationConfigVersion
	if err := json.Unmarshal(out.Bytes(), &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// TestTranslation previews the translation of claims under a candidate
// schema, or the active one when schema is nil.
func (c *Client) TestTranslation(ctx context.Context, issuer, subject string, claims map[string]any, schema json.RawMessage) (*translate.Result, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("translation-config", "test"), TestTranslationRequest{
		Issuer:       issuer,
		Subject:      subject,
		Claims:       claims,
		ConfigSchema: schema,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var result translate.Result
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return &result, nil
}

// IssueToken mints a signed token for a subject.
func (c *Client) IssueToken(ctx context.Context, subject string, permissions []string, ttlSeconds int64) (*IssueTokenResponse, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("tokens", "issue"), IssueTokenRequest{
		Subject:     subject,
		Permissions: permissions,
		TTLSeconds:  ttlSeconds,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resp IssueTokenResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resp, nil
}

// RevokeToken revokes a single token by raw value or jti.
func (c *Client) RevokeToken(ctx context.Context, token, jti, reason string) (*types.TokenRevocation, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("tokens", "revoke"), RevokeTokenRequest{
		Token:  token,
		JTI:    jti,
		Reason: reason,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var revocation types.TokenRevocation
	if err := json.Unmarshal(out.Bytes(), &revocation); err != nil {
		return nil, trace.Wrap(err)
	}
	return &revocation, nil
}

// RevokeUser installs a user-wide revocation cutting off all earlier
// tokens of the subject.
func (c *Client) RevokeUser(ctx context.Context, userID, reason string) (*types.UserRevocation, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("revocations", "users"), RevokeUserRequest{
		UserID: userID,
		Reason: reason,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var revocation types.UserRevocation
	if err := json.Unmarshal(out.Bytes(), &revocation); err != nil {
		return nil, trace.Wrap(err)
	}
	return &revocation, nil
}

// TokenRevocationStatus reports whether a jti is revoked.
func (c *Client) TokenRevocationStatus(ctx context.Context, jti string) (*RevocationStatus, error) {
	out, err := c.Get(ctx, c.Endpoint("revocations", "tokens", jti), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var status RevocationStatus
	if err := json.Unmarshal(out.Bytes(), &status); err != nil {
		return nil, trace.Wrap(err)
	}
	return &status, nil
}

// InspectToken reports what the gateway would decide about a credential.
func (c *Client) InspectToken(ctx context.Context, token string) (*InspectResponse, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("tokens", "inspect"), map[string]string{"token": token})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var resp InspectResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return &resp, nil
}

// ListLockouts fetches all active lockouts.
func (c *Client) ListLockouts(ctx context.Context) ([]types.LockoutEntry, error) {
	out, err := c.Get(ctx, c.Endpoint("lockouts"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var page struct {
		Items []types.LockoutEntry `json:"items"`
	}
	if err := json.Unmarshal(out.Bytes(), &page); err != nil {
		return nil, trace.Wrap(err)
	}
	return page.Items, nil
}

// DeleteLockout lifts one lockout.
func (c *Client) DeleteLockout(ctx context.Context, scope, value string) error {
	_, err := c.Delete(ctx, c.Endpoint("lockouts", scope, value))
	return trace.Wrap(err)
}

// ResetLockouts lifts all lockouts, optionally erasing escalation
// history.
func (c *Client) ResetLockouts(ctx context.Context, resetCounters bool) error {
	_, err := c.PostJSON(ctx, c.Endpoint("lockouts", "reset"), ResetLockoutsRequest{ResetCounters: resetCounters})
	return trace.Wrap(err)
}

func pageValues(limit, offset int) url.Values {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		values.Set("offset", strconv.Itoa(offset))
	}
	return values
}
