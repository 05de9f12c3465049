package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/atinyakov/RealmKeeper/internal/certstore"
	"github.com/atinyakov/RealmKeeper/internal/models"
)

// DeviceHeader carries the caller's device ID on every request; the server
// attributes writes to it.
const DeviceHeader = "X-Device-Id"

// HTTPClient talks JSON over HTTP to the server.
type HTTPClient struct {
	BaseURL  string
	DeviceID models.DeviceID
	Client   *http.Client
}

// NewHTTPClient builds a client for the given base URL. client may be nil.
func NewHTTPClient(baseURL string, deviceID models.DeviceID, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{BaseURL: baseURL, DeviceID: deviceID, Client: client}
}

// pollRequest is the wire form of a certificate poll.
type pollRequest struct {
	CommonAfter         models.DateTime                    `json:"common_after"`
	SequesterAfter      models.DateTime                    `json:"sequester_after"`
	ShamirRecoveryAfter models.DateTime                    `json:"shamir_recovery_after"`
	RealmAfter          map[models.RealmID]models.DateTime `json:"realm_after"`
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeviceHeader, c.DeviceID.String())

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrOffline, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) PollCertificates(ctx context.Context, since certstore.PerTopicLastTimestamps) (*CertificateBatch, error) {
	req := pollRequest{
		CommonAfter:         since.Common,
		SequesterAfter:      since.Sequester,
		ShamirRecoveryAfter: since.ShamirRecovery,
		RealmAfter:          since.Realm,
	}
	var batch CertificateBatch
	if err := c.postJSON(ctx, "/api/certificates/poll", req, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (c *HTTPClient) CreateRealm(ctx context.Context, signedRoleCertificate []byte) (*WriteResult, error) {
	req := struct {
		Certificate []byte `json:"certificate"`
	}{Certificate: signedRoleCertificate}
	var result WriteResult
	if err := c.postJSON(ctx, "/api/realms", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) ShareRealm(ctx context.Context, signedRoleCertificate []byte) (*WriteResult, error) {
	req := struct {
		Certificate []byte `json:"certificate"`
	}{Certificate: signedRoleCertificate}
	var result WriteResult
	if err := c.postJSON(ctx, "/api/realms/share", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) CreateVlob(ctx context.Context, w *VlobWrite) (*WriteResult, error) {
	var result WriteResult
	if err := c.postJSON(ctx, "/api/vlobs/create", w, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) UpdateVlob(ctx context.Context, w *VlobWrite) (*WriteResult, error) {
	var result WriteResult
	if err := c.postJSON(ctx, "/api/vlobs/update", w, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPClient) ReadVlob(ctx context.Context, realmID models.RealmID, vlobID models.VlobID, version uint32) (*VlobRead, error) {
	url := fmt.Sprintf("%s/api/vlobs/%s/%s?version=%d", c.BaseURL, realmID, vlobID, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(DeviceHeader, c.DeviceID.String())

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrVlobNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrOffline, resp.StatusCode)
	}

	var read VlobRead
	if err := json.NewDecoder(resp.Body).Decode(&read); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &read, nil
}

func (c *HTTPClient) ServerNow(ctx context.Context) (models.DateTime, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/now", nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(DeviceHeader, c.DeviceID.String())

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: unexpected status %d", ErrOffline, resp.StatusCode)
	}

	var out struct {
		Now models.DateTime `json:"now"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return out.Now, nil
}
