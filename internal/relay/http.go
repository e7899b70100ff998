package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"sealchat/internal/domain"
)

// HTTP talks to a relay server over JSON/HTTP.
type HTTP struct {
	base   string
	client *http.Client
}

// NewHTTP returns a client for the relay at base. A nil httpClient falls
// back to http.DefaultClient.
func NewHTTP(base string, httpClient *http.Client) *HTTP {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTP{base: base, client: httpClient}
}

func (c *HTTP) PublishKeyBundle(ctx context.Context, bundle domain.PublicKeyBundle) error {
	return c.post(ctx, "/v1/bundles", bundle, nil)
}

func (c *HTTP) FetchKeyBundle(ctx context.Context, user domain.UserID) (domain.PublicKeyBundle, error) {
	var out domain.PublicKeyBundle
	if err := c.getJSON(ctx, "/v1/bundles/"+url.PathEscape(string(user)), &out); err != nil {
		return domain.PublicKeyBundle{}, err
	}
	return out, nil
}

func (c *HTTP) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	return c.post(ctx, "/v1/envelopes/"+url.PathEscape(string(env.To)), env, nil)
}

func (c *HTTP) FetchEnvelopes(ctx context.Context, user domain.UserID, limit int) ([]domain.Envelope, error) {
	path := "/v1/envelopes/" + url.PathEscape(string(user))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var envs []domain.Envelope
	if err := c.getJSON(ctx, path, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *HTTP) AckEnvelopes(ctx context.Context, user domain.UserID, count int) error {
	return c.post(ctx, "/v1/envelopes/"+url.PathEscape(string(user))+"/ack", struct {
		Count int `json:"count"`
	}{Count: count}, nil)
}

func (c *HTTP) PutKeyBackup(ctx context.Context, user domain.UserID, blob domain.KeyBackupBlob) error {
	return c.post(ctx, "/v1/backups/"+url.PathEscape(string(user)), blob, nil)
}

func (c *HTTP) FetchKeyBackup(ctx context.Context, user domain.UserID) (domain.KeyBackupBlob, bool, error) {
	var blob domain.KeyBackupBlob
	found, err := c.getJSONMaybe(ctx, "/v1/backups/"+url.PathEscape(string(user)), &blob)
	return blob, found, err
}

func (c *HTTP) PutGroupKeyBackup(ctx context.Context, user domain.UserID, backup domain.GroupKeyBackup) error {
	path := "/v1/groups/" + url.PathEscape(string(user)) + "/" + url.PathEscape(string(backup.ConversationID))
	return c.post(ctx, path, backup, nil)
}

func (c *HTTP) FetchGroupKeyBackup(ctx context.Context, user domain.UserID, conv domain.ConversationID) (domain.GroupKeyBackup, bool, error) {
	var backup domain.GroupKeyBackup
	path := "/v1/groups/" + url.PathEscape(string(user)) + "/" + url.PathEscape(string(conv))
	found, err := c.getJSONMaybe(ctx, path, &backup)
	return backup, found, err
}

func (c *HTTP) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay post %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTP) getJSON(ctx context.Context, path string, out any) error {
	found, err := c.getJSONMaybe(ctx, path, out)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("relay get %s: %s", path, http.StatusText(http.StatusNotFound))
	}
	return nil
}

// getJSONMaybe decodes into out and reports presence; a 404 is an absent
// record, not an error.
func (c *HTTP) getJSONMaybe(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("relay get %s: %s", path, resp.Status)
	}
	return true, json.NewDecoder(resp.Body).Decode(out)
}

var _ domain.RelayClient = (*HTTP)(nil)
