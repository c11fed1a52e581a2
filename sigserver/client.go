// Package sigserver is a narrow REST client for the stakeholder
// coordination server: the place stakeholders publish signatures for each
// other, read the network's recommended feerates, and vote on spend
// proposals.
package sigserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a single sig-server instance over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for the sig-server reachable at baseURL. A trailing
// slash is trimmed so callers can pass either form.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FeeRateKind selects which published feerate to fetch.
type FeeRateKind string

const (
	FeeRateEmergency FeeRateKind = "emergency"
	FeeRateCancel    FeeRateKind = "cancel"
)

// FeeRate fetches the sig-server's recommended feerate, in sats/vbyte, for
// kind, given the vault's funding txid.
func (c *Client) FeeRate(kind FeeRateKind, txid string) (int64, error) {
	var result struct {
		FeeRate int64 `json:"feerate"`
	}
	path := fmt.Sprintf("/feerate/%s/%s", url.PathEscape(string(kind)), url.PathEscape(txid))
	if err := c.getJSON(path, &result); err != nil {
		return 0, err
	}
	return result.FeeRate, nil
}

// SendSignature publishes this stakeholder's signature for transaction
// txid, at stakeholder slot (1-indexed, matching the protocol's slot
// numbering).
func (c *Client) SendSignature(txid string, slot int, sigHex string) error {
	path := fmt.Sprintf("/sig/%s/%d", url.PathEscape(txid), slot)
	form := url.Values{"sig": {sigHex}}

	resp, err := c.http.PostForm(c.baseURL+path, form)
	if err != nil {
		return fmt.Errorf("sigserver: posting signature for %s slot %d: %w", txid, slot, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sigserver: posting signature for %s slot %d: status %d", txid, slot, resp.StatusCode)
	}
	return nil
}

// GetSignature fetches another stakeholder's published signature for
// transaction txid at the given slot. Returns ("", nil) if no signature has
// been published yet.
func (c *Client) GetSignature(txid string, slot int) (string, error) {
	var result struct {
		Sig string `json:"sig"`
	}
	path := fmt.Sprintf("/sig/%s/%d", url.PathEscape(txid), slot)
	status, err := c.getJSONStatus(path, &result)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	return result.Sig, nil
}

// RequestSpend proposes spending the unvault output of vaultTxid to the
// given address -> amount (sats) map, for the other stakeholders to vote
// on.
func (c *Client) RequestSpend(vaultTxid string, addresses map[string]int64) error {
	payload, err := json.Marshal(struct {
		Addresses map[string]int64 `json:"addresses"`
	}{addresses})
	if err != nil {
		return fmt.Errorf("sigserver: marshalling spend request: %w", err)
	}

	path := fmt.Sprintf("/spend/%s", url.PathEscape(vaultTxid))
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sigserver: requesting spend for %s: %w", vaultTxid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sigserver: requesting spend for %s: status %d", vaultTxid, resp.StatusCode)
	}
	return nil
}

// GetSpends returns the pending spend proposals known to the sig-server,
// keyed by vault txid, each mapping address -> amount.
func (c *Client) GetSpends() (map[string]map[string]int64, error) {
	var result map[string]map[string]int64
	if err := c.getJSON("/spends", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// AcceptSpend votes to approve the spend proposal for vaultTxid.
func (c *Client) AcceptSpend(vaultTxid string) error {
	return c.postVote(vaultTxid, "accept")
}

// RefuseSpend votes to reject the spend proposal for vaultTxid.
func (c *Client) RefuseSpend(vaultTxid string) error {
	return c.postVote(vaultTxid, "refuse")
}

func (c *Client) postVote(vaultTxid, verb string) error {
	path := fmt.Sprintf("/spend/%s/%s", url.PathEscape(vaultTxid), verb)
	resp, err := c.http.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("sigserver: %s spend %s: %w", verb, vaultTxid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sigserver: %s spend %s: status %d", verb, vaultTxid, resp.StatusCode)
	}
	return nil
}

// SpendAccepted reports whether every stakeholder has accepted the spend
// proposal for vaultTxid.
func (c *Client) SpendAccepted(vaultTxid string) (bool, error) {
	var result struct {
		Accepted bool `json:"accepted"`
	}
	path := fmt.Sprintf("/spend/%s/accepted", url.PathEscape(vaultTxid))
	if err := c.getJSON(path, &result); err != nil {
		return false, err
	}
	return result.Accepted, nil
}

func (c *Client) getJSON(path string, out interface{}) error {
	status, err := c.getJSONStatus(path, out)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("sigserver: GET %s: status %d", path, status)
	}
	return nil
}

func (c *Client) getJSONStatus(path string, out interface{}) (int, error) {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return 0, fmt.Errorf("sigserver: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("sigserver: GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("sigserver: decoding response for %s: %w", path, err)
	}
	return resp.StatusCode, nil
}
