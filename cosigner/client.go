// Package cosigner is a narrow REST client for the cosigning server: the
// watchtower that countersigns a spend transaction exactly once, so a
// stolen trader key alone can never move funds out of an unvault output.
package cosigner

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Client talks to a single cosigning server instance over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for the cosigning server reachable at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// PubKey fetches the cosigning server's static public key, the one baked
// into every unvault script's spend path.
func (c *Client) PubKey() (*btcec.PublicKey, error) {
	resp, err := c.http.Get(c.baseURL + "/pubkey")
	if err != nil {
		return nil, fmt.Errorf("cosigner: fetching pubkey: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cosigner: fetching pubkey: status %d", resp.StatusCode)
	}

	var result struct {
		PubKey string `json:"pubkey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("cosigner: decoding pubkey response: %w", err)
	}

	raw, err := hex.DecodeString(result.PubKey)
	if err != nil {
		return nil, fmt.Errorf("cosigner: decoding pubkey hex: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("cosigner: parsing pubkey: %w", err)
	}
	return pub, nil
}

// Cosign asks the server to sign spendTxHex (a fully-formed, trader-signed
// spend transaction, serialized as hex) exactly once. The server is
// expected to refuse a second request for the same unvault outpoint —
// that refusal is what makes a single leaked trader key insufficient to
// exfiltrate funds, and Cosign surfaces it as an error rather than a
// signature.
func (c *Client) Cosign(spendTxHex string) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Tx string `json:"tx"`
	}{spendTxHex})
	if err != nil {
		return nil, fmt.Errorf("cosigner: marshalling request: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+"/cosign", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("cosigner: requesting cosignature: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cosigner: requesting cosignature: status %d", resp.StatusCode)
	}

	var result struct {
		Sig string `json:"sig"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("cosigner: decoding cosignature response: %w", err)
	}

	sig, err := hex.DecodeString(result.Sig)
	if err != nil {
		return nil, fmt.Errorf("cosigner: decoding cosignature hex: %w", err)
	}
	return sig, nil
}
