package acme

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Directory holds the endpoint URLs advertised by an ACME server.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.1.1
type Directory struct {
	NewNonce   string         `json:"newNonce"`
	NewAccount string         `json:"newAccount"`
	NewOrder   string         `json:"newOrder"`
	NewAuthz   string         `json:"newAuthz,omitempty"`
	RevokeCert string         `json:"revokeCert"`
	KeyChange  string         `json:"keyChange"`
	Meta       *DirectoryMeta `json:"meta,omitempty"`
}

// DirectoryMeta carries optional server metadata.
type DirectoryMeta struct {
	TermsOfService          string   `json:"termsOfService,omitempty"`
	Website                 string   `json:"website,omitempty"`
	CAAIdentities           []string `json:"caaIdentities,omitempty"`
	ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
}

// FetchDirectory retrieves the directory once per session lifetime. This is
// the only unauthenticated plain GET in the protocol.
func FetchDirectory(ctx context.Context, client *http.Client, directoryURL string) (Directory, error) {
	var dir Directory

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directoryURL, nil)
	if err != nil {
		return dir, fmt.Errorf("failed to build directory request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return dir, fmt.Errorf("directory fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return dir, fmt.Errorf("failed to read directory response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return dir, problemFromResponse(resp, body)
	}

	if err := json.Unmarshal(body, &dir); err != nil {
		return dir, fmt.Errorf("failed to decode directory response: %w", err)
	}
	if dir.NewNonce == "" || dir.NewAccount == "" || dir.NewOrder == "" {
		return dir, fmt.Errorf("directory at %s is missing required endpoints", directoryURL)
	}

	logger.Debug("fetched directory",
		zap.String("url", directoryURL),
		zap.String("new_nonce", dir.NewNonce),
		zap.String("new_order", dir.NewOrder))
	return dir, nil
}
