package acme

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const contentTypePEMChain = "application/pem-certificate-chain"

// DownloadCertificate fetches the issued chain from the order's certificate
// URL via POST-as-GET. The result is the raw PEM chain, leaf first.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.4.2
func (s *Session) DownloadCertificate(ctx context.Context, certificateURL string) ([]byte, error) {
	return withRetry(ctx, s.policy, "downloadCertificate", func(ctx context.Context) ([]byte, error) {
		resp, err := s.postJOSE(ctx, certificateURL, nil, false, contentTypePEMChain)
		if err != nil {
			return nil, err
		}
		resp.expectStatus("downloadCertificate", http.StatusOK)

		if len(resp.body) == 0 {
			return nil, fmt.Errorf("certificate download from %s returned an empty body", certificateURL)
		}
		logger.Info("certificate downloaded",
			zap.String("url", certificateURL),
			zap.Int("bytes", len(resp.body)))
		return resp.body, nil
	})
}
