package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tachiprotocol/gateway/types"
)

// HTTPLedgerSubmitter posts settlement batches to an external ledger
// service, which anchors them on-chain and answers with the transaction
// that carries the batch. Keeping key management in that service keeps
// wallets out of the gateway process.
type HTTPLedgerSubmitter struct {
	url    string
	client *http.Client
}

func NewHTTPLedgerSubmitter(url string, timeout time.Duration) *HTTPLedgerSubmitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLedgerSubmitter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type ledgerBatchRequest struct {
	Records []*types.AuditRecord `json:"records"`
}

type ledgerBatchResponse struct {
	SettlementTx string `json:"settlementTx"`
}

// SubmitBatch implements LedgerSubmitter.
func (s *HTTPLedgerSubmitter) SubmitBatch(ctx context.Context, records []*types.AuditRecord) (string, error) {
	body, err := json.Marshal(ledgerBatchRequest{Records: records})
	if err != nil {
		return "", fmt.Errorf("serializing settlement batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting settlement batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("ledger service returned %d", resp.StatusCode)
	}

	var out ledgerBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding ledger response: %w", err)
	}
	if out.SettlementTx == "" {
		return "", fmt.Errorf("ledger service returned no settlement tx")
	}
	return out.SettlementTx, nil
}
