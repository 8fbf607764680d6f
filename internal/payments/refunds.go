// Package payments talks to the payment provider's refund API.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client issues refunds against the provider. The caller supplies the
// payment intent to refund and the amount in minor units.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type refundRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int    `json:"amount"`
}

func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string, amount int) error {
	body, err := json.Marshal(refundRequest{
		PaymentIntentID: paymentIntentID,
		Amount:          amount,
	})
	if err != nil {
		return fmt.Errorf("encode refund request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/refunds", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refund request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("refund request: provider returned %d: %s", resp.StatusCode, detail)
	}

	c.logger.Info("refund issued",
		zap.String("payment_intent_id", paymentIntentID),
		zap.Int("amount", amount),
	)
	return nil
}

// NoopClient records nothing and refunds nothing. Used when no refund API is
// configured; the provider is then assumed to refund on its own side.
type NoopClient struct{}

func (NoopClient) CreateRefund(context.Context, string, int) error { return nil }
