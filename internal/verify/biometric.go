package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPBiometric calls the fingerprint device gateway. One request, one
// verdict; the device owns any retries or liveness checks.
type HTTPBiometric struct {
	client *resty.Client
}

type biometricResponse struct {
	Confirmed bool `json:"confirmed"`
}

func NewHTTPBiometric(baseURL string, timeout time.Duration) *HTTPBiometric {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)
	return &HTTPBiometric{client: client}
}

func (b *HTTPBiometric) Confirm(ctx context.Context, nationalID string) (bool, error) {
	var result biometricResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"national_id": nationalID}).
		SetResult(&result).
		Post("/confirm")
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, fmt.Errorf("biometric gateway status %d", resp.StatusCode())
	}
	return result.Confirmed, nil
}

// StaticBiometric is used when no gateway is configured; kiosks without a
// reader fall back to manual staff confirmation upstream.
type StaticBiometric struct {
	Confirmed bool
}

func (b StaticBiometric) Confirm(ctx context.Context, nationalID string) (bool, error) {
	return b.Confirmed, nil
}
