package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crewbase/internal/external"
	"crewbase/internal/types"
)

// PushConfig configures the push gateway channel.
type PushConfig struct {
	GatewayURL    string
	SigningSecret string
	Logger        *slog.Logger
}

// Pusher delivers in-app push notifications by POSTing signed JSON to the
// platform's push gateway. The gateway fans out to the user's devices; this
// channel only hands over the event.
//
// Payloads are signed HMAC-SHA256 over "{unix_timestamp}.{body}" in the
// X-Crewbase-Signature header ("t=<unix>,v1=<hex>") so the gateway can
// reject forged submissions.
type Pusher struct {
	base          *external.BaseClient
	gatewayURL    string
	signingSecret string
	logger        *slog.Logger
	now           func() time.Time
}

var _ types.Pusher = (*Pusher)(nil)

// NewPusher creates the push gateway channel.
func NewPusher(httpClient *http.Client, cfg PushConfig) *Pusher {
	base := external.NewBaseClient(httpClient, "push-gateway", external.DefaultRetryPolicy(), "Crewbase/1.0")
	return NewPusherWithBase(base, cfg)
}

// NewPusherWithBase creates the channel with a pre-built BaseClient.
func NewPusherWithBase(base *external.BaseClient, cfg PushConfig) *Pusher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{
		base:          base,
		gatewayURL:    strings.TrimSuffix(cfg.GatewayURL, "/"),
		signingSecret: cfg.SigningSecret,
		logger:        logger,
		now:           time.Now,
	}
}

// pushPayload is the gateway submission shape.
type pushPayload struct {
	UserID     string `json:"user_id"`
	Kind       string `json:"kind"`
	Resource   string `json:"resource"`
	Threshold  string `json:"threshold"`
	Percentage int    `json:"percentage"`
	RefID      string `json:"ref_id"`
}

// Push submits one usage alert for the user to the gateway.
func (p *Pusher) Push(ctx context.Context, userID string, n *types.UsageNotification) error {
	body, err := json.Marshal(pushPayload{
		UserID:     userID,
		Kind:       "usage_threshold",
		Resource:   string(n.Resource),
		Threshold:  string(n.Threshold),
		Percentage: n.Percentage,
		RefID:      n.ID,
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode push payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crewbase-Signature", SignPayload(body, p.signingSecret, p.now()))

	resp, err := p.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("push gateway returned status %d", resp.StatusCode),
			nil,
		)
	}
	return nil
}

// SignPayload produces the signature header value for a gateway submission:
// "t=<unix>,v1=<hmac-sha256-hex>" where the signed content is
// "{unix_timestamp}.{payload}".
func SignPayload(payload []byte, secret string, now time.Time) string {
	timestamp := now.Unix()
	signed := fmt.Sprintf("%d.%s", timestamp, payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, computeHMAC(signed, secret))
}

// VerifySignature checks a payload against a signature header. The gateway
// side uses this; it lives here so both ends share one implementation.
func VerifySignature(payload []byte, header, secret string) bool {
	var timestamp, v1 string
	for _, segment := range strings.Split(header, ",") {
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			timestamp = strings.TrimSpace(kv[1])
		case "v1":
			v1 = strings.TrimSpace(kv[1])
		}
	}
	if timestamp == "" || v1 == "" {
		return false
	}

	expected := computeHMAC(fmt.Sprintf("%s.%s", timestamp, payload), secret)
	return hmac.Equal([]byte(v1), []byte(expected))
}

func computeHMAC(content, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}
