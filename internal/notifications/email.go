// Package notifications implements the delivery channels behind usage
// threshold alerts: transactional email through SendGrid and in-app push
// through the platform's push gateway. Channels are best-effort; the alert
// record itself is owned by the billing package.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"crewbase/internal/external"
	"crewbase/internal/types"
)

// sendGridAPIBase is the default SendGrid API base URL. Overridable in tests
// via EmailConfig.BaseURL.
const sendGridAPIBase = "https://api.sendgrid.com"

// usageAlertTemplateID is the SendGrid dynamic template for usage alerts.
const usageAlertTemplateID = "d-usage-threshold-alert"

// RecipientLookup resolves a user ID to a deliverable address.
type RecipientLookup interface {
	UserEmail(ctx context.Context, userID string) (address string, name string, err error)
}

// EmailConfig configures the SendGrid email channel.
type EmailConfig struct {
	APIKey      string
	FromAddress string
	FromName    string
	BaseURL     string // test override, defaults to sendGridAPIBase
	Logger      *slog.Logger
}

// EmailSender delivers usage alerts through SendGrid's v3 Mail Send API
// with dynamic templates. Calls route through BaseClient, inheriting the
// circuit breaker and retry behavior shared by all vendor clients.
type EmailSender struct {
	base        *external.BaseClient
	apiKey      string
	fromAddress string
	fromName    string
	baseURL     string
	recipients  RecipientLookup
	logger      *slog.Logger
}

var _ types.EmailSender = (*EmailSender)(nil)

// NewEmailSender creates the SendGrid channel.
func NewEmailSender(httpClient *http.Client, recipients RecipientLookup, cfg EmailConfig) *EmailSender {
	base := external.NewBaseClient(httpClient, "sendgrid", external.DefaultRetryPolicy(), "Crewbase/1.0")
	return NewEmailSenderWithBase(base, recipients, cfg)
}

// NewEmailSenderWithBase creates the channel with a pre-built BaseClient,
// used by tests to control retry behavior.
func NewEmailSenderWithBase(base *external.BaseClient, recipients RecipientLookup, cfg EmailConfig) *EmailSender {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailSender{
		base:        base,
		apiKey:      cfg.APIKey,
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		recipients:  recipients,
		logger:      logger,
	}
}

// Send delivers one usage alert email to the user. SendGrid answers 202
// Accepted on success; anything else is an error for the caller to log.
func (s *EmailSender) Send(ctx context.Context, userID string, n *types.UsageNotification) error {
	address, name, err := s.recipients.UserEmail(ctx, userID)
	if err != nil {
		return err
	}

	payload := mailPayload{
		Personalizations: []personalization{{
			To: []mailAddress{{Email: address, Name: name}},
			DynamicData: map[string]any{
				"resource":      string(n.Resource),
				"threshold":     string(n.Threshold),
				"current_usage": n.CurrentUsage,
				"limit":         n.Limit,
				"percentage":    n.Percentage,
			},
		}},
		From:       mailAddress{Email: s.fromAddress, Name: s.fromName},
		TemplateID: usageAlertTemplateID,
		CustomArgs: map[string]string{"notification_id": n.ID},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode mail payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build mail request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("mail send returned status %d", resp.StatusCode),
			nil,
		)
	}

	s.logger.Debug("usage alert email accepted",
		slog.String("user_id", userID),
		slog.String("notification_id", n.ID),
		slog.String("message_id", resp.Header.Get("X-Message-Id")),
	)
	return nil
}

// SendGrid v3 mail/send payload shapes.

type mailPayload struct {
	Personalizations []personalization `json:"personalizations"`
	From             mailAddress       `json:"from"`
	TemplateID       string            `json:"template_id"`
	CustomArgs       map[string]string `json:"custom_args,omitempty"`
}

type personalization struct {
	To          []mailAddress  `json:"to"`
	DynamicData map[string]any `json:"dynamic_template_data,omitempty"`
}

type mailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
