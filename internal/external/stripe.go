package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crewbase/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL. Overridable in tests
// via StripeConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// CustomerDirectory resolves organizations to their Stripe customer IDs and
// billing emails. Keeping this narrow avoids leaking a full organization
// repository into the vendor adapter.
type CustomerDirectory interface {
	// GetBillingInfo returns the Stripe customer ID and billing email for
	// the organization. An empty customer ID means none has been created.
	GetBillingInfo(ctx context.Context, orgID string) (customerID string, billingEmail string, err error)

	// SetCustomerID stores the Stripe customer ID for the organization.
	SetCustomerID(ctx context.Context, orgID string, customerID string) error
}

// StripeConfig configures a StripeProvider.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string // test override, defaults to stripeAPIBase
	Logger        *slog.Logger
}

// StripeProvider implements types.PaymentProvider against the Stripe REST
// API, routed through BaseClient so calls inherit circuit breaking, retries,
// and upstream error mapping.
type StripeProvider struct {
	base          *BaseClient
	secretKey     string
	webhookSecret string
	baseURL       string
	customers     CustomerDirectory
	logger        *slog.Logger
}

var _ types.PaymentProvider = (*StripeProvider)(nil)

// NewStripeProvider creates the Stripe adapter.
func NewStripeProvider(httpClient *http.Client, customers CustomerDirectory, cfg StripeConfig) *StripeProvider {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "Crewbase/1.0")
	return NewStripeProviderWithBase(base, customers, cfg)
}

// NewStripeProviderWithBase creates the adapter with a pre-built BaseClient,
// used by tests to control retry and breaker behavior.
func NewStripeProviderWithBase(base *BaseClient, customers CustomerDirectory, cfg StripeConfig) *StripeProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeProvider{
		base:          base,
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		customers:     customers,
		logger:        logger,
	}
}

// CreateCustomer returns the organization's Stripe customer, creating one if
// needed. Search-first by org_id metadata prevents duplicate customers when
// the stored ID was lost.
func (s *StripeProvider) CreateCustomer(ctx context.Context, orgID, email string) (string, error) {
	if customerID, _, err := s.customers.GetBillingInfo(ctx, orgID); err == nil && customerID != "" {
		return customerID, nil
	}

	params := url.Values{}
	params.Set("query", fmt.Sprintf("metadata['org_id']:'%s'", orgID))

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapTransportError("CreateCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "CreateCustomer.search")
	}

	var searchResult stripeList[stripeCustomer]
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		customerID := searchResult.Data[0].ID
		s.storeCustomerID(ctx, orgID, customerID)
		return customerID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[org_id]", orgID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapTransportError("CreateCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "CreateCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	s.storeCustomerID(ctx, orgID, customer.ID)
	return customer.ID, nil
}

// CreateSubscription starts a provider-side subscription on the price
// matching the plan and cycle. The org_id metadata lets webhook events be
// correlated back to the organization.
func (s *StripeProvider) CreateSubscription(ctx context.Context, orgID string, plan types.PlanTier, cycle types.BillingCycle) (*types.ProviderSubscription, error) {
	customerID, err := s.resolveCustomerID(ctx, orgID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("items[0][price]", stripePriceID(plan, cycle))
	params.Set("items[0][quantity]", "1")
	params.Set("metadata[org_id]", orgID)
	params.Set("metadata[plan]", string(plan))

	resp, err := s.doPost(ctx, "/v1/subscriptions", params)
	if err != nil {
		return nil, s.wrapTransportError("CreateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	return mapProviderSubscription(&sub), nil
}

// UpdateSubscription switches the provider subscription to the price for the
// new plan and cycle, prorating the change on the next invoice.
func (s *StripeProvider) UpdateSubscription(ctx context.Context, providerSubID string, plan types.PlanTier, cycle types.BillingCycle) error {
	// The item ID is needed to swap the price in place.
	sub, err := s.getSubscription(ctx, providerSubID)
	if err != nil {
		return err
	}
	if len(sub.Items.Data) == 0 {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("UpdateSubscription: subscription %s has no items", providerSubID),
			nil,
		)
	}

	params := url.Values{}
	params.Set("items[0][id]", sub.Items.Data[0].ID)
	params.Set("items[0][price]", stripePriceID(plan, cycle))
	params.Set("proration_behavior", "create_prorations")

	resp, err := s.doPost(ctx, "/v1/subscriptions/"+providerSubID, params)
	if err != nil {
		return s.wrapTransportError("UpdateSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "UpdateSubscription")
	}
	return nil
}

// CancelSubscription ends the provider subscription, either at the period
// boundary or immediately.
func (s *StripeProvider) CancelSubscription(ctx context.Context, providerSubID string, atPeriodEnd bool) error {
	var resp *http.Response
	var err error

	if atPeriodEnd {
		params := url.Values{}
		params.Set("cancel_at_period_end", "true")
		resp, err = s.doPost(ctx, "/v1/subscriptions/"+providerSubID, params)
	} else {
		resp, err = s.doDelete(ctx, "/v1/subscriptions/"+providerSubID)
	}
	if err != nil {
		return s.wrapTransportError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelSubscription")
	}
	return nil
}

// Refund refunds amountCents against the subscription's most recent charge.
func (s *StripeProvider) Refund(ctx context.Context, providerSubID string, amountCents int64) error {
	params := url.Values{}
	params.Set("subscription", providerSubID)
	params.Set("limit", "1")

	invResp, err := s.doGet(ctx, "/v1/invoices", params)
	if err != nil {
		return s.wrapTransportError("Refund.invoice", err)
	}
	defer invResp.Body.Close()

	if invResp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(invResp, "Refund.invoice")
	}

	var invoices stripeList[stripeInvoice]
	if err := json.NewDecoder(invResp.Body).Decode(&invoices); err != nil {
		return types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe invoice list response",
			err,
		)
	}
	if len(invoices.Data) == 0 || invoices.Data[0].Charge == "" {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("Refund: no charge found for subscription %s", providerSubID),
			nil,
		)
	}

	refundParams := url.Values{}
	refundParams.Set("charge", invoices.Data[0].Charge)
	refundParams.Set("amount", fmt.Sprintf("%d", amountCents))

	resp, err := s.doPost(ctx, "/v1/refunds", refundParams)
	if err != nil {
		return s.wrapTransportError("Refund", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "Refund")
	}
	return nil
}

// HasDefaultPaymentMethod reports whether the organization's Stripe customer
// has a default payment method on file.
func (s *StripeProvider) HasDefaultPaymentMethod(ctx context.Context, orgID string) (bool, error) {
	customerID, _, err := s.customers.GetBillingInfo(ctx, orgID)
	if err != nil {
		return false, err
	}
	if customerID == "" {
		return false, nil
	}

	resp, err := s.doGet(ctx, "/v1/customers/"+customerID, nil)
	if err != nil {
		return false, s.wrapTransportError("HasDefaultPaymentMethod", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, s.handleErrorResponse(resp, "HasDefaultPaymentMethod")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(resp.Body).Decode(&customer); err != nil {
		return false, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer response",
			err,
		)
	}
	return customer.InvoiceSettings.DefaultPaymentMethod != "", nil
}

// VerifyWebhook checks the payload signature and maps the event into the
// domain shape. Signature verification runs before any parsing, so forged
// payloads are rejected without being interpreted.
func (s *StripeProvider) VerifyWebhook(payload []byte, signature string) (*types.ProviderEvent, error) {
	if err := stripe.ValidatePayload(payload, signature, s.webhookSecret); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProvider,
			"webhook signature verification failed",
			err,
		)
	}

	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamProvider,
			"failed to decode webhook event",
			err,
		)
	}

	var sub stripeSubscription
	if len(event.Data.Object) > 0 {
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return nil, types.NewAppError(
				types.ErrCodeUpstreamProvider,
				"failed to decode webhook event object",
				err,
			)
		}
	}

	return &types.ProviderEvent{
		ID:             event.ID,
		Type:           event.Type,
		ProviderSubID:  sub.ID,
		OrganizationID: sub.Metadata["org_id"],
		Status:         sub.Status,
		OccurredAt:     time.Unix(event.Created, 0).UTC(),
	}, nil
}

func (s *StripeProvider) getSubscription(ctx context.Context, providerSubID string) (*stripeSubscription, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+providerSubID, nil)
	if err != nil {
		return nil, s.wrapTransportError("getSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "getSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}
	return &sub, nil
}

func (s *StripeProvider) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeProvider) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeProvider) doDelete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeProvider) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

func (s *StripeProvider) resolveCustomerID(ctx context.Context, orgID string) (string, error) {
	customerID, _, err := s.customers.GetBillingInfo(ctx, orgID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", types.NewAppError(
			types.ErrCodeNotFoundOrg,
			fmt.Sprintf("organization %s has no payment customer; create one first", orgID),
			nil,
		)
	}
	return customerID, nil
}

func (s *StripeProvider) storeCustomerID(ctx context.Context, orgID, customerID string) {
	if err := s.customers.SetCustomerID(ctx, orgID, customerID); err != nil {
		s.logger.WarnContext(ctx, "failed to persist stripe customer id",
			"org_id", orgID,
			"customer_id", customerID,
			"error", err,
		)
	}
}

// stripeErrorResponse is the JSON error envelope returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (s *StripeProvider) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe returned status %d with unreadable body", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	if stripeErr.Error.Code == "card_declined" || stripeErr.Error.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Error.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.Error.DeclineCode,
				"stripe_code":  stripeErr.Error.Code,
			},
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
		)
	}
}

func (s *StripeProvider) wrapTransportError(operation string, err error) error {
	// BaseClient errors already carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamProvider,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// Stripe response shapes, limited to the fields the adapter reads.

type stripeList[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type stripeCustomer struct {
	ID              string                `json:"id"`
	Email           string                `json:"email"`
	Metadata        map[string]string     `json:"metadata"`
	InvoiceSettings stripeInvoiceSettings `json:"invoice_settings"`
}

type stripeInvoiceSettings struct {
	DefaultPaymentMethod string `json:"default_payment_method"`
}

type stripeInvoice struct {
	ID     string `json:"id"`
	Charge string `json:"charge"`
	Status string `json:"status"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              stripeList[stripeSubscriptionItem] `json:"items"`
}

type stripeSubscriptionItem struct {
	ID    string      `json:"id"`
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// mapProviderSubscription converts a Stripe subscription into the
// provider-neutral domain shape. Unmappable statuses come through as-is and
// are rejected by the caller.
func mapProviderSubscription(sub *stripeSubscription) *types.ProviderSubscription {
	out := &types.ProviderSubscription{
		ID:     sub.ID,
		Status: MapProviderStatus(sub.Status),
	}
	if sub.CurrentPeriodStart > 0 {
		out.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		out.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

// MapProviderStatus translates Stripe's subscription status vocabulary into
// the domain's. Statuses with no domain equivalent map to the empty string,
// which never passes SubscriptionStatus.Valid.
func MapProviderStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active":
		return types.SubStatusActive
	case "trialing":
		return types.SubStatusTrialing
	case "past_due", "unpaid":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCancelled
	case "incomplete":
		return types.SubStatusPending
	case "incomplete_expired":
		return types.SubStatusExpired
	default:
		return types.SubscriptionStatus("")
	}
}

// stripePriceID derives the Stripe price lookup for a plan and cycle. Prices
// are provisioned with these IDs in the Stripe dashboard.
func stripePriceID(plan types.PlanTier, cycle types.BillingCycle) string {
	return fmt.Sprintf("price_%s_%s", plan, cycle)
}
