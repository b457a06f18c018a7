package billinggw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// ErrTransfersDisabled is returned when no Stripe API key is configured.
var ErrTransfersDisabled = errors.New("billinggw: transfers disabled (no secret key)")

// TransferRequest moves funds from the platform balance to a connected account.
type TransferRequest struct {
	DestinationAccount string
	AmountCents        int64
	Currency           string
	// IdempotencyKey makes a retried request transfer at most once.
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// Transferrer creates transfers to connected accounts.
type Transferrer interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// DefaultTimeout bounds one Stripe API call. Payout handlers must answer
// well inside the server's write timeout.
const DefaultTimeout = 10 * time.Second

// StripeTransfers creates transfers through the Stripe API.
type StripeTransfers struct {
	api *client.API
}

// NewStripeTransfers creates a Stripe-backed Transferrer. Calls time out
// after timeout and are never retried by the SDK; the payout's idempotency
// key makes an operator retry safe instead.
func NewStripeTransfers(secretKey string, timeout time.Duration, logger *slog.Logger) *StripeTransfers {
	return newStripeTransfers(secretKey, timeout, logger, "")
}

func newStripeTransfers(secretKey string, timeout time.Duration, logger *slog.Logger, apiURL string) *StripeTransfers {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return &StripeTransfers{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Timeout: timeout}
	leveled := slogLeveled{logger: logger.With("component", "stripe")}
	// GetBackendWithConfig fills in a missing URL, so each backend gets its own config.
	config := func(url string) *stripe.BackendConfig {
		cfg := &stripe.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     leveled,
		}
		if url != "" {
			cfg.URL = stripe.String(url)
		}
		return cfg
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, config(apiURL)),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, config("")),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, config("")),
	}
	return &StripeTransfers{api: client.New(secretKey, backends)}
}

// slogLeveled routes stripe-go's internal logging through slog.
type slogLeveled struct {
	logger *slog.Logger
}

func (l slogLeveled) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l slogLeveled) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l slogLeveled) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l slogLeveled) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

var _ stripe.LeveledLoggerInterface = slogLeveled{}

// Transfer creates the transfer and returns its id (tr_...).
func (s *StripeTransfers) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if s.api == nil {
		return "", ErrTransfersDisabled
	}
	if req.AmountCents <= 0 {
		return "", fmt.Errorf("billinggw: transfer amount must be positive, got %d", req.AmountCents)
	}

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.DestinationAccount),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("billinggw: create transfer: %w", err)
	}
	return tr.ID, nil
}

var _ Transferrer = (*StripeTransfers)(nil)
