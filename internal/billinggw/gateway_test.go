package billinggw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testSecret = "whsec_test_platform"

func sign(t *testing.T, secret, payload string, at time.Time) (string, []byte) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: at,
		Scheme:    "v1",
	})
	return signed.Header, signed.Payload
}

func TestVerifyEvent_Valid(t *testing.T) {
	g := New(Connect, testSecret)
	header, body := sign(t, testSecret, `{"id":"evt_1","object":"event","type":"invoice.payment_succeeded","account":"acct_123","data":{"object":{"id":"in_1"}}}`, time.Now())

	event, err := g.VerifyEvent(body, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "acct_123", event.Account)
	assert.Equal(t, "invoice.payment_succeeded", string(event.Type))
}

func TestVerifyEvent_WrongSecret(t *testing.T) {
	g := New(Platform, testSecret)
	header, body := sign(t, "whsec_other", `{"id":"evt_1","object":"event","type":"x"}`, time.Now())

	_, err := g.VerifyEvent(body, header)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyEvent_StaleTimestamp(t *testing.T) {
	g := New(Platform, testSecret)
	header, body := sign(t, testSecret, `{"id":"evt_1","object":"event","type":"x"}`, time.Now().Add(-time.Hour))

	_, err := g.VerifyEvent(body, header)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyEvent_MissingHeaderAndSecret(t *testing.T) {
	_, err := New(Platform, testSecret).VerifyEvent([]byte(`{}`), "")
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	g := New(Platform, "  ")
	assert.False(t, g.Configured())
	_, err = g.VerifyEvent([]byte(`{}`), "t=1,v1=abc")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStripeTransfers_DisabledWithoutKey(t *testing.T) {
	_, err := NewStripeTransfers("", 0, nil).Transfer(context.Background(), TransferRequest{AmountCents: 100})
	assert.ErrorIs(t, err, ErrTransfersDisabled)
}
