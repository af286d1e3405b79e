package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"id":"evt-1","type":"payment.confirmed"}`)
	sig := Sign("secret", body)
	assert.True(t, Verify("secret", body, sig))
}

func TestVerify_TamperedBody(t *testing.T) {
	body := []byte(`{"id":"evt-1","amount":"25.00"}`)
	sig := Sign("secret", body)

	tampered := []byte(`{"id":"evt-1","amount":"2500.00"}`)
	assert.False(t, Verify("secret", tampered, sig))
}

func TestVerify_WrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)
	sig := Sign("secret", body)
	assert.False(t, Verify("other-secret", body, sig))
}

func TestVerify_GarbageHeader(t *testing.T) {
	body := []byte(`{"id":"evt-1"}`)
	assert.False(t, Verify("secret", body, "not base64 !!!"))
	assert.False(t, Verify("secret", body, ""))
}
