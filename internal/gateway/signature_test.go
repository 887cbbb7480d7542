package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignFieldsDeterministic(t *testing.T) {
	a := SignFields("secret", "TST2109", "500.00", "SAR", "A")
	b := SignFields("secret", "TST2109", "500.00", "SAR", "A")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSignFieldsSensitiveToEveryField(t *testing.T) {
	base := SignFields("secret", "TST2109", "500.00", "SAR", "A")
	assert.NotEqual(t, base, SignFields("secret", "TST2110", "500.00", "SAR", "A"))
	assert.NotEqual(t, base, SignFields("secret", "TST2109", "500.01", "SAR", "A"))
	assert.NotEqual(t, base, SignFields("secret", "TST2109", "500.00", "SAR", "D"))
	assert.NotEqual(t, base, SignFields("other", "TST2109", "500.00", "SAR", "A"))
}

func TestVerifySignature(t *testing.T) {
	sig := SignBody("key", []byte(`{"ok":true}`))

	assert.True(t, VerifySignature(sig, sig))
	assert.True(t, VerifySignature(strings.ToUpper(sig), sig), "hex case must not matter")
	assert.False(t, VerifySignature(sig, SignBody("key", []byte(`{"ok":false}`))))
	assert.False(t, VerifySignature("", sig))
}
