package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyringValid(t *testing.T) {
	k := NewKeyring([]string{"alpha", "beta", ""})

	assert.True(t, k.Valid("alpha"))
	assert.True(t, k.Valid("beta"))
	assert.False(t, k.Valid("gamma"))
	assert.False(t, k.Valid(""))
}

func TestFromRequestHeaderWinsOverQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/topics?api_key=query-key", nil)
	r.Header.Set("X-API-Key", "header-key")
	assert.Equal(t, "header-key", FromRequest(r))
}

func TestFromRequestQueryFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/topics?api_key=query-key", nil)
	assert.Equal(t, "query-key", FromRequest(r))
}

func TestFromRequestMissing(t *testing.T) {
	r := httptest.NewRequest("GET", "/topics", nil)
	assert.Equal(t, "", FromRequest(r))
}
