package destinationclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "internal-key", r.Header.Get("X-Internal-API-Key"))
		switch r.URL.Query().Get("email") {
		case "payee@example.com":
			_, _ = w.Write([]byte(`{"destination_ref":"acct_1","payee_email":"payee@example.com","active":true}`))
		case "pending@example.com":
			_, _ = w.Write([]byte(`{"destination_ref":"acct_2","active":false}`))
		case "broken@example.com":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "internal-key")
	ctx := context.Background()

	dest, err := client.Resolve(ctx, "", "Payee@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", dest.DestinationRef)

	_, err = client.Resolve(ctx, "", "pending@example.com")
	assert.ErrorIs(t, err, ErrDestinationNotFound, "inactive destinations cannot receive funds")

	_, err = client.Resolve(ctx, "", "nobody@example.com")
	assert.ErrorIs(t, err, ErrDestinationNotFound)

	_, err = client.Resolve(ctx, "", "broken@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDestinationNotFound)
}

func TestConfigured(t *testing.T) {
	assert.False(t, NewClient("", "").Configured())
	assert.True(t, NewClient("http://directory", "").Configured())
}
