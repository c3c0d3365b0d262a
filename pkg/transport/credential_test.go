package transport

import (
	"testing"
	"time"

	"eventchat/config"
	"eventchat/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantIssuerRoundTrip(t *testing.T) {
	issuer := NewGrantIssuer("s3cret", "eventchat")

	token, err := issuer.Issue(5, []string{"event:1", "event:2"}, time.Hour)
	require.NoError(t, err)

	grant, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, uint(5), grant.UserID)
	assert.True(t, grant.Scoped)
	assert.True(t, grant.InScope("event:2"))
	assert.False(t, grant.InScope("event:3"))
	assert.Equal(t, "5", grant.Member())
	assert.WithinDuration(t, time.Now().Add(time.Hour), grant.ExpiresAt, 5*time.Second)
}

func TestGrantIssuerRejectsExpired(t *testing.T) {
	issuer := NewGrantIssuer("s3cret", "eventchat")
	token, err := issuer.Issue(5, nil, time.Minute)
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = NewGrantIssuer("other", "eventchat").Verify(token)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestIdentityIssuer(t *testing.T) {
	var issuer IdentityIssuer

	token, err := issuer.Issue(12, []string{"event:1"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "uid:12", token)

	grant, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, uint(12), grant.UserID)
	assert.False(t, grant.Scoped)

	_, err = issuer.Verify("12")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestNewCredentialIssuer(t *testing.T) {
	issuer, err := NewCredentialIssuer(config.TransportConfig{Secret: "x"})
	require.NoError(t, err)
	assert.Equal(t, ModeGrant, issuer.Mode())

	_, err = NewCredentialIssuer(config.TransportConfig{CredentialMode: ModeGrant})
	assert.Error(t, err)

	issuer, err = NewCredentialIssuer(config.TransportConfig{CredentialMode: ModeIdentity})
	require.NoError(t, err)
	assert.Equal(t, ModeIdentity, issuer.Mode())

	_, err = NewCredentialIssuer(config.TransportConfig{CredentialMode: "plain"})
	assert.Error(t, err)
}
