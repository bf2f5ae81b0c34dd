package oauth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredential struct {
	calls  atomic.Int32
	scopes []string
	ttl    time.Duration
	err    error
}

func (f *fakeCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	n := f.calls.Add(1)
	f.scopes = opts.Scopes

	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}

	return azcore.AccessToken{
		Token:     "credential-token-" + string(rune('0'+n)),
		ExpiresOn: time.Now().Add(f.ttl),
	}, nil
}

func TestCredentialProvider_CachesFreshToken(t *testing.T) {
	cred := &fakeCredential{ttl: time.Hour}
	p := NewCredentialProvider(cred, nil, nil)

	require.NoError(t, p.Authorize(context.Background()))
	require.NoError(t, p.Authorize(context.Background()))

	assert.Equal(t, int32(1), cred.calls.Load())
	assert.Equal(t, []string{StorageScope}, cred.scopes)

	tok, err := p.Token()
	require.NoError(t, err)
	assert.Equal(t, "credential-token-1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
}

func TestCredentialProvider_RenewsNearExpiry(t *testing.T) {
	cred := &fakeCredential{ttl: 2 * time.Minute}
	p := NewCredentialProvider(cred, nil, nil)

	require.NoError(t, p.Authorize(context.Background()))
	require.NoError(t, p.Authorize(context.Background()))

	assert.Equal(t, int32(2), cred.calls.Load(), "token inside the refresh margin is renewed")
}

func TestCredentialProvider_Error(t *testing.T) {
	cause := errors.New("no managed identity endpoint")
	p := NewCredentialProvider(&fakeCredential{err: cause}, nil, nil)

	err := p.Authorize(context.Background())
	assert.ErrorIs(t, err, cause)

	_, err = p.Token()
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestCredentialProvider_RevokeDropsCache(t *testing.T) {
	cred := &fakeCredential{ttl: time.Hour}
	p := NewCredentialProvider(cred, []string{"custom/.default"}, nil)

	require.NoError(t, p.Authorize(context.Background()))
	require.NoError(t, p.RevokeToken(context.Background()))

	_, err := p.Token()
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, p.Authorize(context.Background()))
	assert.Equal(t, int32(2), cred.calls.Load())
	assert.Equal(t, []string{"custom/.default"}, cred.scopes)
}
