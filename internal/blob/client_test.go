package blob

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport() *transport {
	return &transport{httpClient: http.DefaultClient, logger: slog.Default()}
}

func TestDo_StatusErrorFromServiceBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("x-ms-request-id", "req-123")
		w.Header().Set("x-ms-error-code", "AuthorizationPermissionMismatch")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?><Error>` +
			`<Code>AuthorizationPermissionMismatch</Code>` +
			`<Message>This request is not authorized to perform this operation using this permission.` +
			"\nRequestId:req-123\nTime:2024-01-02T03:04:05.0000000Z</Message></Error>"))
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/vaults/v.kdbx", http.NoBody)
	require.NoError(t, err)

	resp, err := newTestTransport().do(req)
	require.Error(t, err)
	assert.Nil(t, resp)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, "req-123", se.RequestID)
	assert.Equal(t, "AuthorizationPermissionMismatch", se.Code)
	assert.Equal(t, "This request is not authorized to perform this operation using this permission.", se.Message)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Contains(t, err.Error(), "req-123")
}

func TestDo_PlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	_, err = newTestTransport().do(req)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "upstream timeout", se.Message)
	assert.ErrorIs(t, err, ErrServerError)
}

func TestDo_AcceptedStatusReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPut, srv.URL, http.NoBody)
	require.NoError(t, err)

	resp, err := newTestTransport().do(req, http.StatusConflict, http.StatusPreconditionFailed)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestDo_SingleAttempt(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	_, err = newTestTransport().do(req)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "no retry on 503")
}

func TestDo_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	_, err = newTestTransport().do(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedactURL_DropsQuery(t *testing.T) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		"https://acct.blob.core.windows.net/vaults/v.kdbx?sig=secret", http.NoBody)
	require.NoError(t, err)

	assert.Equal(t, "https://acct.blob.core.windows.net/vaults/v.kdbx", redactURL(req))
}
