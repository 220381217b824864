package azure

import (
	"encoding/base64"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocumulus/pkg/storage"
)

func respErr(code string, status int) error {
	return &azcore.ResponseError{ErrorCode: code, StatusCode: status}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"container missing", respErr("ContainerNotFound", http.StatusNotFound), storage.ErrBucketNotFound},
		{"blob missing", respErr("BlobNotFound", http.StatusNotFound), storage.ErrNotFound},
		{"bad key", respErr("AuthenticationFailed", http.StatusForbidden), storage.ErrInvalidCredentials},
		{"denied", respErr("AuthorizationFailure", http.StatusForbidden), storage.ErrAccessDenied},
		{"busy", respErr("ServerBusy", http.StatusServiceUnavailable), storage.ErrThrottled},
		{"status only 404", respErr("", http.StatusNotFound), storage.ErrNotFound},
		{"status only 502", respErr("", http.StatusBadGateway), storage.ErrUnavailable},
		{"status only 429", respErr("", http.StatusTooManyRequests), storage.ErrThrottled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := wrapError("Op", "c", "k", tt.err)
			assert.ErrorIs(t, wrapped, tt.want)

			var re *azcore.ResponseError
			assert.True(t, errors.As(wrapped, &re), "response error stays in the chain")
		})
	}

	assert.Nil(t, classify(respErr("LeaseIdMissing", http.StatusPreconditionFailed)))
}

func TestConfig(t *testing.T) {
	cfg := ConfigFromCredentials(storage.Credentials{
		storage.CredAzureAccount:   "acct",
		storage.CredAzureAccessKey: "a2V5",
	})
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://acct.blob.core.windows.net/", cfg.serviceURL())

	cfg.ServiceURL = "http://127.0.0.1:10000/acct"
	assert.Equal(t, "http://127.0.0.1:10000/acct", cfg.serviceURL())

	assert.Error(t, Config{AccountName: "acct"}.Validate())
}

func TestNew(t *testing.T) {
	d, err := New(Config{AccountName: "acct", AccountKey: base64.StdEncoding.EncodeToString([]byte("secret"))})
	require.NoError(t, err)
	assert.Equal(t, storage.KindAzure, d.Kind())

	_, err = New(Config{AccountName: "acct", AccountKey: "not base64!"})
	assert.ErrorIs(t, err, storage.ErrInvalidCredentials)

	_, err = New(Config{})
	assert.Error(t, err)
}
