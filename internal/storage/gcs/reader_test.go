package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestParseURI(t *testing.T) {
	t.Parallel()

	bucket, object, err := ParseURI("gs://flows/exports/2024/flows.csv.gz")
	require.NoError(t, err)
	assert.Equal(t, "flows", bucket)
	assert.Equal(t, "exports/2024/flows.csv.gz", object)

	for _, bad := range []string{"", "https://x/y", "gs://", "gs://bucket", "gs://bucket/", "gs:///obj"} {
		_, _, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestOpenReadsObject(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "test-bucket") || !strings.Contains(r.URL.Path, "flows.csv") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "keyword_term,clicks\nshoes,3\n")
	}))
	defer server.Close()

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	reader, err := New(client)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	rc, err := reader.Open(context.Background(), "gs://test-bucket/flows.csv")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(body), "shoes,3")
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
