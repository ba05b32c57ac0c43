package s3remote

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/assetcache/assetcache"
)

// newFakeS3 starts a server that serves objects of a single bucket with path-style urls.
func newFakeS3(t *testing.T, bucket string, objects map[string]string) string {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method != http.MethodHead {
				w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
					`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message>` +
					`<BucketName>` + bucket + `</BucketName></Error>`))
			}
			return
		}

		w.Header().Set("ETag", `"etag-`+data+`"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		w.Write([]byte(data))
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return u.Host
}

func TestProvider(t *testing.T) {
	t.Parallel()

	endpoint := newFakeS3(t, "assets", map[string]string{
		"/assets/images/a.png": "a",
		"/assets/b.png":        "b",
	})

	provider, err := NewProvider(Config{
		Endpoint:  endpoint,
		Bucket:    "assets",
		AccessKey: "access",
		SecretKey: "secret",
		Prefix:    "/images/",
	})
	require.NoError(t, err)

	t.Run("download", func(t *testing.T) {
		r := require.New(t)

		data, revision, err := provider.Download(t.Context(), "/a.png")
		r.NoError(err)
		r.Equal("a", string(data))
		r.Equal("etag-a", revision)
	})

	t.Run("revision", func(t *testing.T) {
		r := require.New(t)

		revision, err := provider.CurrentRevision(t.Context(), "a.png")
		r.NoError(err)
		r.Equal("etag-a", revision)
	})

	t.Run("not found", func(t *testing.T) {
		r := require.New(t)

		// Outside of the prefix.
		_, _, err := provider.Download(t.Context(), "/b.png")
		r.ErrorIs(err, assetcache.ErrNotFound)

		_, err = provider.CurrentRevision(t.Context(), "/b.png")
		r.ErrorIs(err, assetcache.ErrNotFound)
	})
}

func TestProvider_objectKey(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		prefix string
		path   string
		want   string
	}{
		{prefix: "", path: "/a.png", want: "a.png"},
		{prefix: "", path: "dir/../a.png", want: "a.png"},
		{prefix: "images", path: "/x/a.png", want: "images/x/a.png"},
		{prefix: "/images/", path: "a.png", want: "images/a.png"},
	} {
		t.Run("", func(t *testing.T) {
			p, err := NewProvider(Config{Endpoint: "localhost:9000", Bucket: "bucket", Prefix: tt.prefix})
			require.NoError(t, err)
			require.Equal(t, tt.want, p.objectKey(tt.path))
		})
	}
}

func TestNewProvider(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(Config{Bucket: "bucket"})
	require.ErrorContains(t, err, "endpoint is required")

	_, err = NewProvider(Config{Endpoint: "localhost:9000"})
	require.ErrorContains(t, err, "bucket is required")
}
