package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/me", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"userId": "u-1", "fullName": "Sam Doe"})
	}))
	defer srv.Close()
	ctx := context.Background()

	acct, err := NewClient(srv.URL+"/", WithToken("tok-1")).Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u-1", acct.UserID)
	assert.Equal(t, "Sam Doe", acct.FullName)

	_, err = NewClient(srv.URL, WithToken("wrong")).Me(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
	assert.Equal(t, "bad token", apiErr.Message)
}

func TestClientMeErrors(t *testing.T) {
	t.Run("plain error body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Me(context.Background())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "Service Unavailable", apiErr.Code)
		assert.Equal(t, "maintenance", apiErr.Message)
	})

	t.Run("account without id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"fullName":"nobody"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Me(context.Background())
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("token provider failure", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", WithTokenProvider(func(context.Context) (string, error) {
			return "", io.ErrUnexpectedEOF
		}))
		_, err := c.Me(context.Background())
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL, WithTimeout(20*time.Millisecond)).Me(context.Background())
		assert.Error(t, err)
	})
}

func TestClientUpload(t *testing.T) {
	var gotName, gotMime, gotAuth string
	var gotData []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		gotData, _ = io.ReadAll(f)
		gotName = hdr.Filename
		gotMime = r.FormValue("mimeType")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"url": "https://cdn.example.com/u/" + hdr.Filename})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok-1"), WithHTTPClient(srv.Client()))
	res, err := c.Upload(context.Background(), []byte("clip"), "holiday.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/u/holiday.mp4", res.URL)
	assert.Equal(t, "holiday.mp4", res.FileName)
	assert.Equal(t, "video/mp4", res.MimeType)
	assert.Equal(t, TypeVideo, res.Type)
	assert.Equal(t, []byte("clip"), gotData)
	assert.Equal(t, "holiday.mp4", gotName)
	assert.Equal(t, "video/mp4", gotMime)
	assert.Equal(t, "Bearer tok-1", gotAuth)

	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# hi"), 0o600))
	res, err = c.UploadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", res.MimeType)
	assert.Equal(t, TypeDocument, res.Type)
}

func TestClientUploadRejected(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	ctx := context.Background()

	_, err := c.Upload(ctx, []byte("x"), "")
	assert.Error(t, err)

	_, err = c.Upload(ctx, make([]byte, MaxUploadSize+1), "big.bin")
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	_, err = NewClient(srv.URL).Upload(ctx, []byte("x"), "a.png")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"photo.PNG":  "image/png",
		"clip.webm":  "video/webm",
		"notes.yaml": "text/yaml",
		"README":     "application/octet-stream",
		"data.zzz":   "application/octet-stream",
	}
	for name, want := range tests {
		assert.Equal(t, want, guessMimeType(name), name)
	}
	assert.Equal(t, TypeImage, messageTypeFor("image/webp"))
	assert.Equal(t, TypeDocument, messageTypeFor("application/pdf"))
}
