package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tomdraper/plexus/internal/errors"
)

func TestClient_FetchEntity_MergesSnapshotAndImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/users/u1":
			json.NewEncoder(w).Encode(map[string]any{"ID": "u1", "name": "Ada"})
		case "/api/users/u1/pfp":
			w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1", nil)
	got, err := c.FetchEntity(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "u1", got["ID"])
	assert.Equal(t, "Ada", got["name"])
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, got["pfp"])
}

func TestClient_FetchEntity_MissingImageNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/u1":
			json.NewEncoder(w).Encode(map[string]any{"ID": "u1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1", nil)
	got, err := c.FetchEntity(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "u1", got["ID"])
	_, hasImg := got["pfp"]
	assert.False(t, hasImg)
}

func TestClient_ErrorStatus_WrapsServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"msg": "not your business"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1", nil)
	_, err := c.FetchEntity(context.Background(), "u1")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
	assert.Contains(t, err.Error(), "not your business")
}

func TestClient_GetPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/posts", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "top", r.URL.Query().Get("sort"))
		json.NewEncoder(w).Encode([]map[string]any{{"ID": "p1"}, {"ID": "p2"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1", nil)
	items, err := c.GetPage(context.Background(), "posts", 2, "top", "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p1", items[0]["ID"])
}

func TestClient_RegisterAttachment(t *testing.T) {
	var got AttachmentMeta
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/attachment/metadata", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1", nil)
	err := c.RegisterAttachment(context.Background(), AttachmentMeta{
		MessageID:     "m1",
		Name:          "pic.png",
		Size:          1234,
		MimeType:      "image/png",
		Subscriptions: []string{"inbox=u2", "inbox=self"},
	})
	require.NoError(t, err)

	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, int64(1234), got.Size)
	assert.Equal(t, []string{"inbox=u2", "inbox=self"}, got.Subscriptions)
}

func TestClient_UploadChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/attachment/chunk/m1/3", r.URL.Path)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte("chunk-bytes"), body)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1", nil)
	require.NoError(t, c.UploadChunk(context.Background(), "m1", 3, []byte("chunk-bytes")))
}

func TestClient_GetImage_CacheBusting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/u1/pfp", r.URL.Path)
		assert.Equal(t, "4", r.URL.Query().Get("v"))
		w.Write([]byte("img"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1", nil)
	body, err := c.GetImage(context.Background(), "/api/users/u1/pfp", 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), body)
}
