package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdash/internal/events"
)

func sub(id string) events.Subscription {
	return events.Subscription{
		ID:             id,
		SubscriberName: "Nour",
		Amount:         90,
		Start:          time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		End:            time.Date(2025, 12, 31, 9, 0, 0, 0, time.UTC),
		Renewal:        "FREQ=MONTHLY",
	}
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "data.yaml")
	fs := NewFileSource(path)

	list, err := fs.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = fs.Create(ctx, sub("a"))
	require.NoError(t, err)
	_, err = fs.Create(ctx, sub("b"))
	require.NoError(t, err)

	_, err = fs.Create(ctx, sub("a"))
	assert.ErrorIs(t, err, ErrDuplicate)

	bad := sub("c")
	bad.SubscriberName = ""
	_, err = fs.Create(ctx, bad)
	assert.ErrorIs(t, err, events.ErrInvalidSubscription)

	list, err = NewFileSource(path).List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].ID)
	assert.True(t, list[0].Start.Equal(sub("a").Start))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileSourceBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yaml")
	require.NoError(t, os.WriteFile(path, []byte("subscriptions: [::"), 0o600))
	_, err := NewFileSource(path).List(context.Background())
	assert.Error(t, err)
}

func TestHTTPSourceListWithETag(t *testing.T) {
	var hits, notModified int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/api/subscriptions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&notModified, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_ = json.NewEncoder(w).Encode([]events.Subscription{sub("x")})
	}))
	defer srv.Close()

	hs, err := NewHTTPSource(HTTPOptions{BaseURL: srv.URL + "/api/", Token: "secret"})
	require.NoError(t, err)

	first, err := hs.List(context.Background())
	require.NoError(t, err)
	second, err := hs.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 2, hits)
	assert.EqualValues(t, 1, notModified)
}

func TestHTTPSourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			return
		}
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hs, err := NewHTTPSource(HTTPOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = hs.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = hs.Create(context.Background(), sub("dup"))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = NewHTTPSource(HTTPOptions{})
	assert.Error(t, err)
}

func TestHTTPSourceCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in events.Subscription
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	hs, err := NewHTTPSource(HTTPOptions{BaseURL: srv.URL})
	require.NoError(t, err)
	got, err := hs.Create(context.Background(), sub("new"))
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://api.example.com/...(redacted)", redactURL("https://api.example.com/v1?token=abc"))
	assert.Equal(t, "...(redacted)", redactURL("not a url"))
}
