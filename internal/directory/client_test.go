package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/privacyd/internal/logging"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithLogger(logging.Discard()))
}

func TestClient_FetchAll(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/get_all", r.URL.Path)
		w.Write([]byte(`[
			{"topic_name":"domo_camera","topic_uuid":"cam-1","value":{"privacy":true,"ip_address":"192.168.1.50"}},
			{"topic_name":"privacy_rule","topic_uuid":"r-1","value":{"target_topic":"domo_camera"}}
		]`))
	})

	records, err := c.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "domo_camera", records[0].Kind)
	assert.Equal(t, "cam-1", records[0].ID)

	dev, err := DeviceFromRecord(records[0])
	require.NoError(t, err)
	assert.True(t, dev.Privacy())
	assert.Equal(t, "192.168.1.50", dev.NetworkIP("domo_camera"))
	assert.Empty(t, dev.NetworkIP("light"))
}

func TestClient_FetchKind(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/topic_name/privacy_rule", r.URL.Path)
		w.Write([]byte(`[]`))
	})

	records, err := c.FetchKind(context.Background(), "privacy_rule")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClient_FetchNotFound(t *testing.T) {
	ctx := context.Background()

	t.Run("404", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
		_, err := c.Fetch(ctx, "domo_camera", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("null body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("null"))
		})
		_, err := c.Fetch(ctx, "domo_camera", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		_, err := c.Fetch(ctx, "domo_camera", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClient_UpdatePreservesFields(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"topic_name":"domo_camera","topic_uuid":"cam-1","value":{"name":"Hall","ip_address":"10.0.0.2","privacy":false,"fw":"1.2"}}`))
		case http.MethodPost:
			assert.Equal(t, "/topic_name/domo_camera/topic_uuid/cam-1", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &got))
		}
	})

	ctx := context.Background()
	rec, err := c.Fetch(ctx, "domo_camera", "cam-1")
	require.NoError(t, err)
	dev, err := DeviceFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "Hall", dev.Name())

	dev.SetPrivacy(true)
	dev.SetPrivacyUntil("18:00")
	require.NoError(t, c.Update(ctx, dev.Kind, dev.ID, dev.Value()))

	assert.Equal(t, true, got["privacy"])
	assert.Equal(t, "18:00", got["privacy_until"])
	assert.Equal(t, "1.2", got["fw"])
}

func TestClient_ErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := c.Delete(context.Background(), "privacy_rule", "r-1")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "boom", se.Body)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, WithLogger(logging.Discard()))

	_, err := c.FetchAll(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
