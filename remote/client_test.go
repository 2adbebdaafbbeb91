package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conecta-bridge/models"
	"conecta-bridge/remote"
)

func TestSavePostsReminder(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/save-reminder", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := remote.NewClient(srv.URL + "/")
	err := c.Save(context.Background(), models.Reminder{
		ID: "r1", Text: "pastillas", Hour: 9, Minute: 30,
	})
	require.NoError(t, err)

	assert.Equal(t, "r1", got["id"])
	assert.Equal(t, "pastillas", got["text"])
	assert.Equal(t, float64(9), got["hour"])
	assert.Equal(t, float64(30), got["minute"])
}

func TestListDecodesReminders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/reminders", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"r1","text":"a","time":"09:30","hour":9,"minute":30}]`))
	}))
	defer srv.Close()

	list, err := remote.NewClient(srv.URL).List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].ID)
	assert.Equal(t, "09:30", list[0].Time)
}

func TestDeletePostsID(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/delete-reminder", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	require.NoError(t, remote.NewClient(srv.URL).Delete(context.Background(), "r1"))
	assert.Equal(t, "r1", got["id"])
}

func TestNon200IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := remote.NewClient(srv.URL)
	assert.Error(t, c.Save(context.Background(), models.Reminder{ID: "r1"}))
	assert.Error(t, c.Delete(context.Background(), "r1"))
	_, err := c.List(context.Background())
	assert.Error(t, err)
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := remote.NewClient(srv.URL).List(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
