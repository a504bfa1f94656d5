package crm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-orchestrator/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestClient_History(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/psid-1/history", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entries":{"vip_tier":"gold","language":"en"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", testLogger())
	history, err := client.History(context.Background(), "psid-1")
	require.NoError(t, err)
	assert.Equal(t, "gold", history.Entries["vip_tier"])
	assert.Equal(t, "psid-1", history.UserID)
}

func TestClient_HistoryNotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", testLogger())
	history, err := client.History(context.Background(), "psid-2")
	require.NoError(t, err)
	assert.Empty(t, history.Entries)
}

func TestClient_HistoryFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.History(ctx, "psid-3")
	assert.True(t, errors.Is(err, models.ErrExternalCall))

	unconfigured := NewClient("", "", testLogger())
	_, err = unconfigured.History(context.Background(), "psid-3")
	assert.True(t, errors.Is(err, models.ErrExternalCall))
}

func TestClient_HistorySharesInFlightLookups(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"entries":{"k":"v"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			history, err := client.History(context.Background(), "psid-4")
			assert.NoError(t, err)
			if history != nil {
				assert.Equal(t, "v", history.Entries["k"])
			}
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
