package priceoracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestOracle(t *testing.T, endpoint string, interval time.Duration) *Oracle {
	t.Helper()
	o := New(interval, zaptest.NewLogger(t))
	o.endpoint = endpoint
	return o
}

func TestOracle_EmptyBeforeFirstFetch(t *testing.T) {
	o := New(time.Hour, zaptest.NewLogger(t))
	require.Nil(t, o.Eur())
	require.Nil(t, o.Usd())
}

func TestOracle_StartPopulatesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin-cash":{"eur":412.5,"usd":450.1}}`))
	}))
	defer srv.Close()

	o := newTestOracle(t, srv.URL, time.Hour)
	o.Start(context.Background())
	defer o.Stop()

	require.NotNil(t, o.Eur())
	require.NotNil(t, o.Usd())
	require.True(t, o.Eur().Equal(decimal.RequireFromString("412.5")))
	require.True(t, o.Usd().Equal(decimal.RequireFromString("450.1")))
}

func TestOracle_KeepsStaleCacheOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"bitcoin-cash":{"eur":400,"usd":430}}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := newTestOracle(t, srv.URL, time.Hour)
	o.Start(context.Background())
	defer o.Stop()

	first := o.Eur()
	require.NotNil(t, first)

	o.refresh(context.Background())
	require.True(t, o.Eur().Equal(*first))
}

func TestOracle_StopReturnsPromptly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin-cash":{"eur":400,"usd":430}}`))
	}))
	defer srv.Close()

	o := newTestOracle(t, srv.URL, 10*time.Millisecond)
	o.Start(context.Background())

	done := make(chan struct{})
	go func() {
		o.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
