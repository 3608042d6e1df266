package enrichment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFearGreedIndexParsesFirstDataPoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"value":"62","value_classification":"Greed"}]}`))
	}))
	defer srv.Close()

	client := NewHTTPSentimentClient(srv.URL)
	v, err := client.FearGreedIndex(context.Background())
	require.NoError(t, err)
	require.Equal(t, 62, v)
}

func TestFearGreedIndexErrorsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPSentimentClient(srv.URL)
	_, err := client.FearGreedIndex(context.Background())
	require.Error(t, err)
}

func TestFearGreedIndexErrorsOnEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewHTTPSentimentClient(srv.URL)
	_, err := client.FearGreedIndex(context.Background())
	require.Error(t, err)
}
