package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txbridge.dev/txerr"
)

func TestGetTransactions_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("minTxnId"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transactions":     []map[string]any{{"id": 1, "commitTimeMs": 100}},
			"maxTxnId":         1,
			"maxTxnCommitTime": 100,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, http.DefaultTransport)
	resp, err := c.GetTransactions(context.Background(), 1, 500)
	require.NoError(t, err)
	assert.Len(t, resp.Transactions, 1)
	assert.EqualValues(t, 1, resp.Transactions[0].ID)
}

func TestGetNodes_PostsWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 1, body["fromTxnId"])
		assert.EqualValues(t, 5, body["toTxnId"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"nodes": []map[string]any{{"id": 1, "status": "u", "nodeRef": "workspace://SpacesStore/abc", "txnId": 1}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, http.DefaultTransport)
	nodes, err := c.GetNodes(context.Background(), 1, 5)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "abc", nodes[0].NodeRef[len(nodes[0].NodeRef)-3:])
}

func TestNon2xx_IsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(srv.URL, http.DefaultTransport)
	// the client's retries (RetryMax 3) run before the error comes back; only its kind is asserted.
	_, err := c.GetTransactions(context.Background(), 1, 1)
	require.Error(t, err)
	assert.True(t, txerr.Is(err, txerr.KindTransport))
}

func TestModelsDiff_EmptyModelsRequestsCurrentList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{}, body["models"])
		_ = json.NewEncoder(w).Encode(map[string]any{"diffs": []map[string]any{}})
	}))
	defer srv.Close()

	c := New(srv.URL, http.DefaultTransport)
	diffs, err := c.ModelsDiff(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}
