// Package repository is the client for the content repository's
// administrative REST surface: transaction/node feeds, batched metadata, ACL
// readers, content-model XML, and raw text extraction.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"

	"txbridge.dev/model"
	"txbridge.dev/txerr"
)

// Client is the surface the pipeline controller and metadata resolver depend
// on. Implementations must treat network errors, TLS failures, and non-2xx
// responses uniformly as a retriable transport error.
type Client interface {
	GetTransactions(ctx context.Context, minTxnID int64, maxResults int) (TransactionsResponse, error)
	GetNodes(ctx context.Context, fromTxnID, toTxnID int64) ([]model.TransactionNode, error)
	GetMetadata(ctx context.Context, nodeIDs []int64) ([]model.Node, error)
	GetAclsReaders(ctx context.Context, aclIDs []int) ([]model.AclReaders, error)
	ModelsDiff(ctx context.Context, models []string) ([]ModelDiff, error)
	GetModel(ctx context.Context, modelQName string) ([]byte, error)
	GetTextContent(ctx context.Context, nodeID int64) (string, error)
}

// TransactionsResponse is the decoded body of the transactions feed.
type TransactionsResponse struct {
	Transactions     []model.Transaction `json:"transactions"`
	MaxTxnID         int64               `json:"maxTxnId"`
	MaxTxnCommitTime int64               `json:"maxTxnCommitTime"`
}

// ModelDiff names one content model reported as changed by modelsdiff.
type ModelDiff struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	OldChecksum  string `json:"oldChecksum"`
	NewChecksum  string `json:"newChecksum"`
}

// httpClient is the production Client, built on a retryablehttp.Client whose
// underlying transport carries the configured auth mode.
type httpClient struct {
	baseURL string
	client  *retryablehttp.Client
}

// New returns a Client that issues requests against baseURL through rt. rt is
// expected to come from the transport package (secret header or mTLS).
func New(baseURL string, rt http.RoundTripper) Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = rt
	rc.Logger = nil
	rc.RetryMax = 3

	return &httpClient{baseURL: baseURL, client: rc}
}

func (c *httpClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: build request: %w", err)
	}
	return c.do(req)
}

func (c *httpClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("repository: encode request body: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("repository: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *httpClient) do(req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, txerr.Transport(fmt.Errorf("repository: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, txerr.Transport(fmt.Errorf("repository: read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, txerr.Transport(fmt.Errorf("repository: %s returned %d: %s", req.URL.Path, resp.StatusCode, snippet))
	}
	return body, nil
}

func (c *httpClient) GetTransactions(ctx context.Context, minTxnID int64, maxResults int) (TransactionsResponse, error) {
	q := url.Values{}
	q.Set("minTxnId", strconv.FormatInt(minTxnID, 10))
	q.Set("maxResults", strconv.Itoa(maxResults))

	body, err := c.get(ctx, "transactions", q)
	if err != nil {
		return TransactionsResponse{}, err
	}
	var out TransactionsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return TransactionsResponse{}, txerr.Parse(fmt.Errorf("repository: decode transactions: %w", err))
	}
	return out, nil
}

func (c *httpClient) GetNodes(ctx context.Context, fromTxnID, toTxnID int64) ([]model.TransactionNode, error) {
	body, err := c.post(ctx, "nodes", map[string]int64{"fromTxnId": fromTxnID, "toTxnId": toTxnID})
	if err != nil {
		return nil, err
	}
	var out struct {
		Nodes []model.TransactionNode `json:"nodes"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, txerr.Parse(fmt.Errorf("repository: decode nodes: %w", err))
	}
	return out.Nodes, nil
}

func (c *httpClient) GetMetadata(ctx context.Context, nodeIDs []int64) ([]model.Node, error) {
	body, err := c.post(ctx, "metadata", map[string]any{
		"nodeIds":                   nodeIDs,
		"includeAclId":              true,
		"includeOwner":              true,
		"includePaths":              true,
		"includeParentAssociations": true,
		"includeChildIds":           false,
		"includeChildAssociations":  false,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Nodes []model.Node `json:"nodes"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, txerr.Parse(fmt.Errorf("repository: decode metadata: %w", err))
	}
	return out.Nodes, nil
}

func (c *httpClient) GetAclsReaders(ctx context.Context, aclIDs []int) ([]model.AclReaders, error) {
	body, err := c.post(ctx, "aclsReaders", map[string]any{"aclIds": aclIDs})
	if err != nil {
		return nil, err
	}
	var out struct {
		AclsReaders []model.AclReaders `json:"aclsReaders"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, txerr.Parse(fmt.Errorf("repository: decode aclsReaders: %w", err))
	}
	return out.AclsReaders, nil
}

func (c *httpClient) ModelsDiff(ctx context.Context, models []string) ([]ModelDiff, error) {
	if models == nil {
		models = []string{}
	}
	body, err := c.post(ctx, "modelsdiff", map[string]any{"models": models})
	if err != nil {
		return nil, err
	}
	var out struct {
		Diffs []ModelDiff `json:"diffs"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, txerr.Parse(fmt.Errorf("repository: decode modelsdiff: %w", err))
	}
	return out.Diffs, nil
}

func (c *httpClient) GetModel(ctx context.Context, modelQName string) ([]byte, error) {
	q := url.Values{}
	q.Set("modelQName", modelQName)
	return c.get(ctx, "model", q)
}

func (c *httpClient) GetTextContent(ctx context.Context, nodeID int64) (string, error) {
	q := url.Values{}
	q.Set("nodeId", strconv.FormatInt(nodeID, 10))
	body, err := c.get(ctx, "textContent", q)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
