// Package search is the client for the target search engine: bulk upsert,
// scripted content patch, delete-by-query, and the handful of document/index
// operations the index manager needs.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"

	"txbridge.dev/txerr"
)

// BulkOp is one upsert or delete entry in a bulk request.
type BulkOp struct {
	Index    string
	ID       string
	Doc      map[string]any // fields duplicated onto first-time insert
	Script   string         // painless source; empty means plain upsert of Doc
	Params   map[string]any // script params, defaults to Doc when Script is set
}

// BulkResult summarizes a bulk call: whether every item succeeded, and the
// per-item failures for diagnosis.
type BulkResult struct {
	AllSucceeded bool
	Failures     []BulkItemFailure
}

// BulkItemFailure names one failed bulk item.
type BulkItemFailure struct {
	ID     string
	Reason string
}

// Client is the surface the request builder and content worker pool depend
// on.
type Client interface {
	Bulk(ctx context.Context, ops []BulkOp) (BulkResult, error)
	Update(ctx context.Context, index, id, script string, params map[string]any, retryOnConflict int) error
	Put(ctx context.Context, index, id string, doc map[string]any) error
	DeleteByQuery(ctx context.Context, index, field, value string) (deletedCount int, err error)
	Exists(ctx context.Context, index string) (bool, error)
	Get(ctx context.Context, index, id string) (map[string]any, bool, error)
	CreateIndex(ctx context.Context, index string, mapping map[string]any) error
}

type client struct {
	os *opensearch.Client
}

// New builds a Client wrapping an opensearch-go client that issues every
// request through rt (the shared-secret or mTLS transport).
func New(baseURL string, rt http.RoundTripper) (Client, error) {
	osClient, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{baseURL},
		Transport: rt,
	})
	if err != nil {
		return nil, fmt.Errorf("search: build opensearch client: %w", err)
	}
	return &client{os: osClient}, nil
}

func (c *client) Bulk(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var buf bytes.Buffer
	for _, op := range ops {
		action := map[string]any{"update": map[string]any{"_index": op.Index, "_id": op.ID, "retry_on_conflict": 5}}
		actionLine, err := json.Marshal(action)
		if err != nil {
			return BulkResult{}, fmt.Errorf("search: encode bulk action: %w", err)
		}
		buf.Write(actionLine)
		buf.WriteByte('\n')

		var body map[string]any
		if op.Script == "" {
			body = map[string]any{"doc": op.Doc, "doc_as_upsert": true}
		} else {
			params := op.Params
			if params == nil {
				params = op.Doc
			}
			body = map[string]any{
				"scripted_upsert": true,
				"script": map[string]any{
					"source": op.Script,
					"params": params,
				},
				"upsert": op.Doc,
			}
		}
		bodyLine, err := json.Marshal(body)
		if err != nil {
			return BulkResult{}, fmt.Errorf("search: encode bulk body: %w", err)
		}
		buf.Write(bodyLine)
		buf.WriteByte('\n')
	}

	resp, err := c.os.Bulk(bytes.NewReader(buf.Bytes()), c.os.Bulk.WithContext(ctx))
	if err != nil {
		return BulkResult{}, txerr.Transport(fmt.Errorf("search: bulk: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return BulkResult{}, txerr.Transport(fmt.Errorf("search: read bulk response: %w", err))
	}
	if resp.IsError() {
		return BulkResult{}, txerr.Transport(fmt.Errorf("search: bulk returned %s: %s", resp.Status(), raw))
	}

	var decoded bulkResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return BulkResult{}, txerr.Parse(fmt.Errorf("search: decode bulk response: %w", err))
	}

	result := BulkResult{AllSucceeded: true}
	for _, item := range decoded.Items {
		for _, action := range item {
			if action.Error != nil {
				result.AllSucceeded = false
				result.Failures = append(result.Failures, BulkItemFailure{ID: action.ID, Reason: action.Error.Reason})
			}
		}
	}
	return result, nil
}

type bulkResponse struct {
	Items []map[string]bulkItemAction `json:"items"`
}

type bulkItemAction struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  *bulkItemError  `json:"error"`
}

type bulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (c *client) Update(ctx context.Context, index, id, script string, params map[string]any, retryOnConflict int) error {
	body, err := json.Marshal(map[string]any{
		"script": map[string]any{"source": script, "params": params},
	})
	if err != nil {
		return fmt.Errorf("search: encode update body: %w", err)
	}

	resp, err := c.os.Update(index, id, bytes.NewReader(body),
		c.os.Update.WithContext(ctx),
		c.os.Update.WithRetryOnConflict(retryOnConflict),
	)
	if err != nil {
		return txerr.Transport(fmt.Errorf("search: update: %w", err))
	}
	defer resp.Body.Close()
	if resp.IsError() {
		raw, _ := io.ReadAll(resp.Body)
		return txerr.Transport(fmt.Errorf("search: update returned %s: %s", resp.Status(), raw))
	}
	return nil
}

func (c *client) Put(ctx context.Context, index, id string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("search: encode document: %w", err)
	}
	resp, err := c.os.Index(index, bytes.NewReader(body),
		c.os.Index.WithContext(ctx),
		c.os.Index.WithDocumentID(id),
	)
	if err != nil {
		return txerr.Transport(fmt.Errorf("search: index: %w", err))
	}
	defer resp.Body.Close()
	if resp.IsError() {
		raw, _ := io.ReadAll(resp.Body)
		return txerr.Transport(fmt.Errorf("search: index returned %s: %s", resp.Status(), raw))
	}
	return nil
}

func (c *client) DeleteByQuery(ctx context.Context, index, field, value string) (int, error) {
	query := map[string]any{
		"query": map[string]any{
			"term": map[string]any{field: value},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return 0, fmt.Errorf("search: encode delete-by-query body: %w", err)
	}

	resp, err := c.os.DeleteByQuery([]string{index}, bytes.NewReader(body), c.os.DeleteByQuery.WithContext(ctx))
	if err != nil {
		return 0, txerr.Transport(fmt.Errorf("search: delete-by-query: %w", err))
	}
	defer resp.Body.Close()
	if resp.IsError() {
		raw, _ := io.ReadAll(resp.Body)
		return 0, txerr.Transport(fmt.Errorf("search: delete-by-query returned %s: %s", resp.Status(), raw))
	}

	var decoded struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, txerr.Parse(fmt.Errorf("search: decode delete-by-query response: %w", err))
	}
	return decoded.Deleted, nil
}

func (c *client) Exists(ctx context.Context, index string) (bool, error) {
	resp, err := c.os.Indices.Exists([]string{index}, c.os.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, txerr.Transport(fmt.Errorf("search: indices.exists: %w", err))
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (c *client) Get(ctx context.Context, index, id string) (map[string]any, bool, error) {
	resp, err := c.os.Get(index, id, c.os.Get.WithContext(ctx))
	if err != nil {
		return nil, false, txerr.Transport(fmt.Errorf("search: get: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.IsError() {
		raw, _ := io.ReadAll(resp.Body)
		return nil, false, txerr.Transport(fmt.Errorf("search: get returned %s: %s", resp.Status(), raw))
	}

	var decoded struct {
		Source map[string]any `json:"_source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, txerr.Parse(fmt.Errorf("search: decode get response: %w", err))
	}
	return decoded.Source, true, nil
}

func (c *client) CreateIndex(ctx context.Context, index string, mapping map[string]any) error {
	body, err := json.Marshal(map[string]any{"mappings": mapping})
	if err != nil {
		return fmt.Errorf("search: encode index mapping: %w", err)
	}
	resp, err := c.os.Indices.Create(index,
		c.os.Indices.Create.WithContext(ctx),
		c.os.Indices.Create.WithBody(strings.NewReader(string(body))),
	)
	if err != nil {
		return txerr.Transport(fmt.Errorf("search: indices.create: %w", err))
	}
	defer resp.Body.Close()
	if resp.IsError() {
		raw, _ := io.ReadAll(resp.Body)
		return txerr.Transport(fmt.Errorf("search: create index returned %s: %s", resp.Status(), raw))
	}
	return nil
}
