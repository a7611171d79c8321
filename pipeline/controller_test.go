package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txbridge.dev/index"
	"txbridge.dev/metadata"
	"txbridge.dev/model"
	"txbridge.dev/namespace"
	"txbridge.dev/repository"
	"txbridge.dev/search"
	"txbridge.dev/txerr"
)

type fakeRepo struct {
	mu sync.Mutex

	transactions     []model.Transaction
	maxTxnCommitTime int64
	nodesByTxn       map[int64][]model.TransactionNode
	metadataByID     map[int64]model.Node
	aclReaders       map[int]model.AclReaders

	transactionsErr error
	nodesErr        error
}

func (f *fakeRepo) GetTransactions(ctx context.Context, minTxnID int64, maxResults int) (repository.TransactionsResponse, error) {
	if f.transactionsErr != nil {
		return repository.TransactionsResponse{}, f.transactionsErr
	}
	var out []model.Transaction
	for _, t := range f.transactions {
		if t.ID >= minTxnID {
			out = append(out, t)
		}
	}
	return repository.TransactionsResponse{Transactions: out, MaxTxnCommitTime: f.maxTxnCommitTime}, nil
}

func (f *fakeRepo) GetNodes(ctx context.Context, fromTxnID, toTxnID int64) ([]model.TransactionNode, error) {
	if f.nodesErr != nil {
		return nil, f.nodesErr
	}
	var out []model.TransactionNode
	for txnID, nodes := range f.nodesByTxn {
		if txnID > fromTxnID && txnID <= toTxnID {
			out = append(out, nodes...)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetMetadata(ctx context.Context, nodeIDs []int64) ([]model.Node, error) {
	var out []model.Node
	for _, id := range nodeIDs {
		if n, ok := f.metadataByID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetAclsReaders(ctx context.Context, aclIDs []int) ([]model.AclReaders, error) {
	var out []model.AclReaders
	for _, id := range aclIDs {
		if r, ok := f.aclReaders[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) ModelsDiff(ctx context.Context, models []string) ([]repository.ModelDiff, error) {
	return nil, nil
}

func (f *fakeRepo) GetModel(ctx context.Context, modelQName string) ([]byte, error) {
	return nil, nil
}

func (f *fakeRepo) GetTextContent(ctx context.Context, nodeID int64) (string, error) {
	return "", nil
}

var _ repository.Client = (*fakeRepo)(nil)

type fakeSearch struct {
	mu         sync.Mutex
	docs       map[string]map[string]any
	bulkOps    []search.BulkOp
	bulkErr    error
	bulkResult *search.BulkResult
	deletes    []string
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{docs: map[string]map[string]any{}}
}

func (f *fakeSearch) Bulk(ctx context.Context, ops []search.BulkOp) (search.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return search.BulkResult{}, f.bulkErr
	}
	f.bulkOps = append(f.bulkOps, ops...)
	if f.bulkResult != nil {
		return *f.bulkResult, nil
	}
	return search.BulkResult{AllSucceeded: true}, nil
}

func (f *fakeSearch) Update(ctx context.Context, index, id, script string, params map[string]any, retryOnConflict int) error {
	return nil
}

func (f *fakeSearch) Put(ctx context.Context, index, id string, doc map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[index+"/"+id] = doc
	return nil
}

func (f *fakeSearch) DeleteByQuery(ctx context.Context, index, field, value string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, value)
	return 1, nil
}

func (f *fakeSearch) Exists(ctx context.Context, index string) (bool, error) { return true, nil }

func (f *fakeSearch) Get(ctx context.Context, index, id string) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[index+"/"+id]
	return doc, ok, nil
}

func (f *fakeSearch) CreateIndex(ctx context.Context, index string, mapping map[string]any) error {
	return nil
}

var _ search.Client = (*fakeSearch)(nil)

func discardLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newController(repo *fakeRepo, fs *fakeSearch) *Controller {
	log := discardLog()
	entry := logrus.NewEntry(log)
	nsMapper := namespace.New(repo, entry)
	resolver := metadata.New(repo, entry, 50)
	indexMgr := index.New(fs, "alfresco", "alfresco-control")

	return New(Config{
		Repository:   repo,
		Namespace:    nsMapper,
		Resolver:     resolver,
		IndexManager: indexMgr,
		Search:       fs,
		DataIndex:    "alfresco",
		MaxResults:   500,
		Logger:       log,
	})
}

func TestRunCycle_NoNewTransactionsLeavesCursorUnchanged(t *testing.T) {
	repo := &fakeRepo{}
	fs := newFakeSearch()
	c := newController(repo, fs)

	cursor, err := c.runCycle(context.Background(), "test-cycle")
	require.NoError(t, err)
	assert.EqualValues(t, 0, cursor)
	assert.Empty(t, fs.bulkOps)
}

func TestRunCycle_UpsertsAndAdvancesCursor(t *testing.T) {
	repo := &fakeRepo{
		transactions:     []model.Transaction{{ID: 5, CommitTimeMs: 1000, Updates: 1}},
		maxTxnCommitTime: 1000,
		nodesByTxn: map[int64][]model.TransactionNode{
			5: {{ID: 1, Status: model.NodeStatusUpdate, NodeRef: "workspace://SpacesStore/abc-123", TxnID: 5}},
		},
		metadataByID: map[int64]model.Node{
			1: {ID: 1, NodeRef: "workspace://SpacesStore/abc-123", Type: "cm:content", Properties: map[string]any{"cm:name": "report.pdf"}},
		},
	}
	fs := newFakeSearch()
	c := newController(repo, fs)

	cursor, err := c.runCycle(context.Background(), "test-cycle")
	require.NoError(t, err)
	assert.EqualValues(t, 5, cursor)
	require.Len(t, fs.bulkOps, 1)
	assert.Equal(t, "abc-123", fs.bulkOps[0].ID)

	doc, found, err := fs.Get(context.Background(), "alfresco-control", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 5, doc["lastTransactionId"])
}

func TestRunCycle_DeletesByQueryForDeletedNodes(t *testing.T) {
	repo := &fakeRepo{
		transactions: []model.Transaction{{ID: 3, CommitTimeMs: 500}},
		nodesByTxn: map[int64][]model.TransactionNode{
			3: {{ID: 1, Status: model.NodeStatusDelete, NodeRef: "workspace://SpacesStore/deleted-1", TxnID: 3}},
		},
	}
	fs := newFakeSearch()
	c := newController(repo, fs)

	cursor, err := c.runCycle(context.Background(), "test-cycle")
	require.NoError(t, err)
	assert.EqualValues(t, 3, cursor)
	assert.Equal(t, []string{"deleted-1"}, fs.deletes)
}

func TestRunCycle_BulkFailureKeepsCursor(t *testing.T) {
	repo := &fakeRepo{
		transactions: []model.Transaction{{ID: 7, CommitTimeMs: 1}},
		nodesByTxn: map[int64][]model.TransactionNode{
			7: {{ID: 1, Status: model.NodeStatusUpdate, NodeRef: "workspace://SpacesStore/abc-123", TxnID: 7}},
		},
		metadataByID: map[int64]model.Node{
			1: {ID: 1, NodeRef: "workspace://SpacesStore/abc-123"},
		},
	}
	fs := newFakeSearch()
	fs.bulkErr = errors.New("cluster unavailable")
	c := newController(repo, fs)

	cursor, err := c.runCycle(context.Background(), "test-cycle")
	require.Error(t, err)
	assert.EqualValues(t, 0, cursor)

	_, found, _ := fs.Get(context.Background(), "alfresco-control", "1")
	assert.False(t, found)
}

func TestRunCycle_AbortsOnUnknownTransactionStatus(t *testing.T) {
	repo := &fakeRepo{
		transactions: []model.Transaction{{ID: 9, CommitTimeMs: 1}},
		nodesByTxn: map[int64][]model.TransactionNode{
			9: {{ID: 1, Status: model.NodeStatus("x"), NodeRef: "workspace://SpacesStore/abc-123", TxnID: 9}},
		},
	}
	fs := newFakeSearch()
	c := newController(repo, fs)

	cursor, err := c.runCycle(context.Background(), "test-cycle")
	require.Error(t, err)
	assert.True(t, txerr.Is(err, txerr.KindSchema))
	assert.EqualValues(t, 0, cursor)
	assert.Empty(t, fs.bulkOps)
}

func TestRunCycle_BulkItemFailureIsConsistencyKind(t *testing.T) {
	repo := &fakeRepo{
		transactions: []model.Transaction{{ID: 7, CommitTimeMs: 1}},
		nodesByTxn: map[int64][]model.TransactionNode{
			7: {{ID: 1, Status: model.NodeStatusUpdate, NodeRef: "workspace://SpacesStore/abc-123", TxnID: 7}},
		},
		metadataByID: map[int64]model.Node{
			1: {ID: 1, NodeRef: "workspace://SpacesStore/abc-123"},
		},
	}
	fs := newFakeSearch()
	fs.bulkResult = &search.BulkResult{AllSucceeded: false, Failures: []search.BulkItemFailure{{ID: "abc-123", Reason: "version conflict"}}}
	c := newController(repo, fs)

	_, err := c.runCycle(context.Background(), "test-cycle")
	require.Error(t, err)
	assert.True(t, txerr.Is(err, txerr.KindConsistency))
}

func TestTick_DropsOverlappingCycle(t *testing.T) {
	repo := &fakeRepo{}
	fs := newFakeSearch()
	c := newController(repo, fs)

	c.running <- struct{}{} // simulate a cycle already in flight
	var called bool
	c.onStatus = func(cursorValue int64, cycleErr error) { called = true }

	c.tick(context.Background())
	<-time.After(10 * time.Millisecond)
	assert.False(t, called)
}
