// Package pipeline is the scheduled orchestrator tying every other component
// into one indexing cycle: sync namespaces, read the cursor, fetch the
// transaction window, resolve metadata, bulk-index, advance the cursor, and
// hand off content work asynchronously.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"txbridge.dev/bulkbuilder"
	"txbridge.dev/content"
	"txbridge.dev/index"
	"txbridge.dev/metadata"
	"txbridge.dev/metrics"
	"txbridge.dev/model"
	"txbridge.dev/namespace"
	"txbridge.dev/repository"
	"txbridge.dev/search"
	"txbridge.dev/txerr"
)

// Phase names one step of a single cycle's state machine, reported in the
// controller's debug log lines for correlation.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseSyncModels      Phase = "sync_models"
	PhaseReadCursor      Phase = "read_cursor"
	PhaseFetchTxns       Phase = "fetch_txns"
	PhaseFetchNodes      Phase = "fetch_nodes"
	PhaseResolveMetadata Phase = "resolve_metadata"
	PhaseBulkIndex       Phase = "bulk_index"
	PhaseAdvanceCursor   Phase = "advance_cursor"
	PhaseDispatchContent Phase = "dispatch_content"
)

// validNext lists the phases reachable from each phase of the happy path;
// it documents the state machine and guards against the controller calling
// its own steps out of order.
var validNext = map[Phase][]Phase{
	PhaseIdle:            {PhaseSyncModels},
	PhaseSyncModels:      {PhaseReadCursor},
	PhaseReadCursor:      {PhaseFetchTxns},
	PhaseFetchTxns:       {PhaseFetchNodes, PhaseIdle}, // empty window returns straight to idle
	PhaseFetchNodes:      {PhaseResolveMetadata, PhaseIdle},
	PhaseResolveMetadata: {PhaseBulkIndex},
	PhaseBulkIndex:       {PhaseAdvanceCursor, PhaseIdle}, // failure keeps the cursor and returns to idle
	PhaseAdvanceCursor:   {PhaseDispatchContent},
	PhaseDispatchContent: {PhaseIdle},
}

func (p Phase) canTransitionTo(next Phase) bool {
	for _, candidate := range validNext[p] {
		if candidate == next {
			return true
		}
	}
	return false
}

// OnStatus is invoked once at the end of every cycle attempt (success or
// failure) so callers (the ops server) can report liveness.
type OnStatus func(cursorValue int64, cycleErr error)

// Controller owns a single non-overlapping cycle loop, driven by a cron
// schedule, over the rest of the pipeline's components.
type Controller struct {
	repo       repository.Client
	namespace  *namespace.Mapper
	resolver   *metadata.Resolver
	indexMgr   *index.Manager
	search     search.Client
	content    *content.Pool
	metrics    *metrics.Registry
	dataIndex  string
	maxResults int
	log        *logrus.Logger
	onStatus   OnStatus

	running chan struct{} // size-1 guard: at most one cycle runs at a time
	cron    *cron.Cron
}

// Config collects the Controller's dependencies and tunables.
type Config struct {
	Repository   repository.Client
	Namespace    *namespace.Mapper
	Resolver     *metadata.Resolver
	IndexManager *index.Manager
	Search       search.Client
	Content      *content.Pool
	Metrics      *metrics.Registry
	DataIndex    string
	MaxResults   int
	Logger       *logrus.Logger
	OnStatus     OnStatus
}

// New builds a Controller ready to be scheduled.
func New(cfg Config) *Controller {
	return &Controller{
		repo:       cfg.Repository,
		namespace:  cfg.Namespace,
		resolver:   cfg.Resolver,
		indexMgr:   cfg.IndexManager,
		search:     cfg.Search,
		content:    cfg.Content,
		metrics:    cfg.Metrics,
		dataIndex:  cfg.DataIndex,
		maxResults: cfg.MaxResults,
		log:        cfg.Logger,
		onStatus:   cfg.OnStatus,
		running:    make(chan struct{}, 1),
	}
}

// Start schedules a cycle (via tick) on cronSpec and blocks until ctx is cancelled,
// then stops the scheduler and waits for it to drain.
func (c *Controller) Start(ctx context.Context, cronSpec string) error {
	sched := cron.New()
	c.cron = sched

	_, err := sched.AddFunc(cronSpec, func() {
		c.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("pipeline: invalid cron schedule %q: %w", cronSpec, err)
	}

	sched.Start()
	<-ctx.Done()
	stopCtx := sched.Stop()
	<-stopCtx.Done()
	return nil
}

// tick attempts to enter the running guard; if a cycle is already in flight
// the tick is dropped, enforcing at-most-once-concurrent-cycle.
func (c *Controller) tick(ctx context.Context) {
	select {
	case c.running <- struct{}{}:
	default:
		c.log.Warn("pipeline: cycle still running, skipping tick")
		return
	}
	defer func() { <-c.running }()

	cycleID := uuid.New().String()
	cursor, cycleErr := c.runCycle(ctx, cycleID)
	if c.onStatus != nil {
		c.onStatus(cursor, cycleErr)
	}
}

// runCycle executes one full pass of the state machine and returns the
// cursor value in effect when the cycle ended (advanced on success, unchanged
// on failure; 0 when the cycle fails before the cursor has been read) along
// with any error.
func (c *Controller) runCycle(ctx context.Context, cycleID string) (int64, error) {
	log := c.log.WithFields(logrus.Fields{"cycle": cycleID})
	phase := PhaseIdle

	advance := func(next Phase) {
		if !phase.canTransitionTo(next) {
			log.WithFields(logrus.Fields{"from": phase, "to": next}).Error("pipeline: unexpected phase transition")
		}
		phase = next
		log.WithField("phase", phase).Debug("pipeline: entering phase")
	}

	advance(PhaseSyncModels)
	if err := c.namespace.Sync(ctx); err != nil {
		return 0, fmt.Errorf("pipeline: sync models: %w", err)
	}

	advance(PhaseReadCursor)
	cursor, err := c.indexMgr.ReadCursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipeline: read cursor: %w", err)
	}

	advance(PhaseFetchTxns)
	txnResp, err := c.repo.GetTransactions(ctx, cursor+1, c.maxResults)
	if err != nil {
		return cursor, fmt.Errorf("pipeline: fetch transactions: %w", err)
	}
	if len(txnResp.Transactions) == 0 {
		advance(PhaseIdle)
		log.Debug("pipeline: no new transactions")
		if c.metrics != nil {
			c.metrics.CyclesTotal.Inc()
			c.metrics.CursorValue.Set(float64(cursor))
		}
		return cursor, nil
	}

	maxTxnID := cursor
	maxCommitTime := int64(0)
	for _, txn := range txnResp.Transactions {
		if txn.ID > maxTxnID {
			maxTxnID = txn.ID
		}
		if txn.CommitTimeMs > maxCommitTime {
			maxCommitTime = txn.CommitTimeMs
		}
	}

	advance(PhaseFetchNodes)
	txnNodes, err := c.repo.GetNodes(ctx, cursor, maxTxnID)
	if err != nil {
		return cursor, fmt.Errorf("pipeline: fetch nodes: %w", err)
	}
	if len(txnNodes) == 0 {
		advance(PhaseIdle)
		log.Debug("pipeline: transaction window carried no node changes")
		if err := c.indexMgr.WriteCursor(ctx, maxTxnID); err != nil {
			return cursor, fmt.Errorf("pipeline: write cursor: %w", err)
		}
		if c.metrics != nil {
			c.metrics.CyclesTotal.Inc()
			c.metrics.CursorValue.Set(float64(maxTxnID))
		}
		return maxTxnID, nil
	}
	for _, tn := range txnNodes {
		if tn.Status != model.NodeStatusUpdate && tn.Status != model.NodeStatusDelete {
			return cursor, txerr.Schema(fmt.Errorf("pipeline: unknown transaction status %q for node %d", tn.Status, tn.ID))
		}
	}

	advance(PhaseResolveMetadata)
	nodes, err := c.resolver.Resolve(ctx, txnNodes, c.namespace.Current())
	if err != nil {
		return cursor, fmt.Errorf("pipeline: resolve metadata: %w", err)
	}

	advance(PhaseBulkIndex)
	ops, deletes, err := c.buildOps(txnNodes, nodes, maxCommitTime)
	if err != nil {
		return cursor, fmt.Errorf("pipeline: build bulk ops: %w", err)
	}

	if len(ops) > 0 {
		result, err := c.search.Bulk(ctx, ops)
		if err != nil {
			advance(PhaseIdle)
			if c.metrics != nil {
				c.metrics.CyclesFailedTotal.Inc()
			}
			return cursor, fmt.Errorf("pipeline: bulk index: %w", err)
		}
		if !result.AllSucceeded {
			advance(PhaseIdle)
			if c.metrics != nil {
				c.metrics.CyclesFailedTotal.Inc()
			}
			return cursor, txerr.Consistency(fmt.Errorf("pipeline: bulk index had %d item failures, first: %s", len(result.Failures), firstFailure(result.Failures)))
		}
	}
	for _, id := range deletes {
		if _, err := c.search.DeleteByQuery(ctx, c.dataIndex, bulkbuilder.DeleteField, id); err != nil {
			advance(PhaseIdle)
			if c.metrics != nil {
				c.metrics.CyclesFailedTotal.Inc()
			}
			return cursor, fmt.Errorf("pipeline: delete node %s: %w", id, err)
		}
	}

	advance(PhaseAdvanceCursor)
	if err := c.indexMgr.WriteCursor(ctx, maxTxnID); err != nil {
		return cursor, fmt.Errorf("pipeline: write cursor: %w", err)
	}

	advance(PhaseDispatchContent)
	if c.content != nil {
		c.content.Dispatch(c.dataIndex, nodes)
	}

	advance(PhaseIdle)

	if c.metrics != nil {
		c.metrics.CyclesTotal.Inc()
		c.metrics.TransactionsIndexedTotal.Add(float64(len(ops)))
		c.metrics.NodesDeletedTotal.Add(float64(len(deletes)))
		c.metrics.CursorValue.Set(float64(maxTxnID))
	}

	log.WithFields(logrus.Fields{
		"upserted": len(ops),
		"deleted":  len(deletes),
		"cursor":   maxTxnID,
	}).Info("pipeline: cycle completed")

	return maxTxnID, nil
}

// buildOps turns resolved nodes into upsert bulk ops and collects the UUIDs
// of deleted nodes for delete-by-query, keyed off the transaction-node
// change headers rather than the resolved node list (deletes carry no
// metadata to resolve).
func (c *Controller) buildOps(txnNodes []model.TransactionNode, nodes []model.Node, maxCommitTime int64) ([]search.BulkOp, []string, error) {
	ops := make([]search.BulkOp, 0, len(nodes))
	for _, n := range nodes {
		op, err := bulkbuilder.BuildUpsert(c.dataIndex, n, maxCommitTime)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, op)
	}

	var deletes []string
	for _, tn := range txnNodes {
		if tn.Status != model.NodeStatusDelete {
			continue
		}
		id, err := bulkbuilder.BuildDelete(tn.NodeRef)
		if err != nil {
			c.log.WithField("nodeRef", tn.NodeRef).WithError(err).Warn("pipeline: skipping malformed delete nodeRef")
			continue
		}
		deletes = append(deletes, id)
	}
	return ops, deletes, nil
}

func firstFailure(failures []search.BulkItemFailure) string {
	if len(failures) == 0 {
		return ""
	}
	return failures[0].ID + ": " + failures[0].Reason
}
