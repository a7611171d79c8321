// Package content runs the asynchronous worker pool that opportunistically
// fetches and patches text content for nodes the current cycle just indexed.
package content

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"txbridge.dev/bulkbuilder"
	"txbridge.dev/encode"
	"txbridge.dev/metrics"
	"txbridge.dev/model"
	"txbridge.dev/search"
)

// Repository is the subset of the repository client the pool needs.
type Repository interface {
	GetTextContent(ctx context.Context, nodeID int64) (string, error)
}

// contentScript writes the encoded cm:content and contentId fields. Unlike
// the request builder's merge script, this patch carries no
// METADATA_INDEXING_LAST_UPDATE comparison: content writes race-tolerate a
// lost update, guarded instead by the contentId equality check upstream.
const contentScript = `
ctx._source[params.contentKey] = params.content;
ctx._source[params.contentIdKey] = params.contentId;
`

// job is one node queued for a possible content fetch.
type job struct {
	index string
	node  model.Node
}

// Pool runs a fixed number of workers draining a bounded queue of content
// jobs. Errors inside a worker are logged and isolated per node; they never
// propagate back to the caller and never block the cursor from advancing.
type Pool struct {
	repo    Repository
	search  search.Client
	log     *logrus.Entry
	metrics *metrics.Registry
	queue   chan job
	wg      sync.WaitGroup
}

// New builds a Pool with threads workers draining a queue of size queueSize.
// reg may be nil, in which case the pool runs without metrics.
func New(repo Repository, searchClient search.Client, log *logrus.Entry, reg *metrics.Registry, threads, queueSize int) *Pool {
	if threads <= 0 {
		threads = 1
	}
	if queueSize <= 0 {
		queueSize = threads
	}
	p := &Pool{
		repo:    repo,
		search:  searchClient,
		log:     log,
		metrics: reg,
		queue:   make(chan job, queueSize),
	}
	for i := 0; i < threads; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Dispatch enqueues nodes for possible content fetch. It blocks if the queue
// is full, applying backpressure to the cycle thread rather than dropping
// work silently.
func (p *Pool) Dispatch(index string, nodes []model.Node) {
	for _, n := range nodes {
		p.queue <- job{index: index, node: n}
	}
}

// Close stops accepting new work and waits up to timeout for queued and
// in-flight jobs to drain. Jobs still outstanding past the deadline are
// abandoned; the pool's goroutines exit once the queue is empty regardless.
func (p *Pool) Close(timeout time.Duration) {
	close(p.queue)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("content pool drain timed out, abandoning in-flight jobs")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		p.process(j)
	}
}

func (p *Pool) process(j job) {
	log := p.log.WithField("nodeRef", j.node.NodeRef)

	store, _ := j.node.Properties["sys:store-identifier"].(string)
	if store != "SpacesStore" {
		p.skip()
		return
	}

	contentProp, ok := j.node.Properties["cm:content"].(map[string]any)
	if !ok {
		p.skip()
		return
	}
	newContentID, ok := contentProp["contentId"]
	if !ok || newContentID == nil {
		p.skip()
		return
	}

	docID, ok := bulkbuilder.NodeUUID(j.node.NodeRef)
	if !ok {
		log.Warn("content worker: nodeRef does not carry a UUID, skipping")
		return
	}

	doc, found, err := p.search.Get(context.Background(), j.index, docID)
	if err != nil {
		log.WithError(err).Error("content worker: failed to read current document")
		return
	}

	currentContentID := ""
	if found {
		if v, ok := doc[encode.Key("contentId")]; ok && v != nil {
			currentContentID = fmt.Sprintf("%v", v)
		}
	}
	if fmt.Sprintf("%v", newContentID) == currentContentID {
		p.skip()
		return
	}

	text, err := p.repo.GetTextContent(context.Background(), j.node.ID)
	if err != nil {
		log.WithError(err).Error("content worker: failed to fetch text content")
		return
	}

	params := map[string]any{
		"contentKey":   encode.Key("cm:content"),
		"content":      text,
		"contentIdKey": encode.Key("contentId"),
		"contentId":    newContentID,
	}
	if err := p.search.Update(context.Background(), j.index, docID, contentScript, params, 5); err != nil {
		log.WithError(err).Error("content worker: failed to patch content")
		return
	}
	if p.metrics != nil {
		p.metrics.ContentFetchedTotal.Inc()
	}
}

func (p *Pool) skip() {
	if p.metrics != nil {
		p.metrics.ContentSkippedTotal.Inc()
	}
}
