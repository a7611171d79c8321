// Package metadata resolves transaction-node headers into full Node records:
// batched metadata fetch, ACL readers attachment, and namespace-prefix
// rewriting of property keys.
package metadata

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"txbridge.dev/model"
)

// Repository is the subset of repository.Client the resolver needs.
type Repository interface {
	GetMetadata(ctx context.Context, nodeIDs []int64) ([]model.Node, error)
	GetAclsReaders(ctx context.Context, aclIDs []int) ([]model.AclReaders, error)
}

// Resolver attaches metadata, ACL readers, and prefixed property keys to a
// batch of updated transaction-nodes.
type Resolver struct {
	repo      Repository
	log       *logrus.Entry
	batchSize int
}

// New returns a Resolver that fetches metadata in batches of batchSize.
func New(repo Repository, log *logrus.Entry, batchSize int) *Resolver {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Resolver{repo: repo, log: log, batchSize: batchSize}
}

// Resolve fetches full metadata for the "u" nodes in txnNodes, attaches ACL
// readers, and rewrites property keys from {uri}local to prefix:local using
// ns. Nodes whose property namespace has no entry in ns keep the {uri}local
// form and are logged.
func (r *Resolver) Resolve(ctx context.Context, txnNodes []model.TransactionNode, ns *model.NamespaceMapping) ([]model.Node, error) {
	var updateIDs []int64
	for _, tn := range txnNodes {
		if tn.Status == model.NodeStatusUpdate {
			updateIDs = append(updateIDs, tn.ID)
		}
	}
	if len(updateIDs) == 0 {
		return nil, nil
	}

	nodes := make([]model.Node, 0, len(updateIDs))
	for start := 0; start < len(updateIDs); start += r.batchSize {
		end := start + r.batchSize
		if end > len(updateIDs) {
			end = len(updateIDs)
		}
		batch, err := r.repo.GetMetadata(ctx, updateIDs[start:end])
		if err != nil {
			return nil, fmt.Errorf("metadata: fetch batch: %w", err)
		}
		nodes = append(nodes, batch...)
	}

	aclIDs := distinctAclIDs(nodes)
	readersByAcl := map[int]model.AclReaders{}
	if len(aclIDs) > 0 {
		aclReaders, err := r.repo.GetAclsReaders(ctx, aclIDs)
		if err != nil {
			return nil, fmt.Errorf("metadata: fetch acl readers: %w", err)
		}
		for _, ar := range aclReaders {
			readersByAcl[ar.AclID] = ar
		}
	}

	for i := range nodes {
		if ar, ok := readersByAcl[nodes[i].AclID]; ok {
			nodes[i].Readers = ar.Readers
		} else {
			nodes[i].Readers = []string{}
		}
		nodes[i].Properties = r.rewriteKeys(nodes[i].Properties, ns)
	}
	return nodes, nil
}

func distinctAclIDs(nodes []model.Node) []int {
	seen := map[int]struct{}{}
	var ids []int
	for _, n := range nodes {
		if _, ok := seen[n.AclID]; ok {
			continue
		}
		seen[n.AclID] = struct{}{}
		ids = append(ids, n.AclID)
	}
	return ids
}

// rewriteKeys rewrites every {uri}local key in props to prefix:local. Keys
// whose namespace is not in ns are logged and kept in their original
// {uri}local form.
func (r *Resolver) rewriteKeys(props map[string]any, ns *model.NamespaceMapping) map[string]any {
	if len(props) == 0 {
		return props
	}
	rewritten := make(map[string]any, len(props))
	for key, value := range props {
		uri, local, ok := splitQName(key)
		if !ok {
			rewritten[key] = value
			continue
		}
		prefix, found := ns.Prefix(uri)
		if !found {
			r.log.WithField("key", key).Warn("no namespace mapping for property key, keeping qualified form")
			rewritten[key] = value
			continue
		}
		rewritten[prefix+":"+local] = value
	}
	return rewritten
}

// splitQName splits a "{uri}local" key into its uri and local parts. ok is
// false when key is not in that form.
func splitQName(key string) (uri string, local string, ok bool) {
	if len(key) == 0 || key[0] != '{' {
		return "", "", false
	}
	end := -1
	for i, c := range key {
		if c == '}' {
			end = i
			break
		}
	}
	if end < 0 || end == len(key)-1 {
		return "", "", false
	}
	return key[:end+1], key[end+1:], true
}
