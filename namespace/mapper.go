// Package namespace builds and republishes the URI-to-prefix mapping used to
// rewrite property keys from their qualified-name form ({uri}local) into the
// short prefixed form (prefix:local).
package namespace

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"txbridge.dev/model"
	"txbridge.dev/repository"
)

// Repository is the subset of repository.Client the mapper needs.
type Repository interface {
	ModelsDiff(ctx context.Context, models []string) ([]repository.ModelDiff, error)
	GetModel(ctx context.Context, modelQName string) ([]byte, error)
}

// Mapper rebuilds the process-wide namespace mapping at the start of every
// cycle and publishes it atomically so concurrent readers during the cycle
// never observe a partial rebuild.
type Mapper struct {
	repo    Repository
	log     *logrus.Entry
	current atomic.Pointer[model.NamespaceMapping]
}

// New returns a Mapper with an empty mapping published.
func New(repo Repository, log *logrus.Entry) *Mapper {
	m := &Mapper{repo: repo, log: log}
	m.current.Store(model.NewNamespaceMapping())
	return m
}

// Current returns the mapping published by the most recent successful Sync.
func (m *Mapper) Current() *model.NamespaceMapping {
	return m.current.Load()
}

// Sync clears and rebuilds the mapping. It asks the repository for the
// current model list (an empty models filter), then fetches and parses each
// model's XML. A parse failure for one model is logged and that model is
// skipped; Sync as a whole only fails if the model list itself could not be
// retrieved.
func (m *Mapper) Sync(ctx context.Context) error {
	diffs, err := m.repo.ModelsDiff(ctx, nil)
	if err != nil {
		return fmt.Errorf("namespace: fetch model list: %w", err)
	}

	next := model.NewNamespaceMapping()
	for _, d := range diffs {
		xmlBody, err := m.repo.GetModel(ctx, d.Name)
		if err != nil {
			m.log.WithError(err).WithField("model", d.Name).Warn("skipping model: fetch failed")
			continue
		}
		uri, prefix, err := parseModel(xmlBody)
		if err != nil {
			m.log.WithError(err).WithField("model", d.Name).Warn("skipping model: parse failed")
			continue
		}
		next.Set(uri, prefix)
	}

	m.current.Store(next)
	return nil
}

// parseModel streams the model XML looking for the <model> element
// (matched by local name, ignoring whatever namespace prefix the document
// uses). It returns the element's own XML namespace as the {uri} and the
// prefix parsed from its name attribute, which has the form
// "prefix:localName".
func parseModel(xmlBody []byte) (uri string, prefix string, err error) {
	dec := xml.NewDecoder(strings.NewReader(string(xmlBody)))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("namespace: tokenize model xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "model" {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local != "name" {
				continue
			}
			prefix, local, ok := strings.Cut(attr.Value, ":")
			if !ok || local == "" {
				return "", "", fmt.Errorf("namespace: model name %q is not prefix:localName", attr.Value)
			}
			return "{" + start.Name.Space + "}", prefix, nil
		}
		return "", "", fmt.Errorf("namespace: <model> element has no name attribute")
	}
	return "", "", fmt.Errorf("namespace: no <model> element found")
}
