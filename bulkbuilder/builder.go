// Package bulkbuilder turns resolved nodes into the bulk upsert/delete
// operations the search client executes, and carries the field-extraction
// and normalization rules the wire format depends on.
package bulkbuilder

import (
	"fmt"
	"regexp"

	"txbridge.dev/encode"
	"txbridge.dev/model"
	"txbridge.dev/search"
)

// mergeScript enforces last-writer-wins keyed by METADATA_INDEXING_LAST_UPDATE:
// a write whose commit time is older than what's already stored is a no-op;
// otherwise (including an equal commit time) every param is written onto the
// document.
const mergeScript = `
if (ctx._source.containsKey(params.lastUpdateKey) && ctx._source[params.lastUpdateKey] > params[params.lastUpdateKey]) {
  ctx.op = 'noop';
} else {
  for (entry in params.entrySet()) {
    if (entry.getKey() != 'lastUpdateKey') {
      ctx._source[entry.getKey()] = entry.getValue();
    }
  }
}
`

// uuidPattern extracts the trailing UUID segment from a nodeRef of the form
// "<protocol>://<store>/<uuid>".
var uuidPattern = regexp.MustCompile(`.+://.+/(.+)`)

// retryOnConflict is the bulk-window conflict tolerance the spec requires.
const retryOnConflict = 5

const lastUpdateKey = "METADATA_INDEXING_LAST_UPDATE"

// NodeUUID extracts the document id from a nodeRef. ok is false if nodeRef
// does not match the expected form.
func NodeUUID(nodeRef string) (string, bool) {
	m := uuidPattern.FindStringSubmatch(nodeRef)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// BuildUpsert builds the bulk operation for one updated node. maxTxnCommitTime
// is the batch's max commit time, written under METADATA_INDEXING_LAST_UPDATE.
func BuildUpsert(index string, node model.Node, maxTxnCommitTime int64) (search.BulkOp, error) {
	id, ok := NodeUUID(node.NodeRef)
	if !ok {
		return search.BulkOp{}, fmt.Errorf("bulkbuilder: nodeRef %q does not match <protocol>://<store>/<uuid>", node.NodeRef)
	}

	fields := map[string]any{}
	var writtenNames []string
	put := func(name string, value any) {
		fields[encode.Key(name)] = value
		writtenNames = append(writtenNames, name)
	}

	put("TYPE", node.Type)
	if len(node.Ancestors) > 0 {
		put("PRIMARY_PARENT", node.Ancestors[0])
		put("PARENT", node.Ancestors)
	}
	put("READER", node.Readers)
	put(lastUpdateKey, maxTxnCommitTime)

	if v, ok := node.Properties["cm:creator"]; ok {
		put("USER_CREATOR", normalize(v))
	}
	if v, ok := node.Properties["cm:modifier"]; ok {
		put("USER_MODIFIER", normalize(v))
	}
	if v, ok := node.Properties["cm:created"]; ok {
		put("CREATION_DATE_FIELD", normalize(v))
	}
	if v, ok := node.Properties["cm:modified"]; ok {
		put("MODIFICATION_DATE_FIELD", normalize(v))
	}
	if v, ok := node.Properties["cm:name"]; ok {
		put("NAME", normalize(v))
	}

	for key, value := range node.Properties {
		if key == "cm:content.tr_status" || key == "cm:content" {
			continue
		}
		put(key, normalize(value))
	}

	owner := node.Properties["cm:owner"]
	if owner == nil {
		owner = node.Properties["cm:modifier"]
	}
	if owner != nil {
		put("OWNER", normalize(owner))
	}

	put("PROPERTIES", append([]string(nil), writtenNames...))
	put("ASPECT", node.Aspects)

	var tags []string
	for _, path := range node.NamePaths {
		if len(path) >= 2 && path[0] == "Tags" {
			tags = append(tags, path[1])
		}
	}
	if tags != nil {
		put("TAG", tags)
	}

	if content, ok := node.Properties["cm:content"].(map[string]any); ok {
		if v, ok := content["mimetype"]; ok {
			put("CONTENT_MIME_TYPE", v)
		}
		if v, ok := content["size"]; ok {
			put("CONTENT_SIZE", v)
		}
		if v, ok := content["encoding"]; ok {
			put("CONTENT_ENCODING", v)
		}
	}

	put("ALIVE", true)

	params := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		params[k] = v
	}
	params["lastUpdateKey"] = encode.Key(lastUpdateKey)

	return search.BulkOp{
		Index:  index,
		ID:     id,
		Doc:    fields,
		Script: mergeScript,
		Params: params,
	}, nil
}

// normalize applies the field-value normalization rules: locale-list
// flattening, entity-reference flattening, and recursive normalization of
// other collections.
func normalize(v any) any {
	switch val := v.(type) {
	case []any:
		if s, ok := localeValue(val); ok {
			return s
		}
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		if id, ok := val["id"]; ok {
			return id
		}
		return val
	default:
		return v
	}
}

// localeValue detects a list of maps whose first element has a "locale" key
// and either only "locale" or exactly {locale, value}. When it matches, it
// returns the "value" of the first element (empty string when absent).
func localeValue(list []any) (string, bool) {
	if len(list) == 0 {
		return "", false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return "", false
	}
	if _, hasLocale := first["locale"]; !hasLocale {
		return "", false
	}
	switch len(first) {
	case 1:
		return "", true
	case 2:
		if v, ok := first["value"]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

// BuildDelete returns the UUID to delete-by-query on field "id" for a
// deleted node's nodeRef.
func BuildDelete(nodeRef string) (string, error) {
	id, ok := NodeUUID(nodeRef)
	if !ok {
		return "", fmt.Errorf("bulkbuilder: nodeRef %q does not match <protocol>://<store>/<uuid>", nodeRef)
	}
	return id, nil
}

// DeleteField is the indexed field delete-by-query matches against. It is
// intentionally the string field "id", not the document's internal _id.
const DeleteField = "id"

// RetryOnConflict is exported for callers that need to surface it in logs.
const RetryOnConflict = retryOnConflict
