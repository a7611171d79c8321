package bulkbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txbridge.dev/encode"
	"txbridge.dev/model"
)

func TestNodeUUID_ExtractsTrailingSegment(t *testing.T) {
	id, ok := NodeUUID("workspace://SpacesStore/abc-123")
	require.True(t, ok)
	assert.Equal(t, "abc-123", id)
}

func TestNodeUUID_RejectsMalformedRef(t *testing.T) {
	_, ok := NodeUUID("not-a-noderef")
	assert.False(t, ok)
}

func TestBuildUpsert_DocumentIDIsUUID(t *testing.T) {
	node := model.Node{
		NodeRef:    "workspace://SpacesStore/abc-123",
		Type:       "cm:content",
		Properties: map[string]any{"cm:name": "report.pdf"},
	}
	op, err := BuildUpsert("alfresco", node, 100)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", op.ID)
	assert.Equal(t, true, op.Doc[encode.Key("ALIVE")])
	assert.Equal(t, "report.pdf", op.Doc[encode.Key("cm:name")])
}

func TestBuildUpsert_LocaleFieldFlattening(t *testing.T) {
	node := model.Node{
		NodeRef: "workspace://SpacesStore/abc-123",
		Properties: map[string]any{
			"cm:title": []any{map[string]any{"locale": "en", "value": "Hello"}},
		},
	}
	op, err := BuildUpsert("alfresco", node, 100)
	require.NoError(t, err)
	assert.Equal(t, "Hello", op.Doc[encode.Key("cm:title")])
}

func TestBuildUpsert_LocaleOnlyFlattensToEmptyString(t *testing.T) {
	node := model.Node{
		NodeRef: "workspace://SpacesStore/abc-123",
		Properties: map[string]any{
			"cm:title": []any{map[string]any{"locale": "en"}},
		},
	}
	op, err := BuildUpsert("alfresco", node, 100)
	require.NoError(t, err)
	assert.Equal(t, "", op.Doc[encode.Key("cm:title")])
}

func TestBuildUpsert_EntityReferenceFlattening(t *testing.T) {
	node := model.Node{
		NodeRef: "workspace://SpacesStore/abc-123",
		Properties: map[string]any{
			"cm:category": map[string]any{"id": "cat-1"},
		},
	}
	op, err := BuildUpsert("alfresco", node, 100)
	require.NoError(t, err)
	assert.Equal(t, "cat-1", op.Doc[encode.Key("cm:category")])
}

func TestBuildUpsert_TagsFromNamePaths(t *testing.T) {
	node := model.Node{
		NodeRef:   "workspace://SpacesStore/abc-123",
		NamePaths: [][]string{{"Tags", "urgent"}, {"Company Home", "Sites"}},
	}
	op, err := BuildUpsert("alfresco", node, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent"}, op.Doc[encode.Key("TAG")])
}

func TestBuildUpsert_OwnerFallsBackToModifier(t *testing.T) {
	node := model.Node{
		NodeRef:    "workspace://SpacesStore/abc-123",
		Properties: map[string]any{"cm:modifier": "jdoe"},
	}
	op, err := BuildUpsert("alfresco", node, 100)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", op.Doc[encode.Key("OWNER")])
}

func TestBuildUpsert_ExcludesTrStatusAndContent(t *testing.T) {
	node := model.Node{
		NodeRef: "workspace://SpacesStore/abc-123",
		Properties: map[string]any{
			"cm:content.tr_status": "done",
			"cm:content":           map[string]any{"mimetype": "application/pdf"},
		},
	}
	op, err := BuildUpsert("alfresco", node, 100)
	require.NoError(t, err)
	_, hasStatus := op.Doc[encode.Key("cm:content.tr_status")]
	_, hasContent := op.Doc[encode.Key("cm:content")]
	assert.False(t, hasStatus)
	assert.False(t, hasContent)
	assert.Equal(t, "application/pdf", op.Doc[encode.Key("CONTENT_MIME_TYPE")])
}

func TestBuildDelete_ExtractsUUID(t *testing.T) {
	id, err := BuildDelete("workspace://SpacesStore/abc-123")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
}

func TestBuildDelete_RejectsMalformed(t *testing.T) {
	_, err := BuildDelete("garbage")
	assert.Error(t, err)
}
