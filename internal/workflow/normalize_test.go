package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	return payload
}

func TestNormalizePayload_WorkflowShape(t *testing.T) {
	payload := decode(t, `{
		"workflow": {
			"name": "etl",
			"nodes": [{"id": "n1", "type": "FileSource"}],
			"edges": []
		}
	}`)

	normalized := NormalizePayload(payload)
	wf, ok := normalized["workflow"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "etl", wf["name"])
}

func TestNormalizePayload_CanvasShapeWrapped(t *testing.T) {
	payload := decode(t, `{
		"workflowName": "canvas",
		"id": "wf-1",
		"nodes": [{"id": "n1", "type": "FileSource"}],
		"edges": []
	}`)

	normalized := NormalizePayload(payload)
	wf, ok := normalized["workflow"].(map[string]any)
	require.True(t, ok, "canvas shape is wrapped into the workflow envelope")
	assert.Equal(t, "canvas", wf["name"])
	assert.Equal(t, "wf-1", wf["id"])
}

func TestNormalizePayload_TypeBackfilledFromData(t *testing.T) {
	payload := decode(t, `{
		"workflow": {
			"name": "x",
			"nodes": [{"id": "n1", "data": {"nodeType": "Filter"}}],
			"edges": []
		}
	}`)

	normalized := NormalizePayload(payload)
	nodes := normalized["workflow"].(map[string]any)["nodes"].([]any)
	assert.Equal(t, "Filter", nodes[0].(map[string]any)["type"])
}

func TestNormalizePayload_CommaListSplitting(t *testing.T) {
	payload := decode(t, `{
		"workflow": {
			"name": "x",
			"nodes": [{
				"id": "n1",
				"type": "DBSink",
				"config": {
					"columnFields": "a, b ,c",
					"partitionKeys": "k1,k2",
					"array": "x,y",
					"queryParams": "p1, p2",
					"plainValue": "u,v",
					"table": "t"
				}
			}],
			"edges": []
		}
	}`)

	normalized := NormalizePayload(payload)
	config := normalized["workflow"].(map[string]any)["nodes"].([]any)[0].(map[string]any)["config"].(map[string]any)

	assert.Equal(t, []any{"a", "b", "c"}, config["columnFields"])
	assert.Equal(t, []any{"k1", "k2"}, config["partitionKeys"])
	assert.Equal(t, []any{"x", "y"}, config["array"])
	assert.Equal(t, []any{"p1", "p2"}, config["queryParams"])
	assert.Equal(t, "u,v", config["plainValue"], "only list-conventional keys are split")
	assert.Equal(t, "t", config["table"])
}

func TestNormalizePayload_IsControlVariants(t *testing.T) {
	payload := decode(t, `{
		"workflow": {
			"name": "x",
			"nodes": [],
			"edges": [
				{"source": "a", "target": "b", "isControl": true},
				{"source": "a", "target": "b", "isControl": "true"},
				{"source": "a", "target": "b", "type": "control"},
				{"source": "a", "target": "b"},
				{"source": "a", "target": "b", "isControl": false}
			]
		}
	}`)

	normalized := NormalizePayload(payload)
	edges := normalized["workflow"].(map[string]any)["edges"].([]any)

	expected := []bool{true, true, true, false, false}
	for i, want := range expected {
		edge := edges[i].(map[string]any)
		assert.Equal(t, want, edge["isControl"], "edge %d", i)
	}
}

func TestNormalizePayload_UnrecognizedShapeUnchanged(t *testing.T) {
	payload := decode(t, `{"something": "else"}`)
	normalized := NormalizePayload(payload)
	assert.Equal(t, payload, normalized)
}

func TestNormalizePayload_Idempotent(t *testing.T) {
	raw := `{
		"workflowName": "canvas",
		"nodes": [{
			"id": "n1",
			"data": {"nodeType": "DBSink"},
			"config": {"columnFields": "a,b"}
		}],
		"edges": [{"source": "n0", "target": "n1", "type": "control"}]
	}`

	once := NormalizePayload(decode(t, raw))
	onceCopy := decode(t, mustMarshal(t, once))
	twice := NormalizePayload(onceCopy)

	assert.Equal(t, once, twice, "normalize(normalize(x)) == normalize(x)")
}

func mustMarshal(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestParseDefinition(t *testing.T) {
	raw := []byte(`{
		"workflowName": "canvas",
		"id": "wf-9",
		"nodes": [
			{"id": "Start", "type": "Start"},
			{"id": "Src", "data": {"nodeType": "FileSource"}, "config": {"path": "/tmp/in"}}
		],
		"edges": [{"source": "Start", "target": "Src", "type": "control"}]
	}`)

	def, err := ParseDefinition(raw)
	require.NoError(t, err)

	assert.Equal(t, "wf-9", def.ID)
	assert.Equal(t, "canvas", def.Name)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, "FileSource", def.Nodes[1].Type)
	require.Len(t, def.Edges, 1)
	assert.True(t, def.Edges[0].IsControl)
}

func TestParseDefinition_MalformedJSON(t *testing.T) {
	_, err := ParseDefinition([]byte(`{not json`))
	require.Error(t, err)
}

func TestEdgePortDefaults(t *testing.T) {
	edge := Edge{Source: "a", Target: "b"}
	assert.Equal(t, "out", edge.SourcePort())
	assert.Equal(t, "in", edge.TargetPort())

	named := Edge{Source: "a", Target: "b", SourceHandle: "out2", TargetHandle: "left"}
	assert.Equal(t, "out2", named.SourcePort())
	assert.Equal(t, "left", named.TargetPort())
}

func TestExecutionLogFormats(t *testing.T) {
	entry := NewExecutionLog("INFO", "exec-1", "wf-1", "hello")
	assert.Equal(t, "INFO", entry.Level)
	assert.Greater(t, entry.Timestamp, int64(0))
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, entry.Datetime)

	withNode := entry.WithNode("n1")
	require.NotNil(t, withNode.NodeID)
	assert.Equal(t, "n1", *withNode.NodeID)
	assert.Nil(t, entry.NodeID, "WithNode returns a copy")
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.True(t, ExecutionStatusSuccess.IsTerminal())
	assert.True(t, ExecutionStatusFailed.IsTerminal())
	assert.True(t, ExecutionStatusCancelled.IsTerminal())
	assert.False(t, ExecutionStatusRunning.IsTerminal())
	assert.False(t, ExecutionStatusCancelRequested.IsTerminal())
}
