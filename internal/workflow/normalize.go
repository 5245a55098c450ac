package workflow

import (
	"encoding/json"
	"strings"
)

// NormalizePayload canonicalizes an externally-authored workflow payload.
//
// Two shapes are accepted: {"workflow": {...}} and the raw canvas shape
// {"nodes": [...], "edges": [...]}. The canvas shape is wrapped into the
// former. Node types are backfilled from data.nodeType, list-valued config
// entries authored as comma-separated strings are split, and edge isControl
// flags are normalized from booleans, "true" strings, or type == "control".
//
// The input is returned unchanged when neither shape is detectable.
func NormalizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}

	var wf map[string]any
	if inner, ok := payload["workflow"].(map[string]any); ok {
		wf = inner
	} else if _, ok := payload["nodes"]; ok {
		// Canvas shape: wrap into the workflow envelope
		wf = map[string]any{
			"nodes": payload["nodes"],
			"edges": payload["edges"],
		}
		if name, ok := payload["workflowName"]; ok {
			wf["name"] = name
		} else if name, ok := payload["name"]; ok {
			wf["name"] = name
		}
		if id, ok := payload["id"]; ok {
			wf["id"] = id
		}
		payload = map[string]any{"workflow": wf}
	} else {
		return payload
	}

	if nodes, ok := wf["nodes"].([]any); ok {
		for _, n := range nodes {
			node, ok := n.(map[string]any)
			if !ok {
				continue
			}
			normalizeNode(node)
		}
	}

	if edges, ok := wf["edges"].([]any); ok {
		for _, e := range edges {
			edge, ok := e.(map[string]any)
			if !ok {
				continue
			}
			edge["isControl"] = isControlEdge(edge)
		}
	}

	return payload
}

func normalizeNode(node map[string]any) {
	// Backfill type from data.nodeType
	typ, _ := node["type"].(string)
	if typ == "" {
		if data, ok := node["data"].(map[string]any); ok {
			if nt, ok := data["nodeType"].(string); ok && nt != "" {
				node["type"] = nt
			}
		}
	}

	config, ok := node["config"].(map[string]any)
	if !ok {
		return
	}
	for key, value := range config {
		if !isListConfigKey(key) {
			continue
		}
		s, ok := value.(string)
		if !ok || !strings.Contains(s, ",") {
			continue
		}
		parts := strings.Split(s, ",")
		list := make([]any, 0, len(parts))
		for _, p := range parts {
			list = append(list, strings.TrimSpace(p))
		}
		config[key] = list
	}
}

// isListConfigKey reports whether a config entry conventionally holds a list
func isListConfigKey(key string) bool {
	return key == "array" ||
		strings.HasSuffix(key, "Fields") ||
		strings.HasSuffix(key, "Keys") ||
		strings.HasSuffix(key, "Params")
}

func isControlEdge(edge map[string]any) bool {
	switch v := edge["isControl"].(type) {
	case bool:
		if v {
			return true
		}
	case string:
		if v == "true" {
			return true
		}
	}
	if t, ok := edge["type"].(string); ok && t == "control" {
		return true
	}
	return false
}

// ParseDefinition normalizes a raw submission payload and deserializes it
// into a Definition.
func ParseDefinition(raw []byte) (*Definition, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	normalized := NormalizePayload(payload)
	wf, ok := normalized["workflow"]
	if !ok {
		wf = normalized
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return nil, err
	}

	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}
