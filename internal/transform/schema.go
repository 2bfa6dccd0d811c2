package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// constraintKeys are JSON Schema keywords the backend rejects. Their values
// are preserved as a hint in the description instead of being lost.
var constraintKeys = []string{
	"minLength", "maxLength", "pattern", "format",
	"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf",
	"minItems", "maxItems", "uniqueItems",
	"minProperties", "maxProperties",
	"default", "examples",
}

// droppedKeys are removed without a trace.
var droppedKeys = []string{
	"$schema", "$id", "$comment", "$anchor",
	"additionalProperties", "unevaluatedProperties", "patternProperties", "propertyNames",
	"dependencies", "dependentRequired", "dependentSchemas",
	"if", "then", "else", "not",
	"contentEncoding", "contentMediaType", "readOnly", "writeOnly", "deprecated",
	"strict", "title", "discriminator",
}

const maxRefDepth = 8

// CleanSchema rewrites a tool input schema into the subset the backend accepts.
func CleanSchema(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return json.RawMessage(`{"type":"object","properties":{}}`), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid schema: expected object, got %T", root)
	}

	c := &schemaCleaner{defs: map[string]any{}}
	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := obj[key].(map[string]any); ok {
			for name, def := range defs {
				c.defs["#/"+key+"/"+name] = def
			}
		}
	}
	delete(obj, "$defs")
	delete(obj, "definitions")

	cleaned := c.clean(obj, 0)
	if m, ok := cleaned.(map[string]any); ok {
		if _, has := m["type"]; !has {
			m["type"] = "object"
		}
		if m["type"] == "object" {
			if _, has := m["properties"]; !has {
				m["properties"] = map[string]any{}
			}
		}
	}
	out, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return out, nil
}

type schemaCleaner struct {
	defs map[string]any
}

func (c *schemaCleaner) clean(node any, depth int) any {
	m, ok := node.(map[string]any)
	if !ok {
		return node
	}
	m = copyMap(m)
	var hints []string

	if ref, ok := m["$ref"].(string); ok {
		delete(m, "$ref")
		def, found := c.defs[ref]
		defMap, isMap := def.(map[string]any)
		if !found || !isMap || depth >= maxRefDepth {
			return map[string]any{
				"type":        "string",
				"description": appendHint(stringValue(m["description"]), "unresolved schema reference "+ref+", pass a JSON-encoded value"),
			}
		}
		merged := copyMap(defMap)
		for k, v := range m {
			merged[k] = v
		}
		return c.clean(merged, depth+1)
	}

	for _, key := range []string{"anyOf", "oneOf"} {
		branches, ok := m[key].([]any)
		if !ok {
			continue
		}
		delete(m, key)
		chosen, hint := pickBranch(branches)
		if hint != "" {
			hints = append(hints, hint)
		}
		if chosen != nil {
			resolved, _ := c.clean(chosen, depth+1).(map[string]any)
			for k, v := range resolved {
				if _, has := m[k]; !has {
					m[k] = v
				}
			}
		}
	}

	if branches, ok := m["allOf"].([]any); ok {
		delete(m, "allOf")
		for _, b := range branches {
			resolved, _ := c.clean(b, depth+1).(map[string]any)
			mergeAllOf(m, resolved)
		}
	}

	if types, ok := m["type"].([]any); ok {
		var kept []string
		nullable := false
		for _, t := range types {
			s := stringValue(t)
			if s == "null" {
				nullable = true
				continue
			}
			kept = append(kept, s)
		}
		switch len(kept) {
		case 0:
			m["type"] = "string"
		default:
			m["type"] = kept[0]
			if len(kept) > 1 {
				hints = append(hints, "accepts "+strings.Join(kept, " | "))
			}
		}
		if nullable {
			hints = append(hints, "nullable")
		}
	}

	if v, ok := m["const"]; ok {
		delete(m, "const")
		if s, isStr := v.(string); isStr {
			m["enum"] = []any{s}
		} else {
			hints = append(hints, fmt.Sprintf("const: %v", v))
		}
	}
	if enum, ok := m["enum"].([]any); ok {
		strs := make([]any, 0, len(enum))
		for _, e := range enum {
			if e == nil {
				continue
			}
			strs = append(strs, fmt.Sprintf("%v", e))
		}
		m["enum"] = strs
		if _, has := m["type"]; !has {
			m["type"] = "string"
		}
	}

	for _, key := range constraintKeys {
		if v, ok := m[key]; ok {
			hints = append(hints, fmt.Sprintf("%s: %s", key, hintValue(v)))
			delete(m, key)
		}
	}
	for _, key := range droppedKeys {
		delete(m, key)
	}

	if props, ok := m["properties"].(map[string]any); ok {
		cleaned := make(map[string]any, len(props))
		for name, p := range props {
			cleaned[name] = c.clean(p, depth)
		}
		m["properties"] = cleaned
		if _, has := m["type"]; !has {
			m["type"] = "object"
		}
	}
	switch items := m["items"].(type) {
	case map[string]any:
		m["items"] = c.clean(items, depth)
	case []any:
		if len(items) > 0 {
			m["items"] = c.clean(items[0], depth)
		} else {
			delete(m, "items")
		}
	}
	if m["type"] == "array" {
		if _, has := m["items"]; !has {
			m["items"] = map[string]any{"type": "string"}
		}
	}

	if req, ok := m["required"].([]any); ok {
		props, _ := m["properties"].(map[string]any)
		kept := make([]any, 0, len(req))
		for _, r := range req {
			if name, isStr := r.(string); isStr {
				if _, exists := props[name]; exists {
					kept = append(kept, name)
				}
			}
		}
		if len(kept) == 0 {
			delete(m, "required")
		} else {
			m["required"] = kept
		}
	}

	if len(hints) > 0 {
		m["description"] = appendHint(stringValue(m["description"]), strings.Join(hints, ", "))
	}
	return m
}

// pickBranch selects the first non-null union branch and describes the rest.
func pickBranch(branches []any) (any, string) {
	var chosen any
	var kinds []string
	nullable := false
	for _, b := range branches {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		t := stringValue(bm["type"])
		if t == "null" {
			nullable = true
			continue
		}
		if chosen == nil {
			chosen = bm
		}
		if t == "" {
			if ref := stringValue(bm["$ref"]); ref != "" {
				t = ref[strings.LastIndex(ref, "/")+1:]
			} else {
				t = "object"
			}
		}
		kinds = append(kinds, t)
	}
	var hint []string
	if len(kinds) > 1 {
		hint = append(hint, "accepts "+strings.Join(kinds, " | "))
	}
	if nullable {
		hint = append(hint, "nullable")
	}
	return chosen, strings.Join(hint, ", ")
}

func mergeAllOf(dst, src map[string]any) {
	for k, v := range src {
		switch k {
		case "properties":
			dp, _ := dst["properties"].(map[string]any)
			if dp == nil {
				dp = map[string]any{}
			}
			if sp, ok := v.(map[string]any); ok {
				for name, p := range sp {
					dp[name] = p
				}
			}
			dst["properties"] = dp
		case "required":
			dr, _ := dst["required"].([]any)
			if sr, ok := v.([]any); ok {
				dst["required"] = append(dr, sr...)
			}
		default:
			if _, has := dst[k]; !has {
				dst[k] = v
			}
		}
	}
}

func appendHint(desc, hint string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "(" + hint + ")"
	}
	return desc + " (" + hint + ")"
}

func hintValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any, map[string]any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
