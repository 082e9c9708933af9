// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mutation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/opsync/services/opsync/model"
)

// PlaceholderPrefix marks ids generated locally for records not yet
// confirmed by the server.
const PlaceholderPrefix = "tmp-"

// Entity is anything stored in a collection.
type Entity interface {
	EntityID() string
}

// Fields is a partial record: the caller-supplied values of a create or
// update.
type Fields map[string]any

// Record is the schemaless entity used when no Go type exists for a
// collection. Its id is the "id" field.
type Record map[string]any

// EntityID returns the record's id as a string.
func (r Record) EntityID() string {
	return model.IDString(r["id"])
}

// IsPlaceholder reports whether id was generated locally.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

var errNoRecord = errors.New("response carries no record")

// =============================================================================
// JSON conversions
// =============================================================================

// toFields flattens an entity to its JSON object form.
func toFields[T Entity](v T) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var out Fields
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	return out, nil
}

// fromFields builds an entity from its JSON object form.
func fromFields[T Entity](f Fields) (T, error) {
	var out T
	data, err := json.Marshal(f)
	if err != nil {
		return out, fmt.Errorf("encode fields: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

// merge returns base with data laid over it. base is not modified.
func merge[T Entity](base T, data Fields) (T, error) {
	fields, err := toFields(base)
	if err != nil {
		var zero T
		return zero, err
	}
	for k, v := range data {
		fields[k] = v
	}
	return fromFields[T](fields)
}

// decodeRecord extracts one record from a create or update response.
//
// Accepted shapes: the record itself, {"data": record}, or
// {"<key>": record} for any of keys. A record must carry an id.
func decodeRecord[T Entity](body []byte, keys ...string) (T, error) {
	var zero T
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return zero, errNoRecord
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return zero, fmt.Errorf("decode response: %w", err)
	}

	candidates := [][]byte{body}
	for _, key := range append([]string{"data"}, keys...) {
		if raw, ok := envelope[key]; ok {
			candidates = append(candidates, raw)
		}
	}
	for _, raw := range candidates {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.EntityID() != "" {
			return rec, nil
		}
	}
	return zero, errNoRecord
}

// decodeList extracts a list from any of the accepted shapes: a bare
// array, {"data": [...]}, or {"<collection>": [...]}.
func decodeList[T Entity](body []byte, collection string) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty list response")
	}

	raw := body
	if body[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("decode list envelope: %w", err)
		}
		var ok bool
		if raw, ok = envelope["data"]; !ok {
			if raw, ok = envelope[collection]; !ok {
				return nil, fmt.Errorf("list response has neither %q nor %q", "data", collection)
			}
		}
	}

	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}
