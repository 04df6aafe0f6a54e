package syncengine

import (
	"encoding/json"
)

// Patch is a partial view of a synchronized value, one entry per field.
type Patch = map[string]any

// MergeFunc combines a base value with a partial local change into one
// authoritative value. Must be a pure function: the synchronizer replays
// the pending log through it, so the same base and the same ordered
// changes must always produce the same result.
type MergeFunc[T any] func(base T, patch Patch) T

type ValidateFunc[T any] func(data T) error

// default merge strategy: shallow field overwrite, last write wins per
// field. Fields not named in the patch keep their base value.
func ShallowMerge[T any](base T, patch Patch) T {
	fields := toFieldMap(base)
	for field, value := range patch {
		fields[field] = value
	}
	return fromFieldMap(fields, base)
}

// removes the named fields. A removed struct field decodes back to its
// zero value.
func deleteFields[T any](base T, fields []string) T {
	fieldMap := toFieldMap(base)
	for _, field := range fields {
		delete(fieldMap, field)
	}
	return fromFieldMap(fieldMap, base)
}

// field-level views of T go through json so that one merge strategy works
// for structs and maps alike
func toFieldMap[T any](data T) map[string]any {
	b, err := json.Marshal(data)
	if err != nil {
		return map[string]any{}
	}
	fields := map[string]any{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return map[string]any{}
	}
	return fields
}

func fromFieldMap[T any](fields map[string]any, fallback T) T {
	b, err := json.Marshal(fields)
	if err != nil {
		return fallback
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return fallback
	}
	return out
}
