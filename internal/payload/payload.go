// Package payload normalizes the loosely-shaped JSON documents returned by
// the upstream listings API. Values are parsed into an ordered tree so that
// object keys keep their document order.
package payload

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/jsonlite"
)

// Parse decodes a response body. An empty body is treated as JSON null.
func Parse(body []byte) (*jsonlite.Value, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return jsonlite.Parse("null")
	}
	v, err := jsonlite.Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing JSON payload: %w", err)
	}
	return v, nil
}

// Text renders a value as an identifier or cell string: strings are
// unquoted, numbers keep their literal form, everything else is compact JSON.
func Text(v *jsonlite.Value) string {
	switch v.Kind() {
	case jsonlite.String, jsonlite.Number:
		return v.String()
	default:
		return string(v.Compact(nil))
	}
}

// ListingIDs extracts listing identifiers in encounter order. Accepted shapes:
//
//	["a", 2, ...]            scalars, stringified
//	[{"id": 1}, ...]         the id field of each object
//	{"results": [...]}       the same element rules applied to results
//	{"a": {...}, "b": ...}   the object's own keys
//
// Any other payload yields no IDs. Duplicates are kept.
func ListingIDs(v *jsonlite.Value) []string {
	ids := []string{}
	if v == nil {
		return ids
	}

	switch v.Kind() {
	case jsonlite.Array:
		return appendElementIDs(ids, v)
	case jsonlite.Object:
		if results := v.Lookup("results"); results != nil && results.Kind() == jsonlite.Array {
			return appendElementIDs(ids, results)
		}
		for key := range v.Object {
			ids = append(ids, key)
		}
		return ids
	default:
		return ids
	}
}

// appendElementIDs decides element by element: an object carrying an id
// contributes that id, anything else is stringified whole.
func appendElementIDs(ids []string, list *jsonlite.Value) []string {
	for elem := range list.Array {
		if elem.Kind() == jsonlite.Object {
			if id := elem.Lookup("id"); id != nil {
				ids = append(ids, Text(id))
				continue
			}
		}
		ids = append(ids, Text(elem))
	}
	return ids
}

// Records extracts metric records from a metrics payload:
//
//	null                 no records
//	[...]                the array elements, unvalidated
//	{"data": [...]}      the data array
//	{"results": [...]}   the results array, when data is not an array
//	{...}                the object itself as a single record
//
// Any other payload yields no records.
func Records(v *jsonlite.Value) []*jsonlite.Value {
	records := []*jsonlite.Value{}
	if v == nil {
		return records
	}

	switch v.Kind() {
	case jsonlite.Array:
		return appendElements(records, v)
	case jsonlite.Object:
		for _, key := range []string{"data", "results"} {
			if nested := v.Lookup(key); nested != nil && nested.Kind() == jsonlite.Array {
				return appendElements(records, nested)
			}
		}
		return append(records, v)
	default:
		return records
	}
}

func appendElements(dst []*jsonlite.Value, list *jsonlite.Value) []*jsonlite.Value {
	for elem := range list.Array {
		dst = append(dst, elem)
	}
	return dst
}
