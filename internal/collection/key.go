package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Key derives the namespace-relative cache key for params within collection.
// Params are canonicalized so logically equal objects yield the same key
// regardless of field or insertion order.
func Key(collection string, params any) (string, error) {
	key, _, err := keyFor(collection, params)
	return key, err
}

func keyFor(collection string, params any) (string, json.RawMessage, error) {
	canonical, err := canonicalParams(params)
	if err != nil {
		return "", nil, err
	}
	return collectionPrefix(collection) + string(canonical), canonical, nil
}

func collectionPrefix(collection string) string {
	return collection + ":"
}

// canonicalParams encodes params as JSON with object keys sorted at every
// depth. Structs are normalized through a generic decode so a struct and a
// map carrying the same fields produce identical output.
func canonicalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("collection: encode params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("collection: normalize params: %w", err)
	}
	if generic == nil {
		return json.RawMessage("{}"), nil
	}
	// encoding/json writes map keys in sorted order.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("collection: encode canonical params: %w", err)
	}
	return canonical, nil
}

func validCollectionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("collection: name required")
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("collection: name %q must not contain ':'", name)
	}
	return nil
}
