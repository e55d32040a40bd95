package snapshot

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// MarshalValue encodes a JSON-like value (nil, bool, numbers, string,
// []any, map[string]any) as JSON text.
func MarshalValue(v any) ([]byte, error) {
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("snapshot: unsupported value: %w", err)
	}
	b, err := protojson.Marshal(pv)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal value: %w", err)
	}
	return b, nil
}

// UnmarshalValue decodes JSON text into a JSON-like value. Numbers are
// decoded as float64.
func UnmarshalValue(b []byte) (any, error) {
	var pv structpb.Value
	if err := protojson.Unmarshal(b, &pv); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal value: %w", err)
	}
	return pv.AsInterface(), nil
}
