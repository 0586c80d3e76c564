package bolt

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/quarrydb/quarry/pkg/types"
)

// Record payload flags. The first byte of every stored value selects the
// payload encoding so compression can be toggled without rewriting data.
const (
	payloadRaw    = 0x00
	payloadSnappy = 0x01
)

func encodeRecord(rec types.Record, compress bool) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("bolt: encoding record: %w", err)
	}
	if !compress {
		return append([]byte{payloadRaw}, raw...), nil
	}
	out := snappy.Encode(nil, raw)
	return append([]byte{payloadSnappy}, out...), nil
}

func decodeRecord(value []byte) (types.Record, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("bolt: empty record payload")
	}
	raw := value[1:]
	switch value[0] {
	case payloadRaw:
	case payloadSnappy:
		var err error
		raw, err = snappy.Decode(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("bolt: decompressing record: %w", err)
		}
	default:
		return nil, fmt.Errorf("bolt: unknown payload flag 0x%02x", value[0])
	}
	var rec types.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("bolt: decoding record: %w", err)
	}
	return rec, nil
}

func encodePrimaryKey(pk []any) ([]byte, error) {
	raw, err := json.Marshal(pk)
	if err != nil {
		return nil, fmt.Errorf("bolt: encoding primary key: %w", err)
	}
	return raw, nil
}

func decodePrimaryKey(value []byte) ([]any, error) {
	var pk []any
	if err := json.Unmarshal(value, &pk); err != nil {
		return nil, fmt.Errorf("bolt: decoding primary key: %w", err)
	}
	return pk, nil
}
