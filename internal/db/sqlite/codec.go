package sqlite

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/aidanlsb/stellator/internal/db"
)

// Structured values are stored as msgpack behind a one byte header.
const (
	blobPlain  byte = 0
	blobSnappy byte = 1
)

// packValue encodes a structured value. Compressed schemes store it snappy
// encoded.
func packValue(v db.Value, compress bool) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode value")
	}
	if compress {
		return append([]byte{blobSnappy}, snappy.Encode(nil, raw)...), nil
	}
	return append([]byte{blobPlain}, raw...), nil
}

func unpackValue(b []byte) (db.Value, error) {
	if len(b) == 0 {
		return nil, nil
	}
	raw := b[1:]
	switch b[0] {
	case blobPlain:
	case blobSnappy:
		var err error
		if raw, err = snappy.Decode(nil, raw); err != nil {
			return nil, errors.Wrap(err, "decompress value")
		}
	default:
		return nil, errors.Errorf("unknown value encoding %d", b[0])
	}
	var v interface{}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "decode value")
	}
	return db.Normalize(v), nil
}

// encodeField converts a canonical value into the column representation of
// f. Values the column cannot hold become NULL.
func encodeField(f *db.Field, v db.Value, compress bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type() {
	case db.TypeInteger:
		if n, ok := db.AsInt64(v); ok {
			return n, nil
		}
		return nil, nil
	case db.TypeFloat:
		if n, ok := db.AsFloat64(v); ok {
			return n, nil
		}
		return nil, nil
	case db.TypeBoolean:
		switch t := v.(type) {
		case bool:
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		default:
			if n, ok := db.AsInt64(v); ok && n != 0 {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case db.TypeText:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return db.AsString(v), nil
	case db.TypeBytes:
		switch t := v.(type) {
		case []byte:
			return t, nil
		case string:
			return []byte(t), nil
		}
		return nil, nil
	case db.TypeData, db.TypeExtra, db.TypeCustom:
		return packValue(v, compress)
	case db.TypeObject, db.TypeFile, db.TypeImage:
		if id := db.ObjectID(v); id != 0 {
			return id, nil
		}
		return nil, nil
	}
	return nil, errors.Errorf("field %s has no column", f.Name())
}

// decodeField converts a column value read from the driver back into a
// canonical value.
func decodeField(f *db.Field, raw any) (db.Value, error) {
	if raw == nil {
		return nil, nil
	}
	switch f.Type() {
	case db.TypeBoolean:
		n, _ := db.AsInt64(raw)
		return n != 0, nil
	case db.TypeFloat:
		if n, ok := db.AsFloat64(raw); ok {
			return n, nil
		}
		return nil, nil
	case db.TypeInteger, db.TypeObject, db.TypeFile, db.TypeImage:
		if n, ok := raw.(int64); ok {
			return n, nil
		}
		n, _ := db.AsInt64(raw)
		return n, nil
	case db.TypeText:
		switch t := raw.(type) {
		case string:
			return t, nil
		case []byte:
			return string(t), nil
		}
		return db.AsString(raw), nil
	case db.TypeBytes:
		switch t := raw.(type) {
		case []byte:
			return append([]byte(nil), t...), nil
		case string:
			return []byte(t), nil
		}
		return nil, nil
	case db.TypeData, db.TypeExtra, db.TypeCustom:
		b, ok := raw.([]byte)
		if !ok {
			return nil, errors.Errorf("field %s: unexpected %T", f.Name(), raw)
		}
		return unpackValue(b)
	}
	return db.Normalize(raw), nil
}

// encodeElement converts an Array element for its side table column.
func encodeElement(elem *db.Field, v db.Value) (any, error) {
	if elem == nil {
		return db.AsString(v), nil
	}
	switch elem.Type() {
	case db.TypeInteger, db.TypeFloat, db.TypeBoolean, db.TypeText, db.TypeBytes:
		return encodeField(elem, v, false)
	}
	return packValue(v, false)
}

func decodeElement(elem *db.Field, raw any) (db.Value, error) {
	if elem == nil {
		return db.Normalize(raw), nil
	}
	switch elem.Type() {
	case db.TypeInteger, db.TypeFloat, db.TypeBoolean, db.TypeText, db.TypeBytes:
		return decodeField(elem, raw)
	}
	if b, ok := raw.([]byte); ok {
		return unpackValue(b)
	}
	return db.Normalize(raw), nil
}
