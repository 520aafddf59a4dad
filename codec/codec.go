package codec

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

func Decode[T any](bz []byte) (T, error) {
	val := new(T)
	err := json.Unmarshal(bz, val)
	if err != nil {
		return *val, eris.Wrap(err, "")
	}
	return *val, nil
}

func Encode(val any) ([]byte, error) {
	bz, err := json.Marshal(val)
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	return bz, nil
}

// EncodeBatch encodes every value in vals. The whole batch fails if any single
// value fails to encode; stream writers rely on the result being parallel to
// the input.
func EncodeBatch[T any](vals []T) ([][]byte, error) {
	out := make([][]byte, len(vals))
	for i := range vals {
		bz, err := Encode(vals[i])
		if err != nil {
			return nil, err
		}
		out[i] = bz
	}
	return out, nil
}
