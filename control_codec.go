package shuffle

import (
	cbor "github.com/fxamacker/cbor/v2"
)

// ControlCodec abstracts CBOR encoding for the §3.1 control messages
// (hello, hello-ack, stats-push). Never used for the §3 envelope itself —
// that format is fixed bytes, encoded by envelope.go's Encode/Decode.
// Generalized from the teacher's generic Codec[V] (which backed arbitrary
// cache values) down to exactly the control message set this module needs.
type ControlCodec[V any] struct{}

func (ControlCodec[V]) Encode(v V) ([]byte, error) { return cbor.Marshal(v) }

func (ControlCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := cbor.Unmarshal(b, &v)
	return v, err
}
