package tt

import (
	"github.com/flowgraph/ttg/codec"
	"github.com/flowgraph/ttg/errors"
)

// SetCodec installs desc as input i's wire descriptor (spec.md §6's
// data_descriptor): a value sent to input i across a simulated rank
// boundary is packed and immediately unpacked through desc before the
// remote set_arg is dispatched, so a TT can be configured to exercise
// a real pack/unpack round trip for the values it ships, the same way
// a real distributed runtime would serialize an argument for network
// transport. An input with no registered codec ships its value as a
// Go closure capture, unchanged from the zero-copy in-process default.
func SetCodec[K comparable, V any](t *Template[K], i int, desc codec.Descriptor[V]) {
	t.setCodecRoundTrip(i, func(v any) (any, error) {
		typed, _ := v.(V)
		b, err := desc.Pack(typed)
		if err != nil {
			return nil, errors.E("set_codec", t.Name, errors.Errorf("pack: %v", err))
		}
		out, err := desc.Unpack(b)
		if err != nil {
			return nil, errors.E("set_codec", t.Name, errors.Errorf("unpack: %v", err))
		}
		return out, nil
	})
}

func (t *Template[K]) setCodecRoundTrip(i int, fn func(v any) (any, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.codecs == nil {
		t.codecs = make(map[int]func(any) (any, error))
	}
	t.codecs[i] = fn
}

func (t *Template[K]) codecFor(i int) (func(any) (any, error), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn, ok := t.codecs[i]
	return fn, ok
}
