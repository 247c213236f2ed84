// Package key provides the default ownership hash used to map a task
// key to an owning rank (the "keymap" of spec.md §4.3.1) when a task
// template is not given a user-supplied keymap.
package key

import (
	"bytes"
	"crypto"
	_ "crypto/sha256"
	"encoding/gob"
	"fmt"
	"hash/fnv"

	"github.com/grailbio/base/digest"
)

// Digester is the digest algorithm used to hash keys for the default
// keymap and for logging a key's stable identity. Sharing one digester
// across the module keeps hashing consistent between what a sender
// computes to decide whether to stay local and what the owning rank
// recomputes to validate a request.
var Digester = digest.Digester(crypto.SHA256)

// Hash returns a stable digest of k, computed by gob-encoding k and
// hashing the resulting bytes. k is encoded as an interface value, so
// its dynamic type must be registered with gob (the predeclared basic
// types are; other types need gob.Register), and only exported
// struct fields contribute to the hash.
func Hash(k interface{}) digest.Digest {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&k); err != nil {
		// Keys must be serializable (spec.md §3); a key that cannot be
		// gob-encoded is a programming error, not a runtime condition to
		// recover from.
		panic(fmt.Sprintf("key: key %v (%T) is not serializable: %v", k, k, err))
	}
	return Digester.FromBytes(buf.Bytes())
}

// Hash64 reduces k's digest to a uint64 via fnv-1a over its string
// form, since digest.Digest exposes no public byte accessor. Used both
// by Owner (the default keymap) and by the dispatch core's
// short-circuit heuristic, which compares the hash of a candidate key
// against the hash of the task currently executing.
func Hash64(k interface{}) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(Hash(k).String()))
	return h.Sum64()
}

// Owner computes the default keymap: hash(k) mod size. size must be >= 1.
func Owner(k interface{}, size int) int {
	if size <= 0 {
		panic("key: Owner called with non-positive size")
	}
	return int(Hash64(k) % uint64(size))
}
