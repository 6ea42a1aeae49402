// Package cas provides content-addressing utilities: BLAKE3 hashing,
// canonical JSON serialization and deterministic node identifiers.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// CanonicalJSON converts a value to canonical JSON: object keys sorted,
// no insignificant whitespace, numbers kept as written and HTML left unescaped.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Decoding into any turns every struct into a map, which encoding/json
	// writes with sorted keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DigestSize is the byte length of every digest in kgindex.
const DigestSize = 32

// Blake3Hash returns the 32-byte BLAKE3 digest of data.
func Blake3Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// Blake3HashHex is Blake3Hash hex encoded.
func Blake3HashHex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewBlake3Hasher returns a streaming hasher producing DigestSize digests.
func NewBlake3Hasher() *blake3.Hasher {
	return blake3.New(DigestSize, nil)
}

// NodeID computes the identifier of a node: blake3(type + "\n" + canonicalJSON({"file_path": path})).
// It depends only on the node type and its source path, so re-extracting an
// unchanged file always yields the same id.
func NodeID(nodeType, filePath string) ([]byte, error) {
	payload, err := CanonicalJSON(map[string]any{"file_path": filePath})
	if err != nil {
		return nil, err
	}
	h := NewBlake3Hasher()
	h.Write([]byte(nodeType))
	h.Write([]byte{'\n'})
	h.Write(payload)
	return h.Sum(nil), nil
}

// NodeIDHex is NodeID hex encoded.
func NodeIDHex(nodeType, filePath string) (string, error) {
	id, err := NodeID(nodeType, filePath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", id), nil
}
