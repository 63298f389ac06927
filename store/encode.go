package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodeArtifact serializes a storage artifact with deterministic CBOR.
func EncodeArtifact(a any) ([]byte, error) {
	encOpts := cbor.CoreDetEncOptions()
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

// DecodeArtifact deserializes a CBOR-encoded storage artifact into out.
func DecodeArtifact(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
