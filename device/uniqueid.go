package device

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UniqueID identifies a clique of communicators. The rank that creates the
// clique generates one and distributes it out-of-band (see package ctrl) to
// the other ranks.
type UniqueID [16]byte

// NewUniqueID generates a fresh random UniqueID.
func NewUniqueID() (UniqueID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return UniqueID{}, errors.Wrapf(err, "failed to generate clique unique id")
	}
	return UniqueID(u), nil
}

// UniqueIDToString hex-encodes the id for transport over the control plane.
func UniqueIDToString(id UniqueID) string {
	return hex.EncodeToString(id[:])
}

// UniqueIDFromString decodes an id encoded with UniqueIDToString.
func UniqueIDFromString(s string) (id UniqueID, err error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrapf(err, "invalid clique unique id %q", s)
	}
	if len(raw) != len(id) {
		return id, errors.Errorf("invalid clique unique id %q: got %d bytes, want %d", s, len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}
