// Copyright 2026 Coedit Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package content

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// CreateSchemaHash returns the stable digest of a schema over (type, data).
// Both fields are length-prefixed before hashing so that no (type, data)
// pair can collide with another by shifting bytes between the fields.
func CreateSchemaHash(schemaType string, data []byte) string {
	h := sha256.New()
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(schemaType)))
	h.Write(length[:])
	h.Write([]byte(schemaType))
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
