package peer

import (
	"github.com/google/uuid"
)

// idPrefix follows the Azureus-style client identification convention; the
// prior client convention used "-GT0001-", bitswarm identifies itself as
// "BS" version 0001.
const idPrefix = "-BS0001-"

// --------------------------------------------------------------------------------------------- //

/*
GeneratePeerID builds the 20-byte peer id we present in every handshake and
tracker announce: a fixed client/version prefix followed by random bytes
drawn from a uuid.New() value, truncated to fill out the remaining 12 bytes.
*/
func GeneratePeerID() [20]byte {
	var id [20]byte
	copy(id[:], idPrefix)

	u := uuid.New()
	copy(id[len(idPrefix):], u[:20-len(idPrefix)])

	return id
}
