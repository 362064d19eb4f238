package attempts

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/genrelay-io/genrelay/internal/jobs"
)

// seedSpace keeps seeds within the signed 32-bit range most generation backends accept.
const seedSpace = 1 << 31

// BaseSeed derives a stable seed from a job id.
func BaseSeed(jobID string) int64 {
	sum := blake2b.Sum256([]byte(jobID))

	return int64(binary.BigEndian.Uint64(sum[:8]) % seedSpace)
}

// Seed returns the seed for a view of a job: BaseSeed plus the view's offset, wrapped into
// the seed space. It is the same for every attempt.
func (p *Policy) Seed(jobID string, view jobs.View) int64 {
	return (BaseSeed(jobID) + p.ViewOffsets[view]) % seedSpace
}
