// Package cmn provides low-level types and identifier utilities shared by
// every other package, mirroring the role the teacher's own cmn package
// plays for aistore.
package cmn

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
	"sync"

	"github.com/teris-io/shortid"
)

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

// InitUUIDGenerator seeds the blob-store UUID generator. Call once at
// startup (mirrors the teacher's cmn.InitShortID).
func InitUUIDGenerator(seed uint64) {
	sidOnce.Do(func() {
		sid = shortid.MustNew(1, shortid.DefaultABC, seed)
	})
}

// GenUUID returns a new opaque, URL-safe storage-area key. Used for blob
// identities (spec.md §4.1) - these are random, unlike public IDs below,
// which must be deterministic.
func GenUUID() string {
	if sid == nil {
		InitUUIDGenerator(1)
	}
	id, err := sid.Generate()
	if err != nil {
		// shortid only fails on generator exhaustion/misconfiguration.
		// InitUUIDGenerator is a no-op once the generator exists, so this
		// retries once with the same generator; a second error is discarded.
		InitUUIDGenerator(uint64(len(id)) + 1)
		id, _ = sid.Generate()
	}
	return id
}

// PublicID derives the stable, URL-safe public identifier for a resource
// from its DICOM UID, per spec.md §3 ("hash-derived string stable across
// restarts") and §4.3 step 1 ("deterministic: the same DICOM yields the
// same IDs"). level disambiguates the four resource levels so that, in the
// pathological case of two different UIDs from different levels hashing
// to related digests, their public IDs remain visibly distinct.
func PublicID(level, uid string) string {
	h := sha256.Sum256([]byte(level + "|" + uid))
	enc := base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(h[:16]))
}
