package psktls

import (
	"crypto/sha1" //nolint:gosec // required for the legacy *_CBC_SHA suites spec.md §4.3 names explicitly
	"hash"
)

func newSHA1() hash.Hash { return sha1.New() }
