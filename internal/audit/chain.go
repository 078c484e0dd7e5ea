// Package audit implements the hash-chained, append-only session log.
//
// Every terminal damage-control block and every PAI state change (mission,
// goals, challenges, learnings, loop completions) is recorded as an Entry
// in an append-only JSONL file. Each entry's hash is computed over the
// previous entry's hash and the entry's identifying fields, so editing or
// removing an entry breaks the chain from that point forward.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// genesisPrevHash is the fixed prev_hash of the genesis block.
const genesisPrevHash = "sha256:genesis"

// computeHash calculates the SHA-256 hash for an audit entry:
//
//	SHA-256(prev_hash | seq | ts | session | kind | tool | target | decision)
//
// Returns a prefixed hash string: "sha256:<hex>".
func computeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s",
		e.PrevHash, e.Seq, e.Timestamp,
		e.Session, e.Kind, e.Tool, e.Target, e.Decision)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// verifyEntry reports whether the stored hash matches the entry contents.
func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e)
}
