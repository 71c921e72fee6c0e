package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// AuditLog is a tamper-evident record of settlement lifecycle events.
// Every recorded, settled, or failed payment appends one leaf to a
// Merkle tree; the root changes with every append, so two operators
// comparing roots can detect a rewritten history. The log is in-memory
// and advisory: the Store is the durable record, the audit root is a
// cheap cross-check on top of it.
type AuditLog struct {
	mu     sync.Mutex
	leaves []auditLeaf
	root   string
}

type auditLeaf struct {
	hash  string
	entry string
}

// ProofStep is one sibling on the path from a leaf to the root. Left
// reports which side the sibling sits on.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// NewAuditLog creates an empty log. The root of an empty log is "".
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func hashEntry(entry string) string {
	sum := sha256.Sum256([]byte(entry))
	return hex.EncodeToString(sum[:])
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// Append adds one lifecycle event and returns the leaf hash, which is
// the handle for later inclusion proofs.
func (l *AuditLog) Append(event, paymentHash, detail string) string {
	entry := fmt.Sprintf("%s %s %s %s", time.Now().UTC().Format(time.RFC3339Nano), event, paymentHash, detail)
	leaf := auditLeaf{hash: hashEntry(entry), entry: entry}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.leaves = append(l.leaves, leaf)
	l.root = l.recompute()
	return leaf.hash
}

// recompute rebuilds the whole tree. Append volume is one leaf per
// payment, so the naive rebuild is not worth optimizing. Callers hold
// the lock.
func (l *AuditLog) recompute() string {
	level := make([]string, len(l.leaves))
	for i, leaf := range l.leaves {
		level[i] = leaf.hash
	}
	for len(level) > 1 {
		level = levelUp(level)
	}
	if len(level) == 0 {
		return ""
	}
	return level[0]
}

// levelUp hashes one tree level into the next. An odd node count pairs
// the last node with itself.
func levelUp(level []string) []string {
	if len(level)%2 == 1 {
		level = append(level[:len(level):len(level)], level[len(level)-1])
	}
	next := make([]string, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, hashPair(level[i], level[i+1]))
	}
	return next
}

// Root returns the current tree root.
func (l *AuditLog) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.root
}

// Size returns the number of appended events.
func (l *AuditLog) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.leaves)
}

// Proof returns the sibling path from a leaf to the root. The second
// return is false when the leaf hash was never appended.
func (l *AuditLog) Proof(leafHash string) ([]ProofStep, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i, leaf := range l.leaves {
		if leaf.hash == leafHash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}

	level := make([]string, len(l.leaves))
	for i, leaf := range l.leaves {
		level[i] = leaf.hash
	}

	steps := make([]ProofStep, 0)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level[:len(level):len(level)], level[len(level)-1])
		}
		if idx%2 == 0 {
			steps = append(steps, ProofStep{Hash: level[idx+1], Left: false})
		} else {
			steps = append(steps, ProofStep{Hash: level[idx-1], Left: true})
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		idx /= 2
	}
	return steps, true
}

// VerifyProof folds a leaf hash through a proof and checks it lands on
// the given root.
func VerifyProof(leafHash string, proof []ProofStep, root string) bool {
	h := leafHash
	for _, step := range proof {
		if step.Left {
			h = hashPair(step.Hash, h)
		} else {
			h = hashPair(h, step.Hash)
		}
	}
	return h == root
}
