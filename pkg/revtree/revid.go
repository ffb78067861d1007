package revtree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// RevID identifies one revision of a document: a generation counter and a
// content hash, rendered as "<gen>-<hash>".
type RevID struct {
	Gen  int
	Hash string
}

// IsZero reports whether the RevID is unset. The zero RevID is used as the
// parent of generation-1 roots.
func (r RevID) IsZero() bool {
	return r.Gen == 0 && r.Hash == ""
}

func (r RevID) String() string {
	if r.IsZero() {
		return ""
	}
	return strconv.Itoa(r.Gen) + "-" + r.Hash
}

// ParseRevID parses a "<gen>-<hash>" revision string. The empty string
// parses to the zero RevID.
func ParseRevID(s string) (RevID, error) {
	if s == "" {
		return RevID{}, nil
	}
	gen, hash, ok := strings.Cut(s, "-")
	if !ok {
		return RevID{}, fmt.Errorf("malformed revision id %q: missing separator", s)
	}
	n, err := strconv.Atoi(gen)
	if err != nil || n < 1 || hash == "" {
		return RevID{}, fmt.Errorf("malformed revision id %q", s)
	}
	return RevID{Gen: n, Hash: hash}, nil
}

// MarshalText renders the RevID as its string form, so RevIDs embed in JSON
// payloads and map keys without a custom codec.
func (r RevID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RevID) UnmarshalText(text []byte) error {
	parsed, err := ParseRevID(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Compare orders two revisions deterministically: the higher generation
// wins, and on a generation tie the byte-wise greater hash wins. Every
// store applying this ordering to the same revision set picks the same
// winner, which is what makes uncoordinated conflict resolution converge.
// Returns -1 if a sorts before b, 0 if equal, 1 if a sorts after b.
func Compare(a, b RevID) int {
	if a.Gen != b.Gen {
		if a.Gen < b.Gen {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Hash, b.Hash)
}

// Child derives the RevID for a new revision written under parent. The
// hash covers the parent revision, the deletion flag, and the canonical
// body encoding, so identical writes produce identical revisions and
// replication stays idempotent.
func Child(parent RevID, deleted bool, body []byte) RevID {
	h := sha256.New()
	h.Write([]byte(parent.String()))
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(body)
	return RevID{
		Gen:  parent.Gen + 1,
		Hash: hex.EncodeToString(h.Sum(nil))[:32],
	}
}
