package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// IDKind is the type prefix of a stable id.
type IDKind string

const (
	IDKindEmployee   IDKind = "EMP"
	IDKindProject    IDKind = "PRJ"
	IDKindPhase      IDKind = "PH"
	IDKindTask       IDKind = "WP"
	IDKindHourEntry  IDKind = "HE"
	IDKindDependency IDKind = "DEP"
)

const (
	stableIdDigestLen = 16
	stableIdScopeLen  = 24
	StableIdMaxLen    = 64
	stableIdSeparator = "\x1f"
)

// scoped kinds embed their first natural-key part (the project) in the id.
var scopedIdKinds = map[IDKind]bool{
	IDKindPhase:      true,
	IDKindTask:       true,
	IDKindDependency: true,
}

// DeriveID returns the stable id for a natural-key tuple.
// Changing anything here orphans every previously ingested row; the pinned tests must not move.
func DeriveID(kind IDKind, parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = strings.Join(strings.Fields(p), " ")
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, stableIdSeparator)))
	digest := hex.EncodeToString(sum[:])[:stableIdDigestLen]

	id := string(kind) + "_" + digest
	if scopedIdKinds[kind] && len(normalized) > 0 {
		id = string(kind) + "_" + sanitizeIdScope(normalized[0]) + "_" + digest
	}
	if len(id) > StableIdMaxLen {
		id = id[:StableIdMaxLen]
	}
	return id
}

// SyntheticID is the weak fallback for rows without a natural key: name plus position.
// Reordering the upstream extract changes these ids, so callers must count them.
func SyntheticID(kind IDKind, scope string, name string, index int) string {
	return DeriveID(kind, scope, name, "#"+strconv.Itoa(index))
}

func sanitizeIdScope(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
		if b.Len() >= stableIdScopeLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "X"
	}
	return out
}
