package aggregation

import (
	"fmt"
	"strings"
)

const (
	scopeKeyPrefix = "course-v1:"
	blockKeyPrefix = "block-v1:"
	typeTag        = "type@"
	blockTag       = "block@"
)

// ScopeKey identifies a course: course-v1:{org}+{course}+{run}.
type ScopeKey struct {
	Org    string
	Course string
	Run    string
}

// ParseScopeKey parses the serialized form of a ScopeKey.
func ParseScopeKey(s string) (ScopeKey, error) {
	if !strings.HasPrefix(s, scopeKeyPrefix) {
		return ScopeKey{}, fmt.Errorf("%w: scope %q lacks %s prefix", ErrInvalidKey, s, scopeKeyPrefix)
	}
	parts := strings.Split(strings.TrimPrefix(s, scopeKeyPrefix), "+")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ScopeKey{}, fmt.Errorf("%w: scope %q must be org+course+run", ErrInvalidKey, s)
	}
	return ScopeKey{Org: parts[0], Course: parts[1], Run: parts[2]}, nil
}

func (k ScopeKey) String() string {
	return scopeKeyPrefix + k.Org + "+" + k.Course + "+" + k.Run
}

// BlockKey identifies a block inside a course:
// block-v1:{org}+{course}+{run}+type@{type}+block@{id}.
type BlockKey struct {
	Scope ScopeKey
	Type  string
	ID    string
}

// ParseBlockKey parses the serialized form of a BlockKey.
func ParseBlockKey(s string) (BlockKey, error) {
	if !strings.HasPrefix(s, blockKeyPrefix) {
		return BlockKey{}, fmt.Errorf("%w: block %q lacks %s prefix", ErrInvalidKey, s, blockKeyPrefix)
	}
	parts := strings.SplitN(strings.TrimPrefix(s, blockKeyPrefix), "+", 5)
	if len(parts) != 5 {
		return BlockKey{}, fmt.Errorf("%w: block %q must be org+course+run+type@..+block@..", ErrInvalidKey, s)
	}
	if !strings.HasPrefix(parts[3], typeTag) || !strings.HasPrefix(parts[4], blockTag) {
		return BlockKey{}, fmt.Errorf("%w: block %q has malformed type/block segments", ErrInvalidKey, s)
	}
	key := BlockKey{
		Scope: ScopeKey{Org: parts[0], Course: parts[1], Run: parts[2]},
		Type:  strings.TrimPrefix(parts[3], typeTag),
		ID:    strings.TrimPrefix(parts[4], blockTag),
	}
	if key.Scope.Org == "" || key.Scope.Course == "" || key.Scope.Run == "" || key.Type == "" || key.ID == "" {
		return BlockKey{}, fmt.Errorf("%w: block %q has empty segments", ErrInvalidKey, s)
	}
	return key, nil
}

func (k BlockKey) String() string {
	return blockKeyPrefix + k.Scope.Org + "+" + k.Scope.Course + "+" + k.Scope.Run +
		"+" + typeTag + k.Type + "+" + blockTag + k.ID
}

// NewBlockKey builds a block key inside scope.
func NewBlockKey(scope ScopeKey, blockType, id string) BlockKey {
	return BlockKey{Scope: scope, Type: blockType, ID: id}
}

// BlockType returns the type segment of a serialized block key, or "" if it does not parse.
func BlockType(s string) string {
	key, err := ParseBlockKey(s)
	if err != nil {
		return ""
	}
	return key.Type
}
