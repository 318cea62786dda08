// Package dispatch hands aggregation work for one (user, scope) to asynchronous workers.
package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxPayloadBytes bounds an encoded Task.
const MaxPayloadBytes = 64 * 1024

var (
	// ErrPayloadTooLarge is returned when an encoded Task exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("task payload too large")

	// ErrMalformedTask is returned when a payload does not decode into a valid Task.
	ErrMalformedTask = errors.New("malformed task")
)

// Wire field numbers of an encoded Task.
const (
	fieldUserID       protowire.Number = 1
	fieldScopeKey     protowire.Number = 2
	fieldChangedBlock protowire.Number = 3
	fieldForce        protowire.Number = 4
)

// Task asks for the aggregates of one enrollment to be recomputed.
type Task struct {
	UserID   string
	ScopeKey string

	// ChangedBlocks lists the leaves that changed. Empty means the whole scope.
	ChangedBlocks []string

	Force bool
}

// WholeScope reports whether the task recomputes every container.
func (t Task) WholeScope() bool {
	return len(t.ChangedBlocks) == 0
}

// Validate checks the identity fields.
func (t Task) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrMalformedTask)
	}
	if strings.TrimSpace(t.ScopeKey) == "" {
		return fmt.Errorf("%w: scope_key is required", ErrMalformedTask)
	}
	return nil
}

// MarshalTask encodes t in protobuf wire format.
func MarshalTask(t Task) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	b := protowire.AppendTag(nil, fieldUserID, protowire.BytesType)
	b = protowire.AppendString(b, t.UserID)
	b = protowire.AppendTag(b, fieldScopeKey, protowire.BytesType)
	b = protowire.AppendString(b, t.ScopeKey)
	for _, block := range t.ChangedBlocks {
		b = protowire.AppendTag(b, fieldChangedBlock, protowire.BytesType)
		b = protowire.AppendString(b, block)
	}
	if t.Force {
		b = protowire.AppendTag(b, fieldForce, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}

	if len(b) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(b), MaxPayloadBytes)
	}
	return b, nil
}

// UnmarshalTask decodes a payload produced by MarshalTask. Unknown fields are skipped.
func UnmarshalTask(b []byte) (Task, error) {
	if len(b) > MaxPayloadBytes {
		return Task{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(b), MaxPayloadBytes)
	}

	var t Task
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Task{}, fmt.Errorf("%w: %v", ErrMalformedTask, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldUserID && typ == protowire.BytesType:
			t.UserID, n = protowire.ConsumeString(b)
		case num == fieldScopeKey && typ == protowire.BytesType:
			t.ScopeKey, n = protowire.ConsumeString(b)
		case num == fieldChangedBlock && typ == protowire.BytesType:
			var block string
			block, n = protowire.ConsumeString(b)
			if n >= 0 {
				t.ChangedBlocks = append(t.ChangedBlocks, block)
			}
		case num == fieldForce && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			t.Force = protowire.DecodeBool(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Task{}, fmt.Errorf("%w: field %d: %v", ErrMalformedTask, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}
