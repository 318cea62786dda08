package dispatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	testUser  = "user-1"
	testScope = "course-v1:edX+DemoX+2026"
	testHTML  = "block-v1:edX+DemoX+2026+type@html+block@h1"
)

func TestTaskCodec(t *testing.T) {
	tests := []struct {
		name string
		task Task
	}{
		{name: "whole scope", task: Task{UserID: testUser, ScopeKey: testScope}},
		{name: "changed blocks", task: Task{UserID: testUser, ScopeKey: testScope, ChangedBlocks: []string{testHTML, testHTML + "2"}}},
		{name: "forced", task: Task{UserID: testUser, ScopeKey: testScope, Force: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := MarshalTask(tt.task)
			require.NoError(t, err)

			got, err := UnmarshalTask(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.task, got)
			assert.Equal(t, len(tt.task.ChangedBlocks) == 0, got.WholeScope())
		})
	}
}

func TestMarshalTask_Rejects(t *testing.T) {
	_, err := MarshalTask(Task{ScopeKey: testScope})
	require.ErrorIs(t, err, ErrMalformedTask)

	_, err = MarshalTask(Task{UserID: testUser})
	require.ErrorIs(t, err, ErrMalformedTask)

	huge := Task{UserID: testUser, ScopeKey: testScope, ChangedBlocks: []string{strings.Repeat("x", MaxPayloadBytes)}}
	_, err = MarshalTask(huge)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestUnmarshalTask_SkipsUnknownFields(t *testing.T) {
	payload, err := MarshalTask(Task{UserID: testUser, ScopeKey: testScope})
	require.NoError(t, err)
	payload = protowire.AppendTag(payload, 99, protowire.VarintType)
	payload = protowire.AppendVarint(payload, 7)

	got, err := UnmarshalTask(payload)
	require.NoError(t, err)
	assert.Equal(t, testUser, got.UserID)
}

func TestUnmarshalTask_Rejects(t *testing.T) {
	payload, err := MarshalTask(Task{UserID: testUser, ScopeKey: testScope})
	require.NoError(t, err)

	_, err = UnmarshalTask(payload[:len(payload)-3])
	require.ErrorIs(t, err, ErrMalformedTask)

	_, err = UnmarshalTask(make([]byte, MaxPayloadBytes+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	onlyUser := protowire.AppendTag(nil, fieldUserID, protowire.BytesType)
	onlyUser = protowire.AppendString(onlyUser, testUser)
	_, err = UnmarshalTask(onlyUser)
	require.ErrorIs(t, err, ErrMalformedTask)
}
