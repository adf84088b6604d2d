package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockStateEventWireShape(t *testing.T) {
	for _, tc := range []struct {
		name string
		evt  LockStateEvent
		want string
	}{
		{
			name: "locked",
			evt:  Locked("car-123", "alice", 10),
			want: `{"event":"lock-update","data":{"resourceId":"car-123","locked":true,"ownerId":"alice","expiresInSeconds":10}}`,
		},
		{
			name: "free encodes null owner",
			evt:  Free("car-123"),
			want: `{"event":"lock-update","data":{"resourceId":"car-123","locked":false,"ownerId":null,"expiresInSeconds":0}}`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, err := EncodeEvent(tc.evt)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(b))

			back, err := DecodeEvent(b)
			require.NoError(t, err)
			assert.Equal(t, tc.evt, back)
		})
	}
}

func TestErrorEventOmitsRetryableWhenFalse(t *testing.T) {
	b, err := EncodeEvent(ErrorEvent{Message: MsgAccessDenied})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"lock-error","data":{"message":"Access Denied: Someone is already editing."}}`, string(b))

	b, err = EncodeEvent(ErrorEvent{Message: MsgStoreUnavailable, Retryable: true})
	require.NoError(t, err)
	evt, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, ErrorEvent{Message: MsgStoreUnavailable, Retryable: true}, evt)
}

func TestDecodeIntentVariants(t *testing.T) {
	for _, tc := range []struct {
		raw  string
		want Intent
	}{
		{`{"event":"request-lock","data":{"resourceId":"car-123","requesterId":"alice"}}`, Request{ResourceID: "car-123", RequesterID: "alice"}},
		{`{"event":"renew-lock","data":{"resourceId":"car-123","requesterId":"alice"}}`, Renew{ResourceID: "car-123", RequesterID: "alice"}},
		{`{"event":"release-lock","data":{"resourceId":"car-123","requesterId":"alice"}}`, Release{ResourceID: "car-123", RequesterID: "alice"}},
	} {
		got, err := DecodeIntent([]byte(tc.raw))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)

		enc, err := EncodeIntent(got)
		require.NoError(t, err)
		assert.JSONEq(t, tc.raw, string(enc))
	}
}

func TestDecodeIntentRejectsBadInput(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		err  error
	}{
		{"not json", `nope`, ErrInvalidPayload},
		{"missing requester", `{"event":"request-lock","data":{"resourceId":"car-123"}}`, ErrInvalidPayload},
		{"unknown event", `{"event":"steal-lock","data":{"resourceId":"a","requesterId":"b"}}`, ErrUnknownEvent},
		{"server event", `{"event":"lock-update","data":{"resourceId":"a","requesterId":"b"}}`, ErrUnknownEvent},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeIntent([]byte(tc.raw))
			assert.True(t, errors.Is(err, tc.err), "got %v", err)
		})
	}
}

func TestDecodeEventUnknown(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"event": "broadcast-test", "data": map[string]string{}})
	_, err := DecodeEvent(raw)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}
