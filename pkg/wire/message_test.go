// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	msg, err := New("Add", []int{2, 3})
	require.NoError(t, err)

	assert.NotEqual(t, msg.RequestID, msg.MessageID)
	assert.Equal(t, "Add", msg.Type)
	assert.JSONEq(t, "[2,3]", string(msg.Payload))
}

func TestNewArgs(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		msg, err := NewArgs("Ping")
		require.NoError(t, err)
		assert.JSONEq(t, "[]", string(msg.Payload))
	})

	t.Run("Mixed", func(t *testing.T) {
		msg, err := NewArgs("Store", "key", 42, true)
		require.NoError(t, err)
		assert.JSONEq(t, `["key",42,true]`, string(msg.Payload))
	})
}

func TestCopyForInheritsIdentifiers(t *testing.T) {
	req, err := New("Add", []int{2, 3})
	require.NoError(t, err)

	reply, err := CopyFor(req, "Add", 5)
	require.NoError(t, err)

	assert.Equal(t, req.RequestID, reply.RequestID)
	assert.Equal(t, req.MessageID, reply.MessageID)
	assert.Equal(t, "Add", reply.Type)
	assert.JSONEq(t, "5", string(reply.Payload))
}

func TestRelayAllocatesFreshMessageID(t *testing.T) {
	req, err := New("Add", []int{2, 3})
	require.NoError(t, err)

	relayed := Relay(req)

	assert.Equal(t, req.RequestID, relayed.RequestID)
	assert.NotEqual(t, req.MessageID, relayed.MessageID)
	assert.Equal(t, req.Type, relayed.Type)
	assert.Equal(t, req.Payload, relayed.Payload)
}

func TestMessageJSONRoundTrip(t *testing.T) {
	encoded, err := New("Add", []int{2, 3})
	require.NoError(t, err)

	body, err := json.Marshal(encoded)
	require.NoError(t, err)

	// Identifiers travel as hyphenated hex strings, payloads as base64.
	assert.Contains(t, string(body), encoded.RequestID.String())
	assert.Contains(t, string(body), encoded.MessageID.String())

	var decoded Message
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, encoded.RequestID, decoded.RequestID)
	assert.Equal(t, encoded.MessageID, decoded.MessageID)
	assert.Equal(t, encoded.Type, decoded.Type)
	assert.Equal(t, encoded.Payload, decoded.Payload)
}

func TestMessageIgnoresUnknownFields(t *testing.T) {
	var decoded Message
	err := json.Unmarshal([]byte(`{"Type":"Ping","Unknown":"x"}`), &decoded)
	require.NoError(t, err)
	assert.Equal(t, "Ping", decoded.Type)
}

func TestDecodePayload(t *testing.T) {
	t.Run("Value", func(t *testing.T) {
		msg, err := New("Echo", "hello")
		require.NoError(t, err)

		value, err := DecodePayload[string](msg)
		require.NoError(t, err)
		assert.Equal(t, "hello", value)
	})

	t.Run("Malformed", func(t *testing.T) {
		msg := &Message{Payload: []byte(`"not a number"`)}
		_, err := DecodePayload[int](msg)
		require.ErrorIs(t, err, PayloadErr)
	})
}

func TestDecodeArgs(t *testing.T) {
	intType := reflect.TypeOf(0)
	stringType := reflect.TypeOf("")

	t.Run("Tuple", func(t *testing.T) {
		values, err := DecodeArgs([]byte(`[2,"x"]`), []reflect.Type{intType, stringType})
		require.NoError(t, err)
		require.Len(t, values, 2)
		assert.Equal(t, 2, values[0].Interface())
		assert.Equal(t, "x", values[1].Interface())
	})

	t.Run("Empty", func(t *testing.T) {
		values, err := DecodeArgs([]byte(`[]`), nil)
		require.NoError(t, err)
		assert.Empty(t, values)
	})

	t.Run("ArityMismatch", func(t *testing.T) {
		_, err := DecodeArgs([]byte(`[2]`), []reflect.Type{intType, intType})
		require.ErrorIs(t, err, ArityErr)
	})

	t.Run("ElementMismatch", func(t *testing.T) {
		_, err := DecodeArgs([]byte(`[2,"x"]`), []reflect.Type{intType, intType})
		require.ErrorIs(t, err, PayloadErr)
	})

	t.Run("NotAnArray", func(t *testing.T) {
		_, err := DecodeArgs([]byte(`{"a":1}`), []reflect.Type{intType})
		require.ErrorIs(t, err, PayloadErr)
	})
}
