package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecode_Valid(t *testing.T) {
	env, err := Decode([]byte(`{"type":"room-join","payload":{"roomId":"r1"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeRoomJoin, env.Type)
	assert.JSONEq(t, `{"roomId":"r1"}`, string(env.Payload))
}

func TestDecode_Rejects(t *testing.T) {
	for name, frame := range map[string]string{
		"not json":     `hello`,
		"array":        `[1,2]`,
		"missing type": `{"payload":{}}`,
		"empty type":   `{"type":""}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestEncode_WrapsPayload(t *testing.T) {
	frame, err := Encode(TypePeerAvailable, PeerAvailable{RoomID: "r1", PeerID: "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"peer-available","payload":{"roomId":"r1","peerId":"b"}}`, string(frame))
}

func TestEncode_SignalPayloadVerbatim(t *testing.T) {
	opaque := json.RawMessage(`{"sdp":"v=0\r\n","kind":"offer","nested":[1,{"a":null}]}`)
	frame, err := Encode(TypeSignal, SignalRelay{From: "b", Payload: opaque})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	var got SignalRelay
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, "b", got.From)
	assert.JSONEq(t, string(opaque), string(got.Payload))
}

func TestCodeFor(t *testing.T) {
	assert.Equal(t, CodeMalformedPayload, CodeFor(malformed("x")))
	assert.Equal(t, CodeUnknownType, CodeFor(ErrUnknownType))
	assert.Equal(t, CodeInternal, CodeFor(errors.New("other")))
}

func TestDecodeIdentify(t *testing.T) {
	p, err := DecodeIdentify(json.RawMessage(`{"userId":"42","displayName":"Alice"}`))
	require.NoError(t, err)
	assert.Equal(t, Identify{UserID: "42", DisplayName: "Alice"}, p)

	_, err = DecodeIdentify(json.RawMessage(`{"userId":"42"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeIdentify(json.RawMessage(`{"displayName":"` + strings.Repeat("x", MaxDisplayNameRunes+1) + `"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestParseIdentify_AllowsMissingName(t *testing.T) {
	p, err := ParseIdentify(json.RawMessage(`{"userId":"42"}`))
	require.NoError(t, err)
	assert.Equal(t, "42", p.UserID)
	assert.Empty(t, p.DisplayName)
}

func TestDecodeJoin(t *testing.T) {
	p, err := DecodeJoin(json.RawMessage(`{"roomId":"voice-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "voice-1", p.RoomID)

	_, err = DecodeJoin(json.RawMessage(`{"roomId":""}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeJoin(json.RawMessage(`{"roomId":"` + strings.Repeat("r", MaxRoomIDBytes+1) + `"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeJoin(nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeChat_Limits(t *testing.T) {
	_, err := DecodeChat(json.RawMessage(`{"roomId":"r1","text":"`+strings.Repeat("é", 200)+`"}`), 200)
	assert.NoError(t, err, "limit counts characters, not bytes")

	_, err = DecodeChat(json.RawMessage(`{"roomId":"r1","text":"`+strings.Repeat("a", 201)+`"}`), 200)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeChat(json.RawMessage(`{"roomId":"r1","text":"   "}`), 200)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeChat(json.RawMessage(`{"roomId":"r1","text":"hi"}`), 0)
	assert.NoError(t, err, "non-positive limit falls back to the default")
}

func TestDecodeSignal(t *testing.T) {
	p, err := DecodeSignal(json.RawMessage(`{"toConnectionId":"a","from":"spoofed","payload":{"candidate":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a", p.To)
	assert.JSONEq(t, `{"candidate":"x"}`, string(p.Payload))

	_, err = DecodeSignal(json.RawMessage(`{"toConnectionId":"a"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeSignal(json.RawMessage(`{"toConnectionId":"a","payload":null}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeSignal(json.RawMessage(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeLeave(t *testing.T) {
	p, err := DecodeLeave(json.RawMessage(`{"roomId":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", p.RoomID)

	_, err = DecodeLeave(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeShare(t *testing.T) {
	p, err := DecodeShare(json.RawMessage(`{"kind":"meme","data":{"url":"/m/1.png"}}`))
	require.NoError(t, err)
	assert.Equal(t, "meme", p.Kind)

	_, err = DecodeShare(json.RawMessage(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestPropertyRoomIDBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 2*MaxRoomIDBytes).Draw(t, "len")
		id := strings.Repeat("r", n)
		err := ValidateRoomID(id)
		if (n >= 1 && n <= MaxRoomIDBytes) != (err == nil) {
			t.Fatalf("len %d: validate=%v", n, err)
		}
	})
}

func TestPropertyChatTextAcceptedWithinLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 300).Draw(t, "limit")
		text := rapid.StringMatching(`[a-zA-Z0-9äöü ]{1,400}`).Draw(t, "text")
		raw, err := json.Marshal(Chat{RoomID: "r", Text: text})
		if err != nil {
			t.Fatal(err)
		}
		_, err = DecodeChat(raw, limit)
		wantOK := strings.TrimSpace(text) != "" && len([]rune(text)) <= limit
		if wantOK != (err == nil) {
			t.Fatalf("text %q limit %d: err=%v", text, limit, err)
		}
	})
}

func TestClampChatText(t *testing.T) {
	text, ok := ClampChatText(strings.Repeat("x", 5000), 200)
	assert.True(t, ok)
	assert.Equal(t, strings.Repeat("x", 200), text)

	text, ok = ClampChatText("h\u00e9llo", 2)
	assert.True(t, ok)
	assert.Equal(t, "h\u00e9", text, "cut at a rune boundary")

	text, ok = ClampChatText("Jose\u0301", 0)
	assert.True(t, ok)
	assert.Equal(t, "Jos\u00e9", text)

	for _, empty := range []string{"", "   ", "\xff\xfe"} {
		_, ok := ClampChatText(empty, 10)
		assert.False(t, ok, "%q", empty)
	}
}

// Property: clamped text is never empty and never exceeds the limit.
func TestPropertyClampChatTextWithinLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 300).Draw(t, "limit")
		in := rapid.String().Draw(t, "text")
		out, ok := ClampChatText(in, limit)
		if !ok {
			return
		}
		if n := len([]rune(out)); n > limit || strings.TrimSpace(out) == "" {
			t.Fatalf("ClampChatText(%q, %d) = %q (%d runes)", in, limit, out, n)
		}
	})
}

func TestNormalizeName(t *testing.T) {
	decomposed := "Jose\u0301"
	assert.Equal(t, "Jos\u00e9", NormalizeName("  "+decomposed+" "))

	p, err := DecodeIdentify(json.RawMessage(`{"displayName":" Jose\u0301 "}`))
	require.NoError(t, err)
	assert.Equal(t, "Jos\u00e9", p.DisplayName)
}
