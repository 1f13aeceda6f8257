package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	sentAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	content, err := EncodeAt(Draft{Subject: "Hi", Body: "there"}, sentAt)
	require.NoError(t, err)

	decoded := Decode(content)
	require.True(t, decoded.Email)
	require.Equal(t, "Hi", decoded.Envelope.Subject)
	require.Equal(t, "there", decoded.Envelope.Body)
	require.Equal(t, Version, decoded.Envelope.Version)
	require.Equal(t, KindEmail, decoded.Envelope.Kind)
	require.Equal(t, sentAt.UnixMilli(), decoded.Envelope.SentAtMs)
}

func TestEncodeTrimsSubject(t *testing.T) {
	content, err := Encode(Draft{Subject: "  padded  ", Body: "b", From: " 0xabc ", To: " bob "})
	require.NoError(t, err)

	decoded := Decode(content)
	require.True(t, decoded.Email)
	require.Equal(t, "padded", decoded.Envelope.Subject)
	require.Equal(t, "0xabc", decoded.Envelope.From)
	require.Equal(t, "bob", decoded.Envelope.To)
}

func TestDecodePlainText(t *testing.T) {
	decoded := Decode("plain text")
	require.False(t, decoded.Email)
	require.Equal(t, "plain text", decoded.Text)
}

func TestDecodeEmptyContent(t *testing.T) {
	require.Equal(t, "", Decode("").Text)
	require.Equal(t, "", Decode("   \n\t").Text)
	require.Equal(t, "", Decode(nil).Text)
}

func TestDecodeNonStringContent(t *testing.T) {
	decoded := Decode(42)
	require.False(t, decoded.Email)
	require.Equal(t, "42", decoded.Text)
}

func TestDecodeUnknownVersionPreservesRaw(t *testing.T) {
	raw := `{"v":2,"kind":"email","subject":"s","body":"b"}`
	decoded := Decode(raw)
	require.False(t, decoded.Email)
	require.Equal(t, raw, decoded.Text)
}

func TestDecodeWrongKindPreservesRaw(t *testing.T) {
	raw := `{"v":1,"kind":"invoice","subject":"s","body":"b"}`
	decoded := Decode(raw)
	require.False(t, decoded.Email)
	require.Equal(t, raw, decoded.Text)
}

func TestDecodeNonStringFieldsPreserveRaw(t *testing.T) {
	raw := `{"v":1,"kind":"email","subject":7,"body":"b"}`
	decoded := Decode(raw)
	require.False(t, decoded.Email)
	require.Equal(t, raw, decoded.Text)

	raw = `{"v":1,"kind":"email","subject":"s","body":null}`
	decoded = Decode(raw)
	require.False(t, decoded.Email)
	require.Equal(t, raw, decoded.Text)

	raw = `{"v":1,"kind":"email","subject":null,"body":"b"}`
	decoded = Decode(raw)
	require.False(t, decoded.Email)
	require.Equal(t, raw, decoded.Text)

	raw = `{"v":1,"kind":"email","body":"b"}`
	decoded = Decode(raw)
	require.False(t, decoded.Email)
	require.Equal(t, raw, decoded.Text)
}

func TestDecodeMalformedJSONPreservesRaw(t *testing.T) {
	raw := `{"v":1,"kind":"email"`
	decoded := Decode(raw)
	require.False(t, decoded.Email)
	require.Equal(t, raw, decoded.Text)
}
