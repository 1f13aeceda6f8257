package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDirectIdentifier(t *testing.T) {
	parser := NewParser("")

	got := parser.Parse("0xABCDEF0123456789000000000000000000000001")
	require.Equal(t, KindDirect, got.Kind)
	require.Equal(t, "0xABCDEF0123456789000000000000000000000001", got.Identifier)

	got = parser.Parse("  some-inbox-id  ")
	require.Equal(t, KindDirect, got.Kind)
	require.Equal(t, "some-inbox-id", got.Identifier)
}

func TestParseBridgedAlias(t *testing.T) {
	parser := NewParser("xmtp.mx")

	got := parser.Parse("alice.eth@xmtp.mx")
	require.Equal(t, KindBridged, got.Kind)
	require.Equal(t, "alice.eth", got.Alias)
	require.Equal(t, "xmtp.mx", got.Domain)

	// domain matching is case-insensitive
	got = parser.Parse("bob@XMTP.MX")
	require.Equal(t, KindBridged, got.Kind)
	require.Equal(t, "bob", got.Alias)
}

func TestParseSplitsOnLastSeparator(t *testing.T) {
	parser := NewParser("xmtp.mx")

	got := parser.Parse("weird@local@xmtp.mx")
	require.Equal(t, KindBridged, got.Kind)
	require.Equal(t, "weird@local", got.Alias)
}

func TestParseUnsupportedDomainIsDistinct(t *testing.T) {
	parser := NewParser("xmtp.mx")

	got := parser.Parse("someone@gmail.com")
	require.Equal(t, KindUnsupported, got.Kind)
	require.Equal(t, "gmail.com", got.Domain)
	require.NotEqual(t, KindInvalid, got.Kind)
	require.NotEqual(t, KindDirect, got.Kind)
}

func TestParseInvalid(t *testing.T) {
	parser := NewParser("xmtp.mx")

	for _, input := range []string{"", "   ", "@xmtp.mx", "alice@", "@"} {
		got := parser.Parse(input)
		require.Equal(t, KindInvalid, got.Kind, "input %q", input)
		require.NotEmpty(t, got.Reason)
	}
}

func TestIsDirectIdentifierFormat(t *testing.T) {
	require.True(t, IsDirectIdentifierFormat("0xABCDEF0123456789000000000000000000000001"))
	require.True(t, IsDirectIdentifierFormat("0xabcdef0123456789000000000000000000000001"))
	require.False(t, IsDirectIdentifierFormat("0xABCDEF"))
	require.False(t, IsDirectIdentifierFormat("alice.eth"))
	require.False(t, IsDirectIdentifierFormat(""))
}

func TestShortenForDisplay(t *testing.T) {
	addr := "0xABCDEF0123456789000000000000000000000001"
	require.Equal(t, "0xABCD…0001", ShortenForDisplay(addr, 4))
	require.Equal(t, "0xAB…01", ShortenForDisplay(addr, 2))

	// non-address values pass through untouched
	require.Equal(t, "alice.eth", ShortenForDisplay("alice.eth", 4))
	require.Equal(t, "", ShortenForDisplay("", 4))
}

func TestChecksumAddress(t *testing.T) {
	// known EIP-55 vector
	require.Equal(t,
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		ChecksumAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))

	// idempotent on already-checksummed input
	require.Equal(t,
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		ChecksumAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))

	require.Equal(t, "alice.eth", ChecksumAddress("alice.eth"))
}
