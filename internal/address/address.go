// Package address parses and formats recipient addresses for peermail.
//
// A recipient is either a direct network identifier (a chain address or
// inbox id typed as-is), or an email-style alias whose domain selects the
// bridge that forwards into the network. Foreign domains are recognized but
// not routable yet, and are reported as their own kind so callers can tell
// the user why the send was refused.
package address

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// DefaultBridgeDomain is the reserved suffix for bridged email-style aliases.
const DefaultBridgeDomain = "xmtp.mx"

// Kind classifies a parsed recipient.
type Kind string

const (
	// KindDirect is a raw network identifier, usable as-is.
	KindDirect Kind = "direct"
	// KindBridged is an alias on the reserved bridge domain.
	KindBridged Kind = "bridged"
	// KindUnsupported is an email-style address on a foreign domain.
	// It is well-formed but cannot currently be routed.
	KindUnsupported Kind = "unsupported"
	// KindInvalid is input that cannot be interpreted at all.
	KindInvalid Kind = "invalid"
)

// Recipient is the result of parsing a free-text "to" field.
type Recipient struct {
	Kind Kind

	// Identifier is set for direct recipients.
	Identifier string

	// Alias is the local part for bridged recipients.
	Alias string

	// Domain is set for bridged and unsupported recipients.
	Domain string

	// Reason describes why the input was rejected, for invalid recipients.
	Reason string
}

var hexAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Parser classifies recipient strings against a configured bridge domain.
type Parser struct {
	bridgeDomain string
}

// NewParser creates a Parser. An empty domain falls back to DefaultBridgeDomain.
func NewParser(bridgeDomain string) *Parser {
	domain := strings.ToLower(strings.TrimSpace(bridgeDomain))
	if domain == "" {
		domain = DefaultBridgeDomain
	}
	return &Parser{bridgeDomain: domain}
}

// BridgeDomain returns the reserved suffix this parser accepts.
func (p *Parser) BridgeDomain() string {
	return p.bridgeDomain
}

// Parse classifies a free-text recipient.
//
// Input with no "@" is always direct. Input with an "@" is split on the
// last one, so local parts that themselves contain "@" survive intact.
func (p *Parser) Parse(input string) Recipient {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Recipient{Kind: KindInvalid, Reason: "recipient is required"}
	}

	at := strings.LastIndex(trimmed, "@")
	if at < 0 {
		return Recipient{Kind: KindDirect, Identifier: trimmed}
	}

	local := strings.TrimSpace(trimmed[:at])
	domain := strings.TrimSpace(trimmed[at+1:])
	if local == "" || domain == "" {
		return Recipient{Kind: KindInvalid, Reason: fmt.Sprintf("malformed address %q", trimmed)}
	}

	if strings.EqualFold(domain, p.bridgeDomain) {
		return Recipient{Kind: KindBridged, Alias: local, Domain: p.bridgeDomain}
	}

	return Recipient{Kind: KindUnsupported, Domain: strings.ToLower(domain)}
}

// IsDirectIdentifierFormat reports whether value looks like a chain address
// (0x followed by 40 hex characters).
func IsDirectIdentifierFormat(value string) bool {
	return hexAddressPattern.MatchString(strings.TrimSpace(value))
}

// ShortenForDisplay abbreviates a chain address to prefix…suffix.
// Values that are not chain addresses are returned unchanged.
func ShortenForDisplay(value string, keep int) string {
	trimmed := strings.TrimSpace(value)
	if !IsDirectIdentifierFormat(trimmed) {
		return value
	}
	if keep <= 0 {
		keep = 4
	}
	return trimmed[:2+keep] + "…" + trimmed[len(trimmed)-keep:]
}

// ChecksumAddress normalizes a chain address to its EIP-55 mixed-case form.
// Values that are not chain addresses are returned unchanged.
func ChecksumAddress(value string) string {
	trimmed := strings.TrimSpace(value)
	if !IsDirectIdentifierFormat(trimmed) {
		return value
	}

	lower := strings.ToLower(trimmed[2:])
	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(lower))
	digest := hash.Sum(nil)

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' {
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i] = c
	}
	return "0x" + string(out)
}
