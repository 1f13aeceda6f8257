package inbox

import (
	"sort"
	"strings"
	"time"

	"github.com/peermail/peermail/internal/address"
	"github.com/peermail/peermail/internal/envelope"
)

// WelcomeID is the fixed id of the locally synthesized welcome item. It
// carries no network identity and cannot receive replies.
const WelcomeID = "welcome"

const (
	welcomeSubject = "Welcome to peermail"
	welcomePreview = "Your encrypted inbox is ready."
	welcomeBody    = "Your encrypted inbox is ready. Messages here travel " +
		"peer to peer, end to end encrypted; no server ever sees their " +
		"contents. Send a message to a chain address, an inbox id, or a " +
		"name like alice.eth to get started."
)

// welcomeSyntheticAt is the fixed timestamp shown on the welcome item.
var welcomeSyntheticAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ListItem is one display-ready row of the projected conversation list.
type ListItem struct {
	ID           string
	Label        string
	Preview      string
	LastActivity time.Time

	// Welcome marks the synthetic welcome item.
	Welcome bool
}

// Project derives the display-ready conversation list: the welcome item
// first (unless a non-empty query matches none of its text), then real
// conversations filtered by the query and sorted by recency. Ties keep
// first-sighting order.
func (s *Store) Project(query string) []ListItem {
	needle := strings.ToLower(strings.TrimSpace(query))

	items := make([]ListItem, 0, 8)
	if welcomeMatches(needle) {
		items = append(items, ListItem{
			ID:           WelcomeID,
			Label:        welcomeSubject,
			Preview:      welcomePreview,
			LastActivity: welcomeSyntheticAt,
			Welcome:      true,
		})
	}

	conversations := s.Conversations()
	filtered := make([]Conversation, 0, len(conversations))
	for _, conv := range conversations {
		if needle != "" && !strings.Contains(strings.ToLower(conv.DisplayLabel()), needle) {
			continue
		}
		filtered = append(filtered, conv)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].LastActivity().After(filtered[j].LastActivity())
	})

	for _, conv := range filtered {
		items = append(items, ListItem{
			ID:           conv.ID,
			Label:        address.ShortenForDisplay(conv.DisplayLabel(), 4),
			Preview:      previewOf(conv),
			LastActivity: conv.LastActivity(),
		})
	}
	return items
}

// ReconcileSelection keeps the previous selection when it survived a
// re-projection, falls back to the first item otherwise, and clears the
// selection when nothing is left.
func ReconcileSelection(prevID string, items []ListItem) string {
	for _, item := range items {
		if item.ID == prevID {
			return prevID
		}
	}
	if len(items) > 0 {
		return items[0].ID
	}
	return ""
}

func welcomeMatches(needle string) bool {
	if needle == "" {
		return true
	}
	for _, text := range []string{welcomeSubject, welcomePreview, welcomeBody} {
		if strings.Contains(strings.ToLower(text), needle) {
			return true
		}
	}
	return false
}

// WelcomeBody returns the welcome item's full body text for display.
func WelcomeBody() string {
	return welcomeBody
}

func previewOf(conv Conversation) string {
	if conv.LastMessage == nil {
		return ""
	}
	decoded := envelope.Decode(conv.LastMessage.Content)
	if decoded.Email {
		if decoded.Envelope.Subject != "" {
			return decoded.Envelope.Subject
		}
		return snippet(decoded.Envelope.Body)
	}
	return snippet(decoded.Text)
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > 80 {
		return string(runes[:80]) + "…"
	}
	return text
}
