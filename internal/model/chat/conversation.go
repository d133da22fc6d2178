package chat

import (
	"strings"
	"time"
)

// DefaultTitle is assigned to conversations created without a title.
const DefaultTitle = "New chat"

const titleLimit = 50

// Conversation is a titled thread of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TitleFromMessage derives a conversation title from its first user message.
func TitleFromMessage(content string) string {
	runes := []rune(content)
	truncated := len(runes) > titleLimit
	if truncated {
		runes = runes[:titleLimit]
	}

	title := strings.TrimSpace(strings.ReplaceAll(string(runes), "\n", " "))
	if title == "" {
		return DefaultTitle
	}
	if truncated {
		return title + "..."
	}
	return title
}
