package domain

import "strings"

// Chat is one entry in a user's chat directory.
type Chat struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	IsGroup            bool   `json:"isGroup"`
	ParticipantCount   int    `json:"participantCount,omitempty"`
	LastMessagePreview string `json:"lastMessage,omitempty"`
}

// HasInformativeName reports whether the chat carries a real display name
// rather than a placeholder (empty, or just the chat ID echoed back).
func (c Chat) HasInformativeName() bool {
	name := strings.TrimSpace(c.Name)
	return name != "" && name != c.ID
}

// MergeChats folds incoming directory entries into the existing ones without
// losing information: a known display name is never replaced by a placeholder
// and a positive participant count never drops back to zero. Existing order
// is preserved and previously unseen chats are appended.
func MergeChats(existing, incoming []Chat) []Chat {
	merged := make([]Chat, len(existing))
	copy(merged, existing)

	index := make(map[string]int, len(existing))
	for i, c := range existing {
		index[c.ID] = i
	}

	for _, in := range incoming {
		i, ok := index[in.ID]
		if !ok {
			index[in.ID] = len(merged)
			merged = append(merged, in)
			continue
		}
		merged[i] = mergeChat(merged[i], in)
	}
	return merged
}

// mergeChat prefers the more informative value per field, leaning on the
// incoming entry when both sides carry real data.
func mergeChat(old, in Chat) Chat {
	out := in
	if !in.HasInformativeName() && old.HasInformativeName() {
		out.Name = old.Name
	}
	if in.ParticipantCount <= 0 && old.ParticipantCount > 0 {
		out.ParticipantCount = old.ParticipantCount
	}
	if strings.TrimSpace(in.LastMessagePreview) == "" {
		out.LastMessagePreview = old.LastMessagePreview
	}
	// Group membership only ever becomes known, not unknown.
	out.IsGroup = old.IsGroup || in.IsGroup
	return out
}
