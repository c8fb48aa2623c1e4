// Package reaction translates emoji adds/removes into canonical
// reactions and mirrors them into a ConversationDelta.
package reaction

import (
	"github.com/chatmesh/adapters/internal/emoji"
	"github.com/chatmesh/adapters/internal/model"
)

// Op identifies an add or remove reaction event.
type Op int

const (
	Added Op = iota
	Removed
)

// Handler mutates CachedMessage.Reactions and appends to a delta.
type Handler struct {
	Converter *emoji.Converter
	Platform  string
}

// NewHandler builds a reaction handler bound to one platform's emoji table.
func NewHandler(converter *emoji.Converter, platform string) *Handler {
	return &Handler{Converter: converter, Platform: platform}
}

// Apply normalizes rawEmoji to canonical form, dispatches on op, and
// mirrors the change into delta's added/removed reaction lists. Bot
// messages are filtered at the manager layer, not here, since whether a
// message is bot-owned is a manager-level concern shared across all
// reaction/edit/delete paths.
func (h *Handler) Apply(op Op, msg *model.CachedMessage, rawEmoji string, delta *model.ConversationDelta) {
	canonical := h.Converter.PlatformSpecificToStandard(h.Platform, rawEmoji)

	switch op {
	case Added:
		msg.AddReaction(canonical)
		delta.AddedReactions = append(delta.AddedReactions, model.ReactionDelta{
			MessageID: msg.MessageID,
			Emoji:     canonical,
		})
	case Removed:
		if msg.RemoveReaction(canonical) {
			delta.RemovedReactions = append(delta.RemovedReactions, model.ReactionDelta{
				MessageID: msg.MessageID,
				Emoji:     canonical,
			})
		}
	}
}

// Diff compares two reaction snapshots (old vs. new counts per emoji)
// and emits adds for any emoji whose count increased and removes for
// any whose count decreased. This serves platforms that deliver
// reaction snapshots instead of deltas, e.g. Telegram.
func Diff(old, new map[string]int) (added, removed []string) {
	for emoji, newCount := range new {
		oldCount := old[emoji]
		for i := oldCount; i < newCount; i++ {
			added = append(added, emoji)
		}
	}
	for emoji, oldCount := range old {
		newCount := new[emoji]
		for i := newCount; i < oldCount; i++ {
			removed = append(removed, emoji)
		}
	}
	return added, removed
}
