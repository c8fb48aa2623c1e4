package reaction

import (
	"testing"

	"github.com/chatmesh/adapters/internal/emoji"
	"github.com/chatmesh/adapters/internal/model"
)

func TestApplyAdded(t *testing.T) {
	h := NewHandler(emoji.New(), "discord")
	msg := model.NewCachedMessage("conv1", "m1")
	delta := model.NewDelta("conv1")

	h.Apply(Added, msg, "👍", delta)

	if msg.Reactions["thumbsup"] != 1 {
		t.Errorf("Reactions[thumbsup] = %d, want 1", msg.Reactions["thumbsup"])
	}
	if len(delta.AddedReactions) != 1 || delta.AddedReactions[0].Emoji != "thumbsup" {
		t.Errorf("AddedReactions = %+v, want one thumbsup entry", delta.AddedReactions)
	}
}

func TestApplyRemovedOnUnreactedEmojiIsNoop(t *testing.T) {
	h := NewHandler(emoji.New(), "discord")
	msg := model.NewCachedMessage("conv1", "m1")
	delta := model.NewDelta("conv1")

	h.Apply(Removed, msg, "👍", delta)

	if len(delta.RemovedReactions) != 0 {
		t.Errorf("removing an absent reaction should not populate the delta, got %+v", delta.RemovedReactions)
	}
}

func TestApplyAddThenRemove(t *testing.T) {
	h := NewHandler(emoji.New(), "slack")
	msg := model.NewCachedMessage("conv1", "m1")
	delta := model.NewDelta("conv1")

	h.Apply(Added, msg, "tada", delta)
	h.Apply(Removed, msg, "tada", delta)

	if _, ok := msg.Reactions["tada"]; ok {
		t.Error("reaction count should be removed entirely at zero")
	}
	if len(delta.AddedReactions) != 1 || len(delta.RemovedReactions) != 1 {
		t.Errorf("expected one add and one remove in delta, got %+v", delta)
	}
}

func TestDiffAddedAndRemoved(t *testing.T) {
	old := map[string]int{"thumbsup": 2, "heart": 1}
	new := map[string]int{"thumbsup": 3, "joy": 1}

	added, removed := Diff(old, new)

	if len(added) != 2 {
		t.Errorf("added = %v, want 2 entries (1 thumbsup, 1 joy)", added)
	}
	if len(removed) != 1 || removed[0] != "heart" {
		t.Errorf("removed = %v, want [heart]", removed)
	}
}

func TestDiffNoChange(t *testing.T) {
	counts := map[string]int{"thumbsup": 1}
	added, removed := Diff(counts, counts)
	if len(added) != 0 || len(removed) != 0 {
		t.Errorf("identical snapshots should diff to nothing, got added=%v removed=%v", added, removed)
	}
}
