package platform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatmesh/adapters/internal/conversation"
	"github.com/chatmesh/adapters/internal/fileadapter"
	"github.com/chatmesh/adapters/internal/history"
	"github.com/chatmesh/adapters/internal/model"
	"github.com/chatmesh/adapters/internal/ratelimit"
	"github.com/chatmesh/adapters/pkg/adaerr"
)

// Local implements the text-file and shell back-ends: a directory of
// plain-text conversations where each "message" is an appended line and
// each conversation can optionally run shell commands as its outgoing
// command path. File I/O and process invocation here are intentionally
// thin wrappers; they exist to exercise FileEventCache's undo log and
// the conversation/event pipeline against a real local back-end, not to
// be a hardened shell runner.
type Local struct {
	*Base
	root   string
	events *fileadapter.FileEventCache
}

// NewLocal builds a Local adapter rooted at dir, one file per
// conversation.
func NewLocal(base Base, dir string, events *fileadapter.FileEventCache) *Local {
	return &Local{Base: NewBase("local", base), root: dir, events: events}
}

func (l *Local) convPath(conversationName string) string {
	return filepath.Join(l.root, conversationName+".txt")
}

// WatchAppend should be called whenever a line is observed appended to
// a conversation's backing file (by an external editor, tail -f, or
// fsnotify watch set up outside this package); it normalizes that line
// into a canonical AddToConversation delta.
func (l *Local) WatchAppend(conversationName, line, senderID string) {
	delta := l.Manager.AddToConversation(conversation.AddParams{
		PlatformConversationID: conversationName,
		ConversationType:       "channel",
		MessageID:              fmt.Sprintf("%d", time.Now().UnixNano()),
		SenderID:               senderID,
		SenderName:             senderID,
		Text:                   line,
		Timestamp:              time.Now(),
		RawMessage:             map[string]interface{}{"line": line},
	})
	l.emitDelta(delta)
}

// SendMessage appends text as a new line to the conversation's file,
// recording the append in the undo log.
func (l *Local) SendMessage(ctx context.Context, conversationName, conversationID, text, replyToMessageID string) (string, error) {
	if err := l.Limiter.LimitRequest(ctx, ratelimit.KindMessage, conversationID); err != nil {
		return "", adaerr.Wrap(adaerr.CategoryRateLimit, "local_send", true, err)
	}
	path := l.convPath(conversationName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", adaerr.Wrap(adaerr.CategoryInternal, "local_open", false, err)
	}
	defer f.Close()

	existed := true
	if info, statErr := os.Stat(path); statErr == nil && info.Size() == 0 {
		existed = false
	}

	messageID := fmt.Sprintf("%d", time.Now().UnixNano())
	if _, err := f.WriteString(messageID + "\t" + text + "\n"); err != nil {
		return "", adaerr.Wrap(adaerr.CategoryInternal, "local_write", false, err)
	}
	if existed {
		l.events.RecordUpdate(path, nil)
	} else {
		l.events.RecordCreate(path)
	}
	return messageID, nil
}

// EditMessage rewrites a single logical line, backing up the prior
// file contents so the edit can be undone.
func (l *Local) EditMessage(ctx context.Context, conversationName, conversationID, messageID, text string) error {
	if err := l.Limiter.LimitRequest(ctx, ratelimit.KindEditMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "local_edit", true, err)
	}
	path := l.convPath(conversationName)
	lines, old, err := l.readLines(path)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "local_read", false, err)
	}
	found := false
	for i, line := range lines {
		id, _, _ := strings.Cut(line, "\t")
		if id == messageID {
			lines[i] = messageID + "\t" + text
			found = true
			break
		}
	}
	if !found {
		return adaerr.New(adaerr.CategoryPlatform, "local_edit_not_found", "message not found", false)
	}
	if err := l.events.RecordUpdate(path, old); err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "local_backup", false, err)
	}
	return l.writeLines(path, lines)
}

// DeleteMessage removes a logical line, backing up the prior file
// contents so the deletion can be undone.
func (l *Local) DeleteMessage(ctx context.Context, conversationName, conversationID, messageID string) error {
	if err := l.Limiter.LimitRequest(ctx, ratelimit.KindDeleteMessage, conversationID); err != nil {
		return adaerr.Wrap(adaerr.CategoryRateLimit, "local_delete", true, err)
	}
	path := l.convPath(conversationName)
	lines, old, err := l.readLines(path)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "local_read", false, err)
	}
	kept := lines[:0]
	removed := false
	for _, line := range lines {
		id, _, _ := strings.Cut(line, "\t")
		if id == messageID {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return adaerr.New(adaerr.CategoryPlatform, "local_delete_not_found", "message not found", false)
	}
	if err := l.events.RecordDelete(path, old); err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "local_backup", false, err)
	}
	return l.writeLines(path, kept)
}

// AddReaction is a no-op: the text-file backend has no concept of a
// reaction, so it satisfies the dispatch.Adapter contract by reporting
// success without recording anything.
func (l *Local) AddReaction(ctx context.Context, conversationName, conversationID, messageID, canonicalEmoji string) error {
	return nil
}

// RemoveReaction mirrors AddReaction: a no-op for parity with the
// dispatch.Adapter contract.
func (l *Local) RemoveReaction(ctx context.Context, conversationName, conversationID, messageID, canonicalEmoji string) error {
	return nil
}

// Undo reverses the most recent tracked change to a conversation's
// file, per fileadapter.FileEventCache's undo log.
func (l *Local) Undo(conversationName string) error {
	path := l.convPath(conversationName)
	ev, content, err := l.events.Undo(path)
	if err != nil {
		return adaerr.Wrap(adaerr.CategoryInternal, "local_undo", false, err)
	}
	switch ev.Kind {
	case fileadapter.Create:
		return os.Remove(path)
	default:
		return os.WriteFile(path, content, 0o644)
	}
}

// RunCommand executes a shell command as the conversation's outgoing
// action, capturing combined output as the resulting message text.
// ctx's deadline bounds the process; commands are run with no shell
// expansion (argv is passed directly to exec, not through /bin/sh -c)
// to avoid turning adapter-level command text into arbitrary shell
// injection.
func (l *Local) RunCommand(ctx context.Context, conversationName, conversationID, name string, args []string) (string, error) {
	if err := l.Limiter.LimitRequest(ctx, ratelimit.KindMessage, conversationID); err != nil {
		return "", adaerr.Wrap(adaerr.CategoryRateLimit, "local_run", true, err)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), adaerr.Wrap(adaerr.CategoryPlatform, "local_command_failed", false, err)
	}
	return string(out), nil
}

// FetchMessages implements history.API by reading the conversation's
// backing file; anchorID is a message id, and Before/After select the
// lines preceding or following it, capped to limit.
func (l *Local) FetchMessages(ctx context.Context, conversationName, anchorID string, anchor history.Anchor, limit int) ([]history.RawMessage, error) {
	lines, _, err := l.readLines(l.convPath(conversationName))
	if err != nil {
		return nil, adaerr.Wrap(adaerr.CategoryInternal, "local_read", false, err)
	}

	cut := 0
	if anchorID != "" {
		for i, line := range lines {
			id, _, _ := strings.Cut(line, "\t")
			if id == anchorID {
				cut = i
				break
			}
		}
	}

	var window []string
	if anchor == history.Before {
		start := cut - limit
		if start < 0 {
			start = 0
		}
		window = lines[start:cut]
	} else {
		end := cut + 1 + limit
		if end > len(lines) {
			end = len(lines)
		}
		if cut+1 <= end {
			window = lines[cut+1 : end]
		}
	}

	out := make([]history.RawMessage, 0, len(window))
	for _, line := range window {
		line := line
		id, text, _ := strings.Cut(line, "\t")
		out = append(out, history.RawMessage{
			MessageID: id,
			SenderID:  "",
			Timestamp: time.Time{},
			Build: func(sender *model.UserInfo) *model.CachedMessage {
				cm := model.NewCachedMessage("", id)
				cm.Text = text
				return cm
			},
		})
	}
	return out, nil
}

// ResolveSender implements history.API; the local back-end has no
// identity directory, so every sender resolves to itself.
func (l *Local) ResolveSender(ctx context.Context, userID string) (*model.UserInfo, error) {
	return &model.UserInfo{UserID: userID, Username: userID}, nil
}

func (l *Local) readLines(path string) ([]string, []byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, content, scanner.Err()
}

func (l *Local) writeLines(path string, lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
