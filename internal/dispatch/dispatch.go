// Package dispatch routes the bot host's outgoing commands — arriving
// as event.OutgoingCommand over pkg/socketio's bot_response channel —
// to the platform adapter that owns each conversation, journaling
// every command through the durable internal/queue.Queue first so a
// crash between enqueue and delivery never silently drops a bot
// action. The request pipeline delivers synchronously via ExecuteSync
// (bounded retries, then ack or fail, so the socket reply can carry
// the outcome); the background Run loop exists to redeliver whatever a
// crash left behind.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatmesh/adapters/internal/conversation"
	"github.com/chatmesh/adapters/internal/event"
	"github.com/chatmesh/adapters/internal/queue"
	"github.com/chatmesh/adapters/pkg/adaerr"
)

// Adapter is the subset of platform.Discord/Slack/Telegram/Zulip/Local
// every dispatcher needs: delivery of one outgoing action against a
// platform-native conversation handle. Every concrete adapter already
// satisfies this through its existing methods.
type Adapter interface {
	SendMessage(ctx context.Context, platformConversationID, conversationID, text, replyToMessageID string) (string, error)
	EditMessage(ctx context.Context, platformConversationID, conversationID, messageID, text string) error
	DeleteMessage(ctx context.Context, platformConversationID, conversationID, messageID string) error
	AddReaction(ctx context.Context, platformConversationID, conversationID, messageID, canonicalEmoji string) error
	RemoveReaction(ctx context.Context, platformConversationID, conversationID, messageID, canonicalEmoji string) error
}

// commandPayload is the JSON shape stored in queue.Command.Payload,
// carrying everything Deliver needs that the queue schema itself
// doesn't already track.
type commandPayload struct {
	Kind             string `json:"kind"`
	Text             string `json:"text,omitempty"`
	Emoji            string `json:"emoji,omitempty"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
}

// Dispatcher bridges canonical OutgoingCommands onto the durable queue
// and, from the other end, routes dequeued commands to the adapter and
// conversation manager that own them.
type Dispatcher struct {
	Queue *queue.Queue
	Log   *slog.Logger

	adapters map[string]Adapter
	managers map[string]*conversation.Manager
}

// NewDispatcher builds a Dispatcher over q, delivering to the given
// per-adapter registries. Both maps are keyed by adapter name (the
// same name passed to platform.NewBase and stored as the prefix of
// every canonical conversation id).
func NewDispatcher(q *queue.Queue, adapters map[string]Adapter, managers map[string]*conversation.Manager, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		Queue:    q,
		Log:      log.With("component", "dispatcher"),
		adapters: adapters,
		managers: managers,
	}
}

// adapterName extracts the adapter prefix from a canonical conversation
// id (model.ConversationID's "<adapter>_<hash>" shape).
func adapterName(conversationID string) string {
	if i := strings.IndexByte(conversationID, '_'); i > 0 {
		return conversationID[:i]
	}
	return conversationID
}

// Enqueue durably queues one already-split, already-validated outgoing
// command for delivery. Call this once per command returned by
// event.OutgoingProcessor.Process.
func (d *Dispatcher) Enqueue(ctx context.Context, cmd event.OutgoingCommand) (*queue.EnqueueResult, error) {
	var cmdType queue.CommandType
	switch cmd.Kind {
	case event.SendMessage:
		cmdType = queue.CommandSend
	case event.EditMessage:
		cmdType = queue.CommandEdit
	case event.DeleteMessage:
		cmdType = queue.CommandDelete
	case event.AddReaction, event.RemoveReaction:
		cmdType = queue.CommandReact
	default:
		return nil, fmt.Errorf("dispatch: unknown outgoing command kind %q", cmd.Kind)
	}

	payload, err := json.Marshal(commandPayload{
		Kind:             cmd.Kind,
		Text:             cmd.Text,
		Emoji:            cmd.Emoji,
		ReplyToMessageID: cmd.ReplyToMessageID,
		MessageID:        cmd.MessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal payload: %w", err)
	}

	return d.Queue.Enqueue(ctx, queue.Command{
		ID:             uuid.NewString(),
		Adapter:        adapterName(cmd.ConversationID),
		ConversationID: cmd.ConversationID,
		Type:           cmdType,
		Payload:        payload,
	})
}

// Delivery attempts ExecuteSync makes before declaring a command
// failed; only errors marked retryable by adaerr get a second try.
const (
	syncMaxAttempts  = 3
	syncRetryBackoff = 250 * time.Millisecond
)

// ExecuteSync journals cmd into the durable queue, claims it, and
// delivers it immediately, retrying transient platform errors with a
// short backoff before giving up. The journal entry means a
// crash between enqueue and ack leaves the command for the background
// Run loop to redeliver on restart; a clean failure is marked failed
// outright, since the caller reports it upstream and a late background
// redelivery would duplicate the action. Returns the platform message
// id for send_message deliveries.
func (d *Dispatcher) ExecuteSync(ctx context.Context, cmd event.OutgoingCommand) (string, error) {
	res, err := d.Enqueue(ctx, cmd)
	if err != nil {
		return "", err
	}
	claimed, err := d.Queue.Claim(ctx, res.ID)
	if err != nil {
		return "", err
	}
	if !claimed {
		// The background drain loop won the race; it owns delivery now.
		return "", nil
	}

	var messageID string
	var deliverErr error
	for attempt := 1; attempt <= syncMaxAttempts; attempt++ {
		messageID, deliverErr = d.deliverOnce(ctx, cmd)
		if deliverErr == nil {
			break
		}
		if !adaerr.IsRetryable(deliverErr) || attempt == syncMaxAttempts {
			break
		}
		select {
		case <-time.After(syncRetryBackoff << (attempt - 1)):
		case <-ctx.Done():
			deliverErr = ctx.Err()
			attempt = syncMaxAttempts
		}
	}

	if deliverErr != nil {
		if failErr := d.Queue.Fail(ctx, res.ID, deliverErr); failErr != nil {
			d.Log.Error("mark command failed", "command_id", res.ID, "error", failErr)
		}
		return "", deliverErr
	}
	if ackErr := d.Queue.Ack(ctx, res.ID); ackErr != nil {
		d.Log.Error("ack failed", "command_id", res.ID, "error", ackErr)
	}
	return messageID, nil
}

// deliverOnce routes one command to its owning adapter and returns the
// resulting platform message id, if the operation produces one.
func (d *Dispatcher) deliverOnce(ctx context.Context, cmd event.OutgoingCommand) (string, error) {
	adapter, ok := d.adapters[adapterName(cmd.ConversationID)]
	if !ok {
		return "", fmt.Errorf("dispatch: no adapter registered for %q", adapterName(cmd.ConversationID))
	}
	mgr, ok := d.managers[adapterName(cmd.ConversationID)]
	if !ok {
		return "", fmt.Errorf("dispatch: no conversation manager registered for %q", adapterName(cmd.ConversationID))
	}
	conv, ok := mgr.ByCanonicalID(cmd.ConversationID)
	if !ok {
		return "", fmt.Errorf("dispatch: unknown conversation %q", cmd.ConversationID)
	}

	switch cmd.Kind {
	case event.SendMessage:
		return adapter.SendMessage(ctx, conv.PlatformConversationID, cmd.ConversationID, cmd.Text, cmd.ReplyToMessageID)
	case event.EditMessage:
		return "", adapter.EditMessage(ctx, conv.PlatformConversationID, cmd.ConversationID, cmd.MessageID, cmd.Text)
	case event.DeleteMessage:
		return "", adapter.DeleteMessage(ctx, conv.PlatformConversationID, cmd.ConversationID, cmd.MessageID)
	case event.AddReaction:
		return "", adapter.AddReaction(ctx, conv.PlatformConversationID, cmd.ConversationID, cmd.MessageID, cmd.Emoji)
	case event.RemoveReaction:
		return "", adapter.RemoveReaction(ctx, conv.PlatformConversationID, cmd.ConversationID, cmd.MessageID, cmd.Emoji)
	default:
		return "", fmt.Errorf("dispatch: unknown outgoing command kind %q", cmd.Kind)
	}
}

// Run drains the queue at the given poll interval until ctx is
// cancelled, delivering each dequeued command and Ack/Nack-ing the
// result. Intended to run as its own goroutine per queue instance.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

// drainOnce dequeues and delivers commands until the queue goes dry.
func (d *Dispatcher) drainOnce(ctx context.Context) {
	for {
		res, err := d.Queue.Dequeue(ctx)
		if err != nil {
			d.Log.Error("dequeue failed", "error", err)
			return
		}
		if !res.Found {
			return
		}
		d.deliver(ctx, *res.Command)
	}
}

// deliver executes one dequeued command against its owning adapter and
// Ack/Nacks the outcome.
func (d *Dispatcher) deliver(ctx context.Context, cmd queue.Command) {
	log := d.Log.With("command_id", cmd.ID, "adapter", cmd.Adapter, "type", cmd.Type)

	var payload commandPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		log.Error("malformed command payload", "error", err)
		d.nack(ctx, cmd, err)
		return
	}

	_, err := d.deliverOnce(ctx, event.OutgoingCommand{
		Kind:             payload.Kind,
		ConversationID:   cmd.ConversationID,
		MessageID:        payload.MessageID,
		Text:             payload.Text,
		Emoji:            payload.Emoji,
		ReplyToMessageID: payload.ReplyToMessageID,
	})
	if err != nil {
		log.Warn("delivery failed", "error", err)
		d.nack(ctx, cmd, err)
		return
	}
	if ackErr := d.Queue.Ack(ctx, cmd.ID); ackErr != nil {
		log.Error("ack failed", "error", ackErr)
	}
}

func (d *Dispatcher) nack(ctx context.Context, cmd queue.Command, cause error) {
	if err := d.Queue.Nack(ctx, cmd.ID, cause); err != nil && !errors.Is(err, queue.ErrMaxAttemptsExceeded) {
		d.Log.Error("nack failed", "command_id", cmd.ID, "error", err)
	}
}
