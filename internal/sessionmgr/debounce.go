package sessionmgr

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/debounce"
	"github.com/haasonsaas/nexus/pkg/models"
)

// inboundText is one message queued for a channel identity before it is
// folded into a submitted turn.
type inboundText struct {
	ctx       context.Context
	channel   models.ChannelType
	channelID string
	text      string
}

// TurnDebouncer batches rapid-fire messages from the same channel identity
// into a single submitted turn, joined by newlines on flush. Chat-style
// channels routinely deliver a burst of short messages ("wait", "also do X")
// that the user means as one turn; submitting each separately would spend a
// SubmitTurn call per fragment and run headlong into the single-live-
// execution invariant the rest of the slot enforces.
type TurnDebouncer struct {
	mgr *Manager
	d   *debounce.Debouncer[inboundText]
}

// NewTurnDebouncer wraps mgr with a debounce window. A zero window disables
// batching: every Submit call flushes immediately.
func NewTurnDebouncer(mgr *Manager, window time.Duration) *TurnDebouncer {
	td := &TurnDebouncer{mgr: mgr}
	td.d = debounce.NewDebouncer(
		debounce.WithDebounceDuration[inboundText](window),
		debounce.WithBuildKey(func(item *inboundText) string {
			return channelKey(item.channel, item.channelID)
		}),
		debounce.WithOnFlush(func(items []*inboundText) error {
			if len(items) == 0 {
				return nil
			}
			texts := make([]string, 0, len(items))
			for _, it := range items {
				texts = append(texts, it.text)
			}
			last := items[len(items)-1]
			_, err := td.mgr.SubmitTurn(last.ctx, last.channel, last.channelID, strings.Join(texts, "\n"))
			return err
		}),
	)
	return td
}

// Submit enqueues text for a channel identity, flushing as one batched turn
// once the debounce window elapses without a further message.
func (td *TurnDebouncer) Submit(ctx context.Context, channel models.ChannelType, channelID, text string) {
	td.d.Enqueue(&inboundText{ctx: ctx, channel: channel, channelID: channelID, text: text})
}

// FlushNow forces immediate submission of any pending batch for a channel,
// bypassing the debounce window.
func (td *TurnDebouncer) FlushNow(channel models.ChannelType, channelID string) {
	td.d.FlushKey(channelKey(channel, channelID))
}

// Stop cancels any pending timers without flushing. Callers that need
// pending batches submitted first should FlushNow each live channel before
// calling Stop.
func (td *TurnDebouncer) Stop() {
	td.d.Stop()
}
