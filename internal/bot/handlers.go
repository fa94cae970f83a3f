package bot

import (
	"context"
	"errors"
	"fmt"

	"outreach/internal/model"
	"outreach/internal/storage"
)

const (
	defaultPendingLimit = 10
	maxPendingLimit     = 50
	bulkLimit           = 100
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Outreach moderation bot.

New review items are posted here with Approve and Reject buttons.
Approved messages are sent by the dispatcher within the send window.

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Review queue:
/pending [n] - list pending items (default 10)
/show <id> - show an item with decision buttons
/approve <id> [notes] - approve an item
/reject <id> [notes] - reject an item
/approveall [id...] - approve the listed or all pending items
/rejectall [id...] - reject the listed or all pending items

Pipeline:
/stats - site, contact, review and quota counters`)
}

func (b *Bot) handlePending(ctx context.Context, chatID int64, args string) {
	limit := defaultPendingLimit
	if args != "" {
		n, err := ParseIDArg(args)
		if err != nil || n < 1 {
			b.reply(chatID, "Usage: /pending [n]")
			return
		}
		limit = int(min(n, maxPendingLimit))
	}

	items, err := b.queue.Pending(ctx, limit)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatPendingList(items))
}

func (b *Bot) handleShow(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /show <id>")
		return
	}

	item, err := b.queue.Get(ctx, id)
	if err != nil {
		b.replyLookupError(chatID, id, err)
		return
	}
	b.sendItem(chatID, item)
}

func (b *Bot) handleDecision(ctx context.Context, chatID int64, args, who string, to model.ReviewStatus) {
	id, notes, err := ParseDecisionArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /%s <id> [notes]", verb(to)))
		return
	}
	b.decide(ctx, chatID, id, notes, who, to)
}

func (b *Bot) decide(ctx context.Context, chatID, id int64, notes, who string, to model.ReviewStatus) {
	decide := b.queue.Approve
	if to == model.ReviewRejected {
		decide = b.queue.Reject
	}

	changed, err := decide(ctx, id, who, notes)
	if err != nil {
		b.replyLookupError(chatID, id, err)
		return
	}
	if !changed {
		item, err := b.queue.Get(ctx, id)
		if err != nil {
			b.replyLookupError(chatID, id, err)
			return
		}
		b.reply(chatID, fmt.Sprintf("Item #%d is already %s.", id, item.Status))
		return
	}
	b.reply(chatID, fmt.Sprintf("Item #%d %s by %s.", id, to, who))
}

func (b *Bot) handleBulk(ctx context.Context, chatID int64, args, who string, to model.ReviewStatus) {
	ids, err := ParseIDList(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if len(ids) == 0 {
		items, err := b.queue.Pending(ctx, bulkLimit)
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		for _, it := range items {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) == 0 {
		b.reply(chatID, "No pending items.")
		return
	}

	bulk := b.queue.BulkApprove
	if to == model.ReviewRejected {
		bulk = b.queue.BulkReject
	}
	n, err := bulk(ctx, ids, who, "")
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error after %d of %d items: %v", n, len(ids), err))
		return
	}
	b.reply(chatID, fmt.Sprintf("%d of %d items %s.", n, len(ids), to))
}

func (b *Bot) handleStats(ctx context.Context, chatID int64) {
	st, err := b.store.Stats(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatStats(st))
}

func (b *Bot) replyLookupError(chatID, id int64, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("Item #%d not found.", id))
		return
	}
	b.reply(chatID, fmt.Sprintf("Error: %v", err))
}

func verb(to model.ReviewStatus) string {
	if to == model.ReviewRejected {
		return actionReject
	}
	return actionApprove
}
