// Package bot implements the Telegram moderation interface for the review queue.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"outreach/internal/config"
	"outreach/internal/model"
	"outreach/internal/review"
	"outreach/internal/storage"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot lets moderators inspect and decide review items from Telegram.
type Bot struct {
	api   telegramAPI
	store storage.Storage
	queue *review.Queue
	cfg   *config.Config
	log   *slog.Logger
}

// New creates a Bot with the given Telegram token.
func New(token string, store storage.Storage, queue *review.Queue, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:   api,
		store: store,
		queue: queue,
		cfg:   cfg,
		log:   log,
	}, nil
}

// SetQueue attaches the review queue. The queue and the bot reference each
// other, so one of them has to be wired after construction.
func (b *Bot) SetQueue(q *review.Queue) {
	b.queue = q
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

var _ review.Notifier = (*Bot)(nil)

// NotifyReviewItem posts a new review item with decision buttons to the
// moderator chat. It does nothing when no moderator chat is configured.
func (b *Bot) NotifyReviewItem(item model.ReviewItem) {
	if b.cfg.ModeratorChatID == 0 {
		return
	}
	b.sendItem(b.cfg.ModeratorChatID, &item)
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) sendItem(chatID int64, item *model.ReviewItem) {
	msg := tgbotapi.NewMessage(chatID, FormatReviewItem(item))
	msg.DisableWebPagePreview = true
	if item.Status == model.ReviewPending {
		msg.ReplyMarkup = decisionKeyboard(item.ID)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send review item", "chat_id", chatID, "item_id", item.ID, "error", err)
	}
}

func decisionKeyboard(id int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", fmt.Sprintf("%s:%d", actionApprove, id)),
			tgbotapi.NewInlineKeyboardButtonData("Reject", fmt.Sprintf("%s:%d", actionReject, id)),
		),
	)
}

// reviewer identifies a Telegram user in review decisions.
func reviewer(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return fmt.Sprintf("tg:%d", u.ID)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID
	who := reviewer(msg.From)

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "pending":
		b.handlePending(ctx, chatID, args)
	case actionShow:
		b.handleShow(ctx, chatID, args)
	case actionApprove:
		b.handleDecision(ctx, chatID, args, who, model.ReviewApproved)
	case actionReject:
		b.handleDecision(ctx, chatID, args, who, model.ReviewRejected)
	case "approveall":
		b.handleBulk(ctx, chatID, args, who, model.ReviewApproved)
	case "rejectall":
		b.handleBulk(ctx, chatID, args, who, model.ReviewRejected)
	case "stats":
		b.handleStats(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
