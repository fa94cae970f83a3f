// Package dispatch sends approved review items through rate-limited accounts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"outreach/internal/locks"
	"outreach/internal/mailer"
	"outreach/internal/model"
	"outreach/internal/storage"
)

var (
	// ErrBlocked means the recipient or its site is blocklisted.
	ErrBlocked = errors.New("blocklisted")
	// ErrDuplicate means the contact got this template within the short window.
	ErrDuplicate = errors.New("duplicate send")
	// ErrDuplicateDeferred means the contact got this template between the
	// short and long windows; the item stays approved.
	ErrDuplicateDeferred = errors.New("recent send, deferred")
	// ErrOutsideWindow means the current time is outside the send window.
	ErrOutsideWindow = errors.New("outside allowed window")
	// ErrNoAccount means no account has quota left.
	ErrNoAccount = errors.New("no send account available")
	// ErrUnrecorded means a message was delivered but its outcome could not be stored.
	ErrUnrecorded = errors.New("delivered but not recorded")
)

const (
	recordRetries = 3
	recordBackoff = 200 * time.Millisecond
)

var permanent = []error{
	ErrBlocked,
	ErrDuplicate,
	ErrOutsideWindow,
	ErrUnrecorded,
	mailer.ErrBounced,
	mailer.ErrRejected,
}

// IsPermanent reports whether a dispatch error must not be retried.
func IsPermanent(err error) bool {
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// Transport delivers a message through an account.
type Transport interface {
	Send(ctx context.Context, account *model.SendAccount, msg mailer.Message) error
}

// BlockGuard checks and extends the blocklist.
type BlockGuard interface {
	Check(ctx context.Context, email, siteDomain string) (*model.BlockEntry, bool, error)
	Add(ctx context.Context, typ model.BlockType, value, reason string, source model.BlockSource) (bool, error)
}

// Config holds the dispatch policy.
type Config struct {
	ShortWindow time.Duration
	LongWindow  time.Duration
	// StartHour and EndHour bound the UTC send window; EndHour is exclusive.
	StartHour   int
	EndHour     int
	MaxAttempts int
	SenderName  string
}

// Dispatcher runs the send guards and hands approved items to the transport.
type Dispatcher struct {
	store     storage.Storage
	blocks    BlockGuard
	transport Transport
	cfg       Config
	inflight  *locks.KeyedMutex
	log       *slog.Logger
	now       func() time.Time
}

// New creates a Dispatcher.
func New(store storage.Storage, blocks BlockGuard, transport Transport, cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.EndHour <= 0 {
		cfg.EndHour = 24
	}
	return &Dispatcher{
		store:     store,
		blocks:    blocks,
		transport: transport,
		cfg:       cfg,
		inflight:  locks.NewKeyedMutex(),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// InWindow reports whether t falls inside the send window.
func (d *Dispatcher) InWindow(t time.Time) bool {
	h := t.UTC().Hour()
	start, end := d.cfg.StartHour, d.cfg.EndHour
	if start <= end {
		return h >= start && h < end
	}
	// Window wraps midnight.
	return h >= start || h < end
}

// Dispatch attempts delivery of one approved review item. Items in any other
// status, or already being dispatched, are skipped without error.
func (d *Dispatcher) Dispatch(ctx context.Context, itemID int64) error {
	key := strconv.FormatInt(itemID, 10)
	if !d.inflight.TryLock(key) {
		d.log.Debug("review item already dispatching", "item_id", itemID)
		return nil
	}
	defer d.inflight.Unlock(key)

	item, err := d.store.GetReviewItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("get review item: %w", err)
	}
	if item.Status != model.ReviewApproved {
		d.log.Debug("review item not approved, skipping", "item_id", itemID, "status", item.Status)
		return nil
	}

	site, err := d.store.GetSite(ctx, item.SiteID)
	if err != nil {
		return fmt.Errorf("get site: %w", err)
	}
	now := d.now()

	if err := d.guard(ctx, item, site, now); err != nil {
		return err
	}

	account, err := d.store.ReserveAccount(ctx)
	if errors.Is(err, storage.ErrNoCapacity) {
		d.deferItem(ctx, item.ID, ErrNoAccount.Error())
		return ErrNoAccount
	}
	if err != nil {
		return fmt.Errorf("reserve account: %w", err)
	}

	msg := mailer.Message{
		MessageID: newMessageID(account.FromEmail),
		FromName:  d.cfg.SenderName,
		To:        item.Recipient,
		Subject:   item.Subject,
		Body:      item.Body,
		Preheader: item.Preheader,
	}
	sendErr := d.transport.Send(ctx, account, msg)

	record := model.SentRecord{
		ReviewItemID: item.ID,
		ContactID:    item.ContactID,
		Recipient:    item.Recipient,
		AccountID:    &account.ID,
		TemplateID:   item.TemplateID,
		MessageID:    msg.MessageID,
		Subject:      item.Subject,
		Body:         item.Body,
		Status:       model.DeliverySent,
	}
	out := storage.SendOutcome{ItemID: item.ID, ContactID: item.ContactID, AccountID: &account.ID, At: d.now()}

	// Outcomes are stored even if ctx was cancelled mid-send.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if sendErr == nil {
		out.Record = record
		if err := d.recordSuccess(rctx, out); err != nil {
			d.log.Error("record delivered message", "item_id", item.ID, "message_id", msg.MessageID, "error", err)
			d.markDelivered(rctx, out, msg.MessageID, err)
			return fmt.Errorf("%w: %w", ErrUnrecorded, err)
		}
		d.log.Info("message sent", "item_id", item.ID, "to", item.Recipient, "account", account.Name, "message_id", msg.MessageID)
		return nil
	}

	return d.recordFailure(rctx, item, account, record, out, sendErr)
}

// recordSuccess stores a delivery, retrying transient storage errors.
func (d *Dispatcher) recordSuccess(ctx context.Context, out storage.SendOutcome) error {
	b := retry.WithMaxRetries(recordRetries, retry.NewConstant(recordBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := d.store.RecordSendSuccess(ctx, out)
		if err == nil || errors.Is(err, storage.ErrStaleState) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// markDelivered takes a delivered item out of approved when its outcome
// could not be recorded, so no sweep sends it again.
func (d *Dispatcher) markDelivered(ctx context.Context, out storage.SendOutcome, messageID string, cause error) {
	reason := truncate(fmt.Sprintf("%s as %s: %v", ErrUnrecorded, messageID, cause), 500)
	if err := d.store.MarkReviewItemDelivered(ctx, out.ItemID, out.AccountID, reason, out.At); err != nil {
		d.log.Error("mark delivered item sent", "item_id", out.ItemID, "message_id", messageID, "error", err)
	}
}

// guard runs the checks that must pass before any quota is consumed.
func (d *Dispatcher) guard(ctx context.Context, item *model.ReviewItem, site *model.Site, now time.Time) error {
	entry, blocked, err := d.blocks.Check(ctx, item.Recipient, site.Domain)
	if err != nil {
		return fmt.Errorf("check blocklist: %w", err)
	}
	if blocked {
		reason := fmt.Sprintf("%s: %s %s", ErrBlocked, entry.Type, entry.Value)
		if err := d.store.FailReviewItem(ctx, item.ID, reason); err != nil {
			return err
		}
		d.log.Info("send blocked", "item_id", item.ID, "to", item.Recipient, "entry", entry.Value)
		return fmt.Errorf("%w: %s %s", ErrBlocked, entry.Type, entry.Value)
	}

	last, err := d.store.LastSentAt(ctx, item.ContactID, item.TemplateID, item.Recipient)
	if err != nil {
		return fmt.Errorf("last sent: %w", err)
	}
	if last != nil {
		age := now.Sub(*last)
		switch {
		case age < d.cfg.ShortWindow:
			reason := fmt.Sprintf("%s: last sent %s", ErrDuplicate, last.Format(time.RFC3339))
			if err := d.store.FailReviewItem(ctx, item.ID, reason); err != nil {
				return err
			}
			return fmt.Errorf("%w: last sent %s", ErrDuplicate, last.Format(time.RFC3339))
		case age < d.cfg.LongWindow:
			d.deferItem(ctx, item.ID, fmt.Sprintf("%s until %s", ErrDuplicateDeferred, last.Add(d.cfg.LongWindow).Format(time.RFC3339)))
			return ErrDuplicateDeferred
		}
	}

	if !d.InWindow(now) {
		window := fmt.Sprintf("%02d:00-%02d:00 UTC", d.cfg.StartHour, d.cfg.EndHour)
		if err := d.store.FailReviewItem(ctx, item.ID, fmt.Sprintf("%s %s", ErrOutsideWindow, window)); err != nil {
			return err
		}
		return fmt.Errorf("%w %s", ErrOutsideWindow, window)
	}
	return nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, item *model.ReviewItem, account *model.SendAccount,
	record model.SentRecord, out storage.SendOutcome, sendErr error) error {
	if err := d.store.ReleaseAccount(ctx, account.ID); err != nil {
		d.log.Error("release account", "account_id", account.ID, "error", err)
	}

	record.Status = model.DeliveryFailed
	if errors.Is(sendErr, mailer.ErrBounced) {
		record.Status = model.DeliveryBounced
	}
	record.Error = truncate(sendErr.Error(), 500)
	out.Record = record
	if err := d.store.RecordSendFailure(ctx, out); err != nil {
		return fmt.Errorf("record send failure: %w (send: %w)", err, sendErr)
	}
	d.log.Warn("send failed", "item_id", item.ID, "to", item.Recipient, "account", account.Name,
		"status", record.Status, "error", sendErr)

	if record.Status == model.DeliveryBounced {
		if _, err := d.blocks.Add(ctx, model.BlockEmail, item.Recipient, "bounced: "+truncate(sendErr.Error(), 200),
			model.BlockAutoDetected); err != nil {
			d.log.Error("blocklist bounced address", "email", item.Recipient, "error", err)
		}
	}

	if IsPermanent(sendErr) {
		return sendErr
	}
	if item.SendAttempts+1 < d.cfg.MaxAttempts {
		if err := d.store.RequeueReviewItem(ctx, item.ID); err != nil {
			d.log.Error("requeue review item", "item_id", item.ID, "error", err)
		}
	}
	return sendErr
}

func (d *Dispatcher) deferItem(ctx context.Context, id int64, reason string) {
	if err := d.store.DeferReviewItem(ctx, id, reason); err != nil {
		d.log.Error("defer review item", "item_id", id, "error", err)
	}
}

func newMessageID(from string) string {
	domain := "localhost"
	if _, host, ok := strings.Cut(from, "@"); ok && host != "" {
		domain = host
	}
	return uuid.NewString() + "@" + domain
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
