package bot

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/copyflow/ledger"
	"github.com/web3guy0/copyflow/registry"
	"github.com/web3guy0/copyflow/storage"
	"github.com/web3guy0/copyflow/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Subscriber notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💡 Recommendation alerts (recommend mode)
//   ✅ Fill notifications (paper/auto)
//   💵 Redemption notices when markets resolve
//   🎛️ Control commands (/follow, /unfollow, /portfolio, /trades, /status)
//
// One chat, one subscriber: the chat id doubles as the subscriber id.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider supplies pipeline counters for /status.
type StatsProvider interface {
	Stats() map[string]int64
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	db       *storage.Database
	registry *registry.Registry
	ledger   *ledger.Ledger
	stats    StatsProvider

	startingBalance decimal.Decimal
}

// NewTelegramBot creates a new Telegram bot
func NewTelegramBot(token string, chatID int64, db *storage.Database, reg *registry.Registry, led *ledger.Ledger, stats StatsProvider, startingBalance decimal.Decimal) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:             api,
		chatID:          chatID,
		stopCh:          make(chan struct{}),
		db:              db,
		registry:        reg,
		ledger:          led,
		stats:           stats,
		startingBalance: startingBalance,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return bot, nil
}

// subscriberID is the chat owner's identity in the registry and ledger.
func (b *TelegramBot) subscriberID() string {
	return strconv.FormatInt(b.chatID, 10)
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS (exec.Notifier)
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyRecommendation sends a recommend-mode trade suggestion
func (b *TelegramBot) NotifyRecommendation(subscriberID string, e *types.TradeEvent, size decimal.Decimal) {
	emoji := "🟢"
	if e.Side == types.SideSell {
		emoji = "🔴"
	}

	msg := fmt.Sprintf(`💡 *TRADE SUGGESTION*

%s *%s* — %s
━━━━━━━━━━━━━━━━
📊 %s
👤 Source: `+"`%s`"+`
💵 Price: *%s¢*
📦 Suggested size: *$%s*`,
		emoji, e.Side, e.Outcome,
		e.Title,
		shortAddr(e.SourceAccount),
		e.Price.Mul(decimal.NewFromInt(100)).StringFixed(1),
		size.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// NotifyFill sends a fill confirmation
func (b *TelegramBot) NotifyFill(subscriberID string, e *types.TradeEvent, res types.Result) {
	emoji := "✅"
	if e.Side == types.SideSell {
		emoji = "📊"
	}

	msg := fmt.Sprintf(`%s *%s FILLED*

📊 %s — %s
💵 Price: *%s¢*
📦 Shares: *%s*
💰 Value: *$%s*`,
		emoji, e.Side,
		e.Title, e.Outcome,
		res.FillPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
		res.Shares.StringFixed(2),
		res.FillSize.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// NotifyRedemption sends a market-resolution settlement notice
func (b *TelegramBot) NotifyRedemption(subscriberID, title string, proceeds decimal.Decimal) {
	emoji := "💵"
	if proceeds.IsZero() {
		emoji = "📉"
	}

	msg := fmt.Sprintf(`%s *MARKET RESOLVED*

📊 %s
💰 Redeemed: *$%s*`,
		emoji, title,
		proceeds.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())
	args := strings.Fields(msg.CommandArguments())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "follow":
		b.cmdFollow(args)
	case "unfollow":
		b.cmdUnfollow(args)
	case "following":
		b.cmdFollowing()
	case "portfolio":
		b.cmdPortfolio()
	case "trades":
		b.cmdTrades()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *COPYFLOW COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📡 /follow <addr> [paper|recommend|auto] — Copy a trader
🚫 /unfollow <addr> — Stop copying
👥 /following — Accounts you copy
💼 /portfolio — Balance & positions
📜 /trades — Last 10 replicas
📊 /status — Pipeline status
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdFollow(args []string) {
	if len(args) == 0 {
		b.send("Usage: /follow <address> [paper|recommend|auto]")
		return
	}

	mode := types.ModePaper
	if len(args) > 1 {
		switch types.Mode(strings.ToLower(args[1])) {
		case types.ModePaper, types.ModeRecommend, types.ModeAuto:
			mode = types.Mode(strings.ToLower(args[1]))
		default:
			b.send("❓ Mode must be paper, recommend or auto")
			return
		}
	}

	subID := b.subscriberID()
	if err := b.ledger.OpenAccount(subID, b.startingBalance); err != nil {
		b.send("❌ Failed to open ledger account")
		log.Error().Err(err).Msg("Account open failed")
		return
	}
	if err := b.registry.Subscribe(types.Subscription{
		SubscriberID:  subID,
		SourceAccount: strings.ToLower(args[0]),
		Mode:          mode,
	}); err != nil {
		b.send("❌ Failed to subscribe")
		log.Error().Err(err).Msg("Subscribe failed")
		return
	}

	b.sendMarkdown(fmt.Sprintf("✅ Now copying `%s` in *%s* mode", shortAddr(args[0]), mode))
}

func (b *TelegramBot) cmdUnfollow(args []string) {
	if len(args) == 0 {
		b.send("Usage: /unfollow <address>")
		return
	}

	if err := b.registry.Unsubscribe(b.subscriberID(), strings.ToLower(args[0])); err != nil {
		b.send("❌ Failed to unsubscribe")
		log.Error().Err(err).Msg("Unsubscribe failed")
		return
	}
	b.sendMarkdown(fmt.Sprintf("🚫 Stopped copying `%s`", shortAddr(args[0])))
}

func (b *TelegramBot) cmdFollowing() {
	subs, err := b.db.GetAllSubscriptions()
	if err != nil {
		b.send("❌ Failed to fetch subscriptions")
		return
	}

	subID := b.subscriberID()
	msg := "👥 *FOLLOWING*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	count := 0
	for _, s := range subs {
		if s.SubscriberID != subID {
			continue
		}
		count++
		msg += fmt.Sprintf("📡 `%s` — *%s*\n", shortAddr(s.SourceAccount), s.Mode)
	}
	if count == 0 {
		b.send("📭 Not copying anyone. Use /follow <address>")
		return
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPortfolio() {
	v, err := b.ledger.Valuate(b.subscriberID())
	if err != nil {
		b.send("📭 No portfolio yet. Use /follow to start")
		return
	}

	positions, err := b.db.ListPositions(b.subscriberID())
	if err != nil {
		b.send("❌ Failed to fetch positions")
		return
	}

	sign := "+"
	if v.PnL.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`💼 *PORTFOLIO*
━━━━━━━━━━━━━━━━━━━━

💵 Cash: *$%s*
📦 Positions: *$%s*
💰 Total: *$%s*
📈 P&L: *%s$%s*

`,
		v.Cash.StringFixed(2),
		v.PositionsValue.StringFixed(2),
		v.TotalValue.StringFixed(2),
		sign, v.PnL.StringFixed(2),
	)

	for i, pos := range positions {
		msg += fmt.Sprintf("• %s — %s\n  %s sh @ %s¢ avg\n",
			pos.Title, pos.Outcome,
			pos.Shares.StringFixed(2),
			pos.AvgPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
		)
		if i >= 4 && len(positions) > 5 {
			msg += fmt.Sprintf("_... and %d more_\n", len(positions)-5)
			break
		}
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdTrades() {
	replicas, err := b.db.GetRecentReplicas(b.subscriberID(), 10)
	if err != nil {
		b.send("❌ Failed to fetch trades")
		return
	}
	if len(replicas) == 0 {
		b.send("📭 No replica history yet")
		return
	}

	msg := "📜 *LAST 10 REPLICAS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, r := range replicas {
		var emoji string
		switch types.ReplicaStatus(r.Status) {
		case types.StatusExecuted:
			emoji = "✅"
		case types.StatusSkipped:
			emoji = "⏭️"
		case types.StatusFailed:
			emoji = "❌"
		default:
			emoji = "⏳"
		}

		detail := r.ErrorReason
		if types.ReplicaStatus(r.Status) == types.StatusExecuted {
			detail = fmt.Sprintf("$%s @ %s¢",
				r.FillSize.StringFixed(2),
				r.FillPrice.Mul(decimal.NewFromInt(100)).StringFixed(1))
		}

		msg += fmt.Sprintf("%s %s %s\n   _%s — %s_\n\n",
			emoji, r.Side, r.Title,
			r.CreatedAt.Format("Jan 2 15:04"), detail,
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	if b.stats == nil {
		b.send("❌ Stats not available")
		return
	}

	s := b.stats.Stats()
	msg := fmt.Sprintf(`📊 *PIPELINE STATUS*
━━━━━━━━━━━━━━━━━━━━

🟢 RUNNING
📣 Events seen: *%d*
🔁 Replicas: *%d*
✅ Executed: *%d*
⏭️ Skipped: *%d*
❌ Failed: *%d*
🔂 Duplicates dropped: *%d*`,
		s["events_seen"], s["replicas"], s["executed"],
		s["skipped"], s["failed"], s["duplicates"],
	)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func shortAddr(addr string) string {
	if len(addr) > 10 {
		return addr[:10] + "..."
	}
	return addr
}
