// Package bot is the Telegram control plane: manual generation,
// schedule edits and status reporting.
package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"memeflow/internal/generator"
	"memeflow/internal/logging"
	"memeflow/internal/model"
	"memeflow/internal/scheduler"
)

type TelegramBot struct {
	tg         *tgbotapi.BotAPI
	svc        *scheduler.Service
	log        *logging.Logger
	errorsPath string
}

func NewTelegramBot(svc *scheduler.Service, log *logging.Logger, errorsPath string) (*TelegramBot, error) {
	tok := os.Getenv("TELEGRAM_BOT_TOKEN")
	if tok == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN is empty")
	}
	api, err := tgbotapi.NewBotAPI(tok)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return &TelegramBot{
		tg:         api,
		svc:        svc,
		log:        log,
		errorsPath: errorsPath,
	}, nil
}

func (b *TelegramBot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.tg.GetUpdatesChan(u)
	b.log.Infof("telegram bot started as @%s", b.tg.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd := <-updates:
			if upd.Message != nil && upd.Message.IsCommand() {
				b.handleCommand(ctx, upd.Message)
			}
		}
	}
}

func (b *TelegramBot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	chatID := msg.Chat.ID

	// Remember the chat so scheduled posts land here too.
	go b.savePostsChatIDIfNeeded(ctx, chatID)

	switch cmd {
	case "start":
		b.replyText(chatID, "Привет! Я бот для генерации мем-видео. Наберите /help для списка команд.")
	case "help":
		b.cmdHelp(chatID)
	case "meme":
		b.cmdMeme(ctx, chatID)
	case "batch":
		b.cmdBatch(ctx, chatID, msg.CommandArguments())
	case "status":
		b.cmdStatus(ctx, chatID)
	case "forcecheck":
		b.cmdForceCheck(ctx, chatID)
	case "scheduleinfo":
		b.cmdScheduleInfo(chatID)
	case "setnext":
		b.cmdSetNext(ctx, chatID, msg.CommandArguments())
	case "runscheduled":
		b.cmdRunScheduled(ctx, chatID)
	case "clearschedule":
		b.cmdClearSchedule(ctx, chatID)
	case "errors":
		b.cmdErrors(chatID)
	case "chatid":
		b.replyText(chatID, fmt.Sprintf("Ваш Chat ID: %d", chatID))
	default:
		b.replyText(chatID, "Неизвестная команда. Используйте /help")
	}
}

func (b *TelegramBot) cmdHelp(chatID int64) {
	help := `Команды:
/start — приветствие
/help — помощь
/meme — сгенерировать один мем и прислать сюда
/batch N — сгенерировать партию из N мемов (1-10)
/status — источники, очередь, история и статус доступности
/forcecheck — принудительно проверить доступность источника
/scheduleinfo — расписание отправок на сегодня
/setnext <HH:MM | +30m | +2h> — перенести ближайшую отправку
/runscheduled — запустить плановую генерацию сейчас
/clearschedule — сбросить расписание (пересоздастся автоматически)
/errors — последние строки errors.log
/chatid — показать текущий chat ID

Мемы отправляются по расписанию (10:00-23:59) в канал постов.`
	b.replyText(chatID, help)
}

// cmdMeme generates a single meme under the generation lock and sends
// the clip back to the chat.
func (b *TelegramBot) cmdMeme(ctx context.Context, chatID int64) {
	go func() {
		statusMsgID := b.replyText(chatID, "⏳ Генерирую мем...")

		meme, err := b.svc.Coordinator().GenerateOne(context.Background())
		if err != nil {
			var busy *generator.ErrBusy
			if errors.As(err, &busy) {
				b.editMessage(chatID, statusMsgID,
					fmt.Sprintf("⚠️ Генератор уже занят %s, попробуйте позже", busy.Held.Round(time.Second)))
				return
			}
			b.log.Errorf("bot: /meme failed: %v", err)
			b.editMessage(chatID, statusMsgID, fmt.Sprintf("❌ Ошибка генерации: %v", err))
			return
		}

		b.editMessage(chatID, statusMsgID, "📤 Отправляю видео...")
		if b.sendMemeVideo(context.Background(), chatID, meme) {
			b.editMessage(chatID, statusMsgID, "✅ Готово")
		} else {
			b.editMessage(chatID, statusMsgID, "❌ Не удалось отправить видео")
		}
	}()
}

func (b *TelegramBot) cmdBatch(ctx context.Context, chatID int64, args string) {
	count := 3
	if v := strings.TrimSpace(args); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 10 {
			b.replyText(chatID, "Использование: /batch N (1-10)")
			return
		}
		count = n
	}

	go func() {
		statusMsgID := b.replyText(chatID, fmt.Sprintf("⏳ Генерирую партию из %d мемов...", count))

		res, err := b.svc.Coordinator().GenerateBatch(context.Background(), count)
		if err != nil {
			var busy *generator.ErrBusy
			if errors.As(err, &busy) {
				b.editMessage(chatID, statusMsgID,
					fmt.Sprintf("⚠️ Генератор уже занят %s, попробуйте позже", busy.Held.Round(time.Second)))
				return
			}
			b.log.Errorf("bot: /batch failed: %v", err)
			b.editMessage(chatID, statusMsgID, fmt.Sprintf("❌ Ошибка генерации: %v", err))
			return
		}

		b.editMessage(chatID, statusMsgID, fmt.Sprintf("✅ Партия готова: %s", res.Summary()))
		for _, meme := range res.Memes {
			b.sendMemeVideo(context.Background(), chatID, meme)
		}
	}()
}

func (b *TelegramBot) sendMemeVideo(ctx context.Context, chatID int64, meme *model.Meme) bool {
	videoPath, err := b.svc.DownloadMemeToTemp(ctx, meme)
	if err != nil {
		b.log.Errorf("bot: download meme %s: %v", meme.ID, err)
		return false
	}
	defer os.Remove(videoPath)

	f, err := os.Open(videoPath)
	if err != nil {
		b.log.Errorf("bot: open meme video: %v", err)
		return false
	}
	defer f.Close()

	video := tgbotapi.NewVideo(chatID, tgbotapi.FileReader{Name: "meme.mp4", Reader: f})
	video.Caption = meme.Title
	video.DisableNotification = b.svc.GetConfig().Silent
	if _, err := b.tg.Send(video); err != nil {
		b.log.Errorf("bot: send meme video: %v", err)
		return false
	}
	return true
}

func (b *TelegramBot) cmdStatus(ctx context.Context, chatID int64) {
	songsCount, err := b.svc.GetSongsCount(ctx)
	songsStr := strconv.Itoa(songsCount)
	if err != nil {
		songsStr = "ошибка"
	}

	status := b.svc.Monitor().Status(ctx)
	availStr := "✅ доступен"
	if status.FallbackMode {
		availStr = fmt.Sprintf("⛔ fallback (попыток восстановления: %d)", status.RecoveryAttempts)
	} else if status.IsBlocked {
		availStr = fmt.Sprintf("⚠️ блокировка (%d подряд)", status.ConsecutiveFailures)
	}

	lockStr := "свободен"
	if held, ok := b.svc.Coordinator().Lock().HeldFor(); ok {
		lockStr = fmt.Sprintf("занят уже %s", held.Round(time.Second))
	}

	text := fmt.Sprintf(`📊 Статус системы:

🌐 Источник: %s
🔒 Генератор: %s
🎥 Сгенерировано мемов: %d
🎵 Загруженных треков: %s
📥 Очередь кандидатов: %d
📜 Использовано источников: %d`,
		availStr, lockStr,
		b.svc.GetMemesCount(ctx), songsStr,
		b.svc.GetPendingCount(ctx), b.svc.GetHistoryCount(ctx))
	b.replyText(chatID, text)
}

func (b *TelegramBot) cmdForceCheck(ctx context.Context, chatID int64) {
	go func() {
		statusMsgID := b.replyText(chatID, "⏳ Проверяю доступность источника...")
		ok := b.svc.Monitor().ForceCheck(context.Background())
		if ok {
			b.editMessage(chatID, statusMsgID, "✅ Источник доступен")
		} else {
			b.editMessage(chatID, statusMsgID, "⛔ Источник недоступен")
		}
	}()
}

func (b *TelegramBot) cmdScheduleInfo(chatID int64) {
	sched := b.svc.GetSchedule()
	if sched == nil || len(sched.Entries) == 0 {
		b.replyText(chatID, "📅 Расписание ещё не загружено. Попробуйте позже.")
		return
	}

	now := time.Now()
	lines := []string{
		fmt.Sprintf("📅 Расписание на %s", sched.Date),
		fmt.Sprintf("Всего отправок: %d", len(sched.Entries)),
		"",
	}
	for i, entry := range sched.Entries {
		status := "⏳ ожидает"
		if entry.Time.Before(now) {
			status = "✅ выполнена"
		}
		lines = append(lines, fmt.Sprintf("%d. %s %s", i+1, entry.Time.Format("15:04:05"), status))
	}
	b.replyText(chatID, strings.Join(lines, "\n"))
}

// cmdSetNext moves the next pending slot. Accepts HH:MM for today or a
// relative offset like +30m / +2h from now.
func (b *TelegramBot) cmdSetNext(ctx context.Context, chatID int64, args string) {
	raw := strings.TrimSpace(args)
	if raw == "" {
		b.replyText(chatID, "Использование: /setnext <HH:MM | +30m | +2h>")
		return
	}

	var target time.Time
	now := time.Now()
	switch {
	case strings.HasPrefix(raw, "+"):
		d, err := time.ParseDuration(strings.TrimPrefix(raw, "+"))
		if err != nil || d <= 0 {
			b.replyText(chatID, "❌ Не удалось разобрать интервал. Примеры: +30m, +2h")
			return
		}
		target = now.Add(d)
	default:
		parsed, err := time.ParseInLocation("15:04", raw, b.svc.GetConfig().Location)
		if err != nil {
			b.replyText(chatID, "❌ Неверный формат времени. Примеры: 14:30, +30m")
			return
		}
		loc := b.svc.GetConfig().Location
		local := now.In(loc)
		target = time.Date(local.Year(), local.Month(), local.Day(),
			parsed.Hour(), parsed.Minute(), 0, 0, loc)
		if target.Before(now) {
			b.replyText(chatID, "❌ Это время уже прошло")
			return
		}
	}

	if err := b.svc.SetNextSlot(ctx, target); err != nil {
		b.replyText(chatID, fmt.Sprintf("❌ %v", err))
		return
	}
	b.replyText(chatID, fmt.Sprintf("✅ Ближайшая отправка перенесена на %s", target.Format("15:04:05")))
}

func (b *TelegramBot) cmdRunScheduled(ctx context.Context, chatID int64) {
	go func() {
		statusMsgID := b.replyText(chatID, "⏳ Запускаю плановую генерацию...")
		if err := b.svc.RunScheduledGeneration(context.Background()); err != nil {
			var busy *generator.ErrBusy
			if errors.As(err, &busy) {
				b.editMessage(chatID, statusMsgID,
					fmt.Sprintf("⚠️ Генератор уже занят %s", busy.Held.Round(time.Second)))
				return
			}
			b.editMessage(chatID, statusMsgID, fmt.Sprintf("❌ Ошибка: %v", err))
			return
		}
		b.editMessage(chatID, statusMsgID, "✅ Плановая генерация завершена")
	}()
}

func (b *TelegramBot) cmdClearSchedule(ctx context.Context, chatID int64) {
	if err := b.svc.ClearSchedule(ctx); err != nil {
		b.replyText(chatID, fmt.Sprintf("❌ Не удалось сбросить расписание: %v", err))
		return
	}
	b.replyText(chatID, "✅ Расписание сброшено, новое будет создано автоматически")
}

func (b *TelegramBot) cmdErrors(chatID int64) {
	lines, err := TailLastNLines(b.errorsPath, 30)
	if err != nil {
		b.log.Errorf("bot: tail errors.log: %v", err)
		b.replyText(chatID, "❌ Не удалось прочитать errors.log")
		return
	}
	if len(lines) == 0 {
		b.replyText(chatID, "📋 errors.log пуст")
		return
	}
	b.replyText(chatID, "📋 Последние ошибки:\n\n"+strings.Join(lines, "\n"))
}

func (b *TelegramBot) savePostsChatIDIfNeeded(ctx context.Context, chatID int64) {
	if b.svc.GetConfig().PostsChatID == chatID {
		return
	}
	if err := b.svc.SavePostsChatID(ctx, chatID); err != nil {
		b.log.Errorf("bot: save posts_chat_id: %v", err)
		return
	}
	b.log.Infof("bot: saved POSTS_CHAT_ID=%d", chatID)
}

func (b *TelegramBot) replyText(chatID int64, text string) int {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, _ := b.tg.Send(msg)
	return sent.MessageID
}

func (b *TelegramBot) editMessage(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := b.tg.Send(edit); err != nil {
		b.log.Errorf("bot: edit message: %v", err)
	}
}
