package telegram

import "gopkg.in/telebot.v3"

// MaxMessageLength is Telegram's limit for one text message, in characters.
const MaxMessageLength = 4096

// Client sends messages via a Telegram bot. Notifications and replies go
// through it so the application does not depend on the bot library directly.
type Client interface {
	SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error
}
