package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/domain/model"
)

// Translator переводит уведомление в текст на языке пользователя.
type Translator func(n bulkupload.Notification) string

// Bind заполняет колбэки сессии так, чтобы события попадали в программу.
// send: обычно (*tea.Program).Send.
func Bind(opts *bulkupload.Options, send func(tea.Msg), translate Translator) {
	opts.Notifier = bulkupload.NotifierFunc(func(n bulkupload.Notification) {
		send(NoticeMsg{Level: n.Level, Text: translate(n)})
	})
	opts.OnProgress = func(p *model.UploadProgress) {
		send(ProgressMsg{Progress: p})
	}
}
