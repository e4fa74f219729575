// Пакет i18n: тексты уведомлений консоли на английском и русском.
// Язык запроса определяет Middleware: cookie "lang" → Accept-Language → "en".
// Числа в текстах форматируются по правилам языка (1,234 / 1 234).
package i18n

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang: язык по умолчанию и fallback для отсутствующих ключей.
const DefaultLang = "en"

// languages: код каталога → тег языка.
var languages = map[string]language.Tag{
	"en": language.English,
	"ru": language.Russian,
}

var matcher = language.NewMatcher([]language.Tag{language.English, language.Russian})

type contextKey struct{}

// locale: каталог одного языка.
type locale struct {
	messages map[string]string
	printer  *message.Printer
}

// Bundle: каталоги переводов. Безопасен для конкурентного чтения.
type Bundle struct {
	mu      sync.RWMutex
	locales map[string]*locale
	logger  *slog.Logger
}

// NewBundle создаёт пустой Bundle. logger может быть nil.
func NewBundle(logger *slog.Logger) *Bundle {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bundle{
		locales: make(map[string]*locale),
		logger:  logger.With(slog.String("component", "i18n")),
	}
}

// Load создаёт Bundle из встроенных каталогов locales/<lang>.json.
func Load(logger *slog.Logger) (*Bundle, error) {
	b := NewBundle(logger)
	files, err := fs.Glob(localeFS, "locales/*.json")
	if err != nil {
		return nil, fmt.Errorf("i18n: поиск каталогов: %w", err)
	}
	for _, name := range files {
		data, err := localeFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("i18n: чтение %s: %w", name, err)
		}
		lang := strings.TrimSuffix(path.Base(name), ".json")
		if err := b.LoadMessages(lang, data); err != nil {
			return nil, err
		}
	}
	if _, ok := b.locales[DefaultLang]; !ok {
		return nil, fmt.Errorf("i18n: нет каталога %s", DefaultLang)
	}
	return b, nil
}

// LoadMessages загружает плоский JSON-каталог {"key": "text"} для языка.
// Повторная загрузка заменяет каталог целиком.
func (b *Bundle) LoadMessages(lang string, data []byte) error {
	var messages map[string]string
	if err := json.Unmarshal(data, &messages); err != nil {
		return fmt.Errorf("i18n: каталог %s: %w", lang, err)
	}
	tag, ok := languages[lang]
	if !ok {
		tag = language.Make(lang)
	}

	b.mu.Lock()
	b.locales[lang] = &locale{messages: messages, printer: message.NewPrinter(tag)}
	b.mu.Unlock()

	b.logger.Debug("Каталог загружен", slog.String("lang", lang), slog.Int("keys", len(messages)))
	return nil
}

// lookup возвращает текст ключа и printer языка, в котором он найден.
// Если ключа нет в языке, берётся английский, если нет и там, сам ключ.
func (b *Bundle) lookup(lang, key string) (string, *message.Printer) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range []string{lang, DefaultLang} {
		if loc, ok := b.locales[l]; ok {
			if text, ok := loc.messages[key]; ok {
				return text, loc.printer
			}
		}
	}
	return key, nil
}

// Translate возвращает перевод ключа без подстановки аргументов.
func (b *Bundle) Translate(lang, key string) string {
	text, _ := b.lookup(lang, key)
	return text
}

// Translatef возвращает перевод с подстановкой аргументов.
func (b *Bundle) Translatef(lang, key string, args ...any) string {
	text, printer := b.lookup(lang, key)
	if len(args) == 0 || printer == nil {
		return text
	}
	return printer.Sprintf(text, args...)
}

// T переводит ключ на язык из контекста.
func (b *Bundle) T(ctx context.Context, key string, args ...any) string {
	return b.Translatef(LangFromContext(ctx), key, args...)
}

// WithLang помещает язык в контекст.
func WithLang(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, contextKey{}, lang)
}

// LangFromContext извлекает язык из контекста. По умолчанию "en".
func LangFromContext(ctx context.Context) string {
	if lang, ok := ctx.Value(contextKey{}).(string); ok && lang != "" {
		return lang
	}
	return DefaultLang
}

// Supported: есть ли каталог для языка.
func Supported(lang string) bool {
	_, ok := languages[lang]
	return ok
}

// MatchLanguage выбирает язык по заголовку Accept-Language
// (или по коду языка из флага утилиты).
func MatchLanguage(acceptLanguage string) string {
	_, idx := language.MatchStrings(matcher, acceptLanguage)
	if idx == 1 {
		return "ru"
	}
	return DefaultLang
}
