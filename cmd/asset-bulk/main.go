// asset-bulk: терминальная утилита массовой загрузки.
//
// Загружает .xlsx в backend API и показывает прогресс в терминале
// (bubbletea). Отчёт об ошибках частичной загрузки сохраняется в каталог
// --out автоматически. Режимы --template и --export скачивают шаблон
// и выгрузку данных фичи.
//
// Параметры подключения берутся из флагов или из окружения
// (AC_BACKEND_URL, AC_BACKEND_CA_CERT_PATH, AC_TOKEN), в том числе из .env.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/config"
	"github.com/bigkaa/asset-console/internal/domain/model"
	"github.com/bigkaa/asset-console/internal/i18n"
	"github.com/bigkaa/asset-console/internal/tui"
)

// exitError: завершение с заданным кодом без сообщения об ошибке.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("код завершения %d", int(e)) }
func (e exitError) ExitCode() int { return int(e) }

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "ошибка: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	backendURL   string
	caCertPath   string
	token        string
	featuresFile string
	feature      string
	file         string
	outDir       string
	lang         string
	template     bool
	export       bool
	filter       string
	plain        bool
	logLevel     string
	logOutput    string
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	var opts options
	flagSet := pflag.NewFlagSet("asset-bulk", pflag.ContinueOnError)
	flagSet.StringVar(&opts.backendURL, "backend", os.Getenv("AC_BACKEND_URL"), "базовый URL backend API")
	flagSet.StringVar(&opts.caCertPath, "ca-cert", os.Getenv("AC_BACKEND_CA_CERT_PATH"), "CA-сертификат backend")
	flagSet.StringVar(&opts.token, "token", os.Getenv("AC_TOKEN"), "bearer-токен пользователя")
	flagSet.StringVar(&opts.featuresFile, "features", os.Getenv("AC_FEATURES_FILE"), "YAML-каталог фич (по умолчанию встроенный)")
	flagSet.StringVarP(&opts.feature, "feature", "f", "", "фича каталога (sites, assets ...)")
	flagSet.StringVar(&opts.file, "file", "", "файл .xlsx для загрузки")
	flagSet.StringVarP(&opts.outDir, "out", "o", ".", "каталог для скачанных файлов")
	flagSet.StringVar(&opts.lang, "lang", "ru", "язык уведомлений (ru, en)")
	flagSet.BoolVar(&opts.template, "template", false, "скачать шаблон")
	flagSet.BoolVar(&opts.export, "export", false, "скачать выгрузку данных")
	flagSet.StringVar(&opts.filter, "filter", "", "JSON-фильтр выгрузки (для POST-выгрузок)")
	flagSet.BoolVar(&opts.plain, "plain", false, "построчный вывод без интерактивного интерфейса")
	flagSet.StringVar(&opts.logLevel, "log-level", "warn", "уровень логирования")
	flagSet.StringVar(&opts.logOutput, "log-output", "", "писать JSON-логи в этот файл")
	flagSet.BoolP("help", "h", false, "показать справку")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(os.Stderr, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(os.Stderr, flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("лишний аргумент: %s", args[0])
	}
	if err := opts.validate(); err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	catalog := bulkupload.DefaultCatalog()
	if opts.featuresFile != "" {
		if catalog, err = bulkupload.LoadCatalog(opts.featuresFile); err != nil {
			return err
		}
	}
	feature, ok := catalog.Get(opts.feature)
	if !ok {
		keys := make([]string, 0, len(catalog.All()))
		for _, f := range catalog.All() {
			keys = append(keys, f.Key)
		}
		return fmt.Errorf("неизвестная фича %q, доступны: %s", opts.feature, strings.Join(keys, ", "))
	}

	bundle, err := i18n.Load(logger)
	if err != nil {
		return err
	}
	lang := i18n.MatchLanguage(opts.lang)
	translate := func(n bulkupload.Notification) string {
		return bundle.Translatef(lang, n.Key, n.Args...)
	}

	token := opts.token
	client, err := bulkupload.NewClient(opts.backendURL, opts.caCertPath, func(context.Context) (string, error) {
		return token, nil
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionOpts := bulkupload.Options{
		Saver:  bulkupload.DirSaver{Dir: opts.outDir},
		Logger: logger,
	}

	switch {
	case opts.template, opts.export:
		return runDownload(ctx, opts, feature, client, sessionOpts, translate)
	case opts.plain:
		return runPlain(ctx, opts, feature, client, sessionOpts, translate)
	default:
		return runInteractive(ctx, opts, feature, client, sessionOpts, translate)
	}
}

func (o options) validate() error {
	switch {
	case o.backendURL == "":
		return errors.New("не задан --backend (или AC_BACKEND_URL)")
	case o.token == "":
		return errors.New("не задан --token (или AC_TOKEN)")
	case o.feature == "":
		return errors.New("не задан --feature")
	case o.template && o.export:
		return errors.New("--template и --export взаимоисключающие")
	case !o.template && !o.export && o.file == "":
		return errors.New("не задан --file")
	case o.file != "" && !bulkupload.IsExcelFile(o.file):
		return fmt.Errorf("%s: %w", filepath.Base(o.file), bulkupload.ErrInvalidFileType)
	}
	return nil
}

// buildLogger пишет логи в файл --log-output. Без него интерактивный режим
// логи не выводит, чтобы не портить экран.
func buildLogger(o options) (*slog.Logger, func(), error) {
	level, err := config.ParseLogLevel(o.logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("--log-level: %w", err)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if o.logOutput != "" {
		f, err := os.OpenFile(o.logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("открытие %s: %w", o.logOutput, err)
		}
		return slog.New(slog.NewJSONHandler(f, handlerOpts)), func() { _ = f.Close() }, nil
	}
	if o.plain || o.template || o.export {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts)), func() {}, nil
	}
	return slog.New(slog.DiscardHandler), func() {}, nil
}

// printNotifier печатает уведомления построчно.
func printNotifier(w io.Writer, translate tui.Translator) bulkupload.Notifier {
	return bulkupload.NotifierFunc(func(n bulkupload.Notification) {
		fmt.Fprintf(w, "[%s] %s\n", n.Level, translate(n))
	})
}

func runDownload(ctx context.Context, o options, feature bulkupload.Feature, client *bulkupload.Client,
	sessionOpts bulkupload.Options, translate tui.Translator) error {
	sessionOpts.Notifier = printNotifier(os.Stdout, translate)
	sess := bulkupload.NewSession(feature, client, sessionOpts)

	if o.template {
		_, err := sess.DownloadTemplate(ctx)
		return err
	}

	var filter any
	if o.filter != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(o.filter), &m); err != nil {
			return fmt.Errorf("--filter: %w", err)
		}
		filter = m
	}
	_, err := sess.Export(ctx, filter)
	return err
}

func readUpload(o options) (string, []byte, int, error) {
	content, err := os.ReadFile(o.file)
	if err != nil {
		return "", nil, 0, err
	}
	// Число строк только для отображения, backend считает сам
	rows, _ := bulkupload.CountRows(content)
	return filepath.Base(o.file), content, rows, nil
}

func runPlain(ctx context.Context, o options, feature bulkupload.Feature, client *bulkupload.Client,
	sessionOpts bulkupload.Options, translate tui.Translator) error {
	name, content, rows, err := readUpload(o)
	if err != nil {
		return err
	}

	sessionOpts.Notifier = printNotifier(os.Stdout, translate)
	sessionOpts.OnProgress = func(p *model.UploadProgress) {
		fmt.Printf("%s %d/%d (%.0f%%)\n", p.Status, p.ProcessedRecords, p.TotalRecords, p.ProgressPercentage)
	}
	sess := bulkupload.NewSession(feature, client, sessionOpts)
	if err := sess.SelectFile(name, content); err != nil {
		return err
	}

	fmt.Printf("%s: %s, строк: %d\n", feature.Entity, name, rows)
	last, err := sess.Upload(ctx)
	printSummary(os.Stdout, sess.State(), last)
	if err != nil {
		return err
	}
	return exitCode(sess.State())
}

func runInteractive(ctx context.Context, o options, feature bulkupload.Feature, client *bulkupload.Client,
	sessionOpts bulkupload.Options, translate tui.Translator) error {
	name, content, rows, err := readUpload(o)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var program *tea.Program
	tui.Bind(&sessionOpts, func(msg tea.Msg) { program.Send(msg) }, translate)
	sess := bulkupload.NewSession(feature, client, sessionOpts)
	if err := sess.SelectFile(name, content); err != nil {
		return err
	}

	program = tea.NewProgram(tui.New(feature.Entity+" · "+name, rows, cancel))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sess.Upload(ctx)
		program.Send(tui.DoneMsg{State: sess.State(), Err: err})
	}()

	final, err := program.Run()
	cancel()
	<-done
	if err != nil {
		return err
	}

	m, ok := final.(tui.Model)
	if !ok || !m.Done() {
		fmt.Println("Загрузка отменена")
		return exitError(130)
	}
	printSummary(os.Stdout, m.State(), m.Last())
	if m.Err() != nil && !errors.Is(m.Err(), bulkupload.ErrSuperseded) {
		return m.Err()
	}
	return exitCode(m.State())
}

func printSummary(w io.Writer, state bulkupload.State, p *model.UploadProgress) {
	if p == nil {
		fmt.Fprintf(w, "Итог: %s\n", state)
		return
	}
	fmt.Fprintf(w, "Итог: %s, обработано %d из %d, успешно %d, ошибок %d, дубликатов %d, пропущено %d\n",
		p.Status, p.ProcessedRecords, p.TotalRecords,
		p.SuccessCount, p.FailureCount, p.DuplicateCount, p.SkippedCount)
}

// exitCode: 0 (всё загружено), 2 (частично), 1 (загрузка не удалась).
func exitCode(state bulkupload.State) error {
	switch state {
	case bulkupload.StateDoneSuccess:
		return nil
	case bulkupload.StateDonePartial:
		return exitError(2)
	default:
		return exitError(1)
	}
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `asset-bulk: массовая загрузка данных в учёт активов.

Использование:
  asset-bulk --feature sites --file sites.xlsx
  asset-bulk --feature assets --template -o templates/
  asset-bulk --feature assets --export --filter '{"status":"ACTIVE"}'

Коды завершения:
  0    загружено полностью
  2    загружено частично
  1    ошибка
  130  прервано пользователем

Флаги:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
