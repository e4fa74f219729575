// Пакет tui: терминальный диалог массовой загрузки для asset-bulk.
// Модель получает события сессии через tea.Program.Send: прогресс,
// уведомления и итог попытки.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bigkaa/asset-console/internal/bulkupload"
	"github.com/bigkaa/asset-console/internal/domain/model"
)

// maxNotices: сколько последних уведомлений показывать.
const maxNotices = 5

const maxBarWidth = 60

// ProgressMsg: очередная запись прогресса.
type ProgressMsg struct {
	Progress *model.UploadProgress
}

// NoticeMsg: переведённое уведомление.
type NoticeMsg struct {
	Level bulkupload.Level
	Text  string
}

// DoneMsg: попытка завершена.
type DoneMsg struct {
	State bulkupload.State
	Err   error
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	levelStyles = map[bulkupload.Level]lipgloss.Style{
		bulkupload.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		bulkupload.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		bulkupload.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		bulkupload.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

var quitKey = key.NewBinding(
	key.WithKeys("q", "esc", "ctrl+c"),
	key.WithHelp("q", "отменить и выйти"),
)

// Model: состояние диалога загрузки.
type Model struct {
	title   string
	rows    int
	cancel  func()
	bar     progress.Model
	spinner spinner.Model

	last    *model.UploadProgress
	notices []NoticeMsg
	done    bool
	state   bulkupload.State
	err     error
}

// New создаёт модель. cancel отменяет попытку при выходе до её завершения.
func New(title string, rows int, cancel func()) Model {
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(maxBarWidth))
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		title:   title,
		rows:    rows,
		cancel:  cancel,
		bar:     bar,
		spinner: sp,
		state:   bulkupload.StateUploading,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, quitKey) {
			if !m.done && m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = max(min(msg.Width-4, maxBarWidth), 10)

	case ProgressMsg:
		m.last = msg.Progress

	case NoticeMsg:
		m.notices = append(m.notices, msg)
		if len(m.notices) > maxNotices {
			m.notices = m.notices[len(m.notices)-maxNotices:]
		}

	case DoneMsg:
		m.done = true
		m.state = msg.State
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  (%d строк)", m.rows)))
	b.WriteString("\n\n")

	percent := 0.0
	if m.last != nil {
		percent = m.last.ProgressPercentage / 100
	}
	b.WriteString(m.bar.ViewAs(percent))
	b.WriteString("\n")

	switch {
	case m.last != nil:
		b.WriteString(counters(m.last))
	case !m.done:
		b.WriteString(m.spinner.View() + " ожидание ответа сервера")
	}
	b.WriteString("\n")

	if len(m.notices) > 0 {
		b.WriteString("\n")
		for _, n := range m.notices {
			b.WriteString(levelStyles[n.Level].Render(n.Text))
			b.WriteString("\n")
		}
	}

	if !m.done {
		b.WriteString("\n" + dimStyle.Render(quitKey.Help().Key+": "+quitKey.Help().Desc) + "\n")
	}
	return b.String()
}

// Done: попытка завершена.
func (m Model) Done() bool {
	return m.done
}

// State возвращает итоговое состояние попытки.
func (m Model) State() bulkupload.State {
	return m.state
}

// Err возвращает ошибку попытки.
func (m Model) Err() error {
	return m.err
}

// Last возвращает последнюю запись прогресса.
func (m Model) Last() *model.UploadProgress {
	return m.last
}

func counters(p *model.UploadProgress) string {
	return fmt.Sprintf("%s  %d/%d  успешно %d  ошибок %d  дубликатов %d  пропущено %d",
		p.Status, p.ProcessedRecords, p.TotalRecords,
		p.SuccessCount, p.FailureCount, p.DuplicateCount, p.SkippedCount)
}
