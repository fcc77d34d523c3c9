package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/Ana06/capa/internal/analysis"
	"github.com/Ana06/capa/internal/capa/styles"
	"github.com/Ana06/capa/internal/extract"
)

var browseCmd = &cobra.Command{
	Use:   "browse [file]",
	Short: "Browse functions and their features interactively",
	Args:  cobra.ExactArgs(1),
	RunE:  runBrowse,
}

func runBrowse(cmd *cobra.Command, args []string) error {
	s, err := sessionFromFlags(cmd, args)
	if err != nil {
		return err
	}
	defer s.Close()

	program := tea.NewProgram(
		NewModel(cmd.Context(), s),
		tea.WithAltScreen(),
		tea.WithContext(cmd.Context()),
	)
	if _, err := program.Run(); err != nil {
		slog.Error("TUI run error", "error", err)
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

type viewMode int

const (
	viewSummary viewMode = iota
	viewFunctions
	viewFeatures
)

type extractedMsg struct {
	results []extract.FunctionFeatures
	err     error
}

type digestMsg struct{ digest string }

type functionItem struct {
	index   int
	va      uint64
	name    string
	count   int
	failed  bool
	display string
}

func (i functionItem) Title() string {
	return fmt.Sprintf("%x  %s", i.va, i.display)
}

func (i functionItem) FilterValue() string {
	return fmt.Sprintf("%x %s", i.va, i.display)
}

type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(functionItem)
	if !ok {
		return
	}

	indicator := " "
	addrStyle := styles.Address
	if index == m.Index() {
		indicator = ">"
		addrStyle = styles.Selected
	}

	count := styles.Address.Render(fmt.Sprintf("(%d)", i.count))
	if i.failed {
		count = styles.Failure.Render("(failed)")
	}
	fmt.Fprintf(w, " %s  %s  %s %s", indicator, addrStyle.Render(fmt.Sprintf("%x", i.va)), i.display, count)
}

type model struct {
	ctx     context.Context
	session *session

	summary   viewport.Model
	functions list.Model
	features  viewport.Model
	spinner   spinner.Model

	mode     viewMode
	results  []extract.FunctionFeatures
	selected int
	listing  bool
	digest   string
	loading  bool
	err      error

	width  int
	height int
}

func NewModel(ctx context.Context, s *session) model {
	summary := viewport.New()
	summary.SetWidth(80)
	summary.SetHeight(24)

	functions := list.New([]list.Item{}, itemDelegate{}, 80, 24)
	functions.SetShowStatusBar(false)
	functions.SetFilteringEnabled(true)
	functions.Title = "Functions"
	functions.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)
	functions.SetShowHelp(true)

	feats := viewport.New()
	feats.SetWidth(80)
	feats.SetHeight(24)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Selected

	m := model{
		ctx:       ctx,
		session:   s,
		summary:   summary,
		functions: functions,
		features:  feats,
		spinner:   sp,
		mode:      viewSummary,
		selected:  -1,
		loading:   true,
		width:     80,
		height:    24,
	}
	m.updateContent()
	return m
}

func extractCmd(ctx context.Context, s *session) tea.Cmd {
	return func() tea.Msg {
		results, err := s.extractor.Binary(ctx, s.backend)
		return extractedMsg{results: results, err: err}
	}
}

func digestCmd(path string) tea.Cmd {
	return func() tea.Msg {
		d, err := digest(path)
		if err != nil {
			slog.Debug("digest failed", "file", path, "error", err)
		}
		return digestMsg{digest: d}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		extractCmd(m.ctx, m.session),
		digestCmd(m.session.path),
		m.spinner.Tick,
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case extractedMsg:
		m.results = msg.results
		m.err = msg.err
		m.loading = false
		m.updateFunctionList()
		m.updateContent()
		return m, nil

	case digestMsg:
		m.digest = msg.digest
		m.updateContent()
		return m, nil

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		if m.loading {
			m.updateContent()
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		if msg.Width != m.width || msg.Height != m.height {
			m.width = msg.Width
			m.height = msg.Height
			m.summary.SetWidth(msg.Width)
			m.summary.SetHeight(msg.Height - 2)
			m.functions.SetWidth(msg.Width)
			m.functions.SetHeight(msg.Height - 2)
			m.features.SetWidth(msg.Width)
			m.features.SetHeight(msg.Height - 2)
			m.updateContent()
		}

	case tea.KeyMsg:
		if m.mode == viewFunctions && m.functions.FilterState() == list.Filtering {
			if msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter":
			if m.mode == viewFunctions {
				if item, ok := m.functions.SelectedItem().(functionItem); ok {
					m.selected = item.index
					m.listing = false
					m.mode = viewFeatures
					m.showFunction()
				}
			}
			return m, nil
		case "l":
			if m.mode == viewFeatures && m.selected >= 0 {
				m.listing = !m.listing
				m.showFunction()
			}
			return m, nil
		case "tab":
			switch m.mode {
			case viewSummary:
				if len(m.results) > 0 {
					m.mode = viewFunctions
				}
			case viewFunctions:
				if m.selected >= 0 {
					m.mode = viewFeatures
				} else {
					m.mode = viewSummary
				}
			case viewFeatures:
				m.mode = viewSummary
			}
			return m, nil
		case "shift+tab", "esc":
			switch m.mode {
			case viewFeatures:
				m.mode = viewFunctions
			case viewFunctions:
				m.mode = viewSummary
			}
			return m, nil
		}
	}

	switch m.mode {
	case viewFunctions:
		m.functions, cmd = m.functions.Update(msg)
	case viewFeatures:
		m.features, cmd = m.features.Update(msg)
	default:
		m.summary, cmd = m.summary.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	var content string
	switch m.mode {
	case viewFunctions:
		content = m.functions.View()
	case viewFeatures:
		content = m.features.View()
	default:
		content = m.summary.View()
	}

	var menu string
	switch m.mode {
	case viewFunctions:
		menu = " Enter: features • /: filter • Tab: cycle • Q: quit "
	case viewFeatures:
		menu = " L: toggle listing • Esc: functions • Tab: cycle • Q: quit "
	default:
		if len(m.results) > 0 {
			menu = " Tab: functions • Q: quit "
		} else {
			menu = " Q: quit "
		}
	}

	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu)
}

func (m *model) updateFunctionList() {
	items := make([]list.Item, 0, len(m.results))
	for i, r := range m.results {
		name := r.Name
		if name == "" {
			name = m.session.functionName(r.VA)
		}
		items = append(items, functionItem{
			index:   i,
			va:      r.VA,
			name:    name,
			count:   len(r.Features),
			failed:  r.Err != nil,
			display: analysis.DisplayName(name),
		})
	}
	m.functions.SetItems(items)
}

// updateContent redraws the summary page.
func (m *model) updateContent() {
	var md string
	switch {
	case m.loading:
		md = fmt.Sprintf("# %s\n\nextracting features %s\n", m.session.path, m.spinner.View())
		m.summary.SetContent(md)
		return
	case m.err != nil:
		md = fmt.Sprintf("# %s\n\n**extraction stopped:** %v\n\n%d functions finished.\n", m.session.path, m.err, len(m.results))
	default:
		md = buildReport(m.session.ws, m.digest, summarize(m.results))
	}
	if m.session.cfg.NoColor {
		m.summary.SetContent(md)
		return
	}
	m.summary.SetContent(styles.RenderMarkdown(md, m.width-2))
}

// showFunction fills the feature view with the selected function, either
// as a feature list or as an annotated listing.
func (m *model) showFunction() {
	r := m.results[m.selected]
	if r.Err != nil {
		m.features.SetContent(styles.Failure.Render(r.Err.Error()))
		return
	}

	var sb strings.Builder
	if m.listing {
		f, err := m.session.backend.Function(m.ctx, r.VA)
		if err != nil {
			m.features.SetContent(styles.Failure.Render(err.Error()))
			return
		}
		writeListing(&sb, m.session.extractor, f, m.session.backend.Arch(), m.session.cfg.NoColor)
	} else {
		writeText(&sb, m.results[m.selected:m.selected+1], m.session.cfg.NoColor)
	}
	m.features.SetContent(sb.String())
	m.features.GotoTop()
}
