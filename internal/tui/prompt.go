// internal/tui/prompt.go
//
// Small bubbletea programs for the few moments the CLI needs the user:
// entering a credential, confirming a choice, writing the research question
// and waiting for raw data to show up. Each prompt runs its own program and
// returns when the model quits.

package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// ErrAborted is returned when the user leaves a prompt with esc or ctrl+c.
var ErrAborted = errors.New("tui: prompt aborted")

const pollInterval = time.Second

// Prompter runs interactive prompts on the given terminal streams.
type Prompter struct {
	in  io.Reader
	out io.Writer
}

// NewPrompter creates a Prompter reading keys from in and drawing to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: in, out: out}
}

func (p *Prompter) run(ctx context.Context, model tea.Model) (tea.Model, error) {
	prog := tea.NewProgram(model,
		tea.WithContext(ctx),
		tea.WithInput(p.in),
		tea.WithOutput(p.out),
	)
	final, err := prog.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tui: %w", err)
	}
	return final, nil
}

// Secret asks for a value without echoing it.
func (p *Prompter) Secret(ctx context.Context, label string) (string, error) {
	final, err := p.run(ctx, newSecretModel(label))
	if err != nil {
		return "", err
	}
	m := final.(secretModel)
	if m.aborted {
		return "", ErrAborted
	}
	return m.value, nil
}

// Confirm asks a yes/no question. Enter accepts the default of yes.
func (p *Prompter) Confirm(ctx context.Context, question string) (bool, error) {
	final, err := p.run(ctx, confirmModel{question: question})
	if err != nil {
		return false, err
	}
	m := final.(confirmModel)
	if m.aborted {
		return false, ErrAborted
	}
	return m.answer, nil
}

// Question collects a multi-line research question. ctrl+d submits.
func (p *Prompter) Question(ctx context.Context, intro string) (string, error) {
	final, err := p.run(ctx, newQuestionModel(intro))
	if err != nil {
		return "", err
	}
	m := final.(questionModel)
	if m.aborted {
		return "", ErrAborted
	}
	return m.value, nil
}

// WaitFor shows message and polls ready until it reports true or the user
// gives up with q or esc.
func (p *Prompter) WaitFor(ctx context.Context, message string, ready func() (bool, error)) error {
	final, err := p.run(ctx, waitModel{message: message, ready: ready})
	if err != nil {
		return err
	}
	m := final.(waitModel)
	switch {
	case m.err != nil:
		return m.err
	case m.aborted:
		return ErrAborted
	}
	return nil
}

type secretModel struct {
	label   string
	input   textinput.Model
	value   string
	done    bool
	aborted bool
}

func newSecretModel(label string) secretModel {
	input := textinput.New()
	input.EchoMode = textinput.EchoPassword
	input.EchoCharacter = '•'
	input.Placeholder = "paste and press enter"
	input.Width = 48
	input.Focus()
	return secretModel{label: label, input: input}
}

func (m secretModel) Init() tea.Cmd { return textinput.Blink }

func (m secretModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			value := strings.TrimSpace(m.input.Value())
			if value == "" {
				return m, nil
			}
			m.value = value
			m.done = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.aborted = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m secretModel) View() string {
	if m.done || m.aborted {
		return ""
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s\n",
		titleStyle.Render(m.label),
		m.input.View(),
		hintStyle.Render("enter to submit · esc to cancel"))
}

type confirmModel struct {
	question string
	answer   bool
	done     bool
	aborted  bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.Type {
	case tea.KeyEnter:
		m.answer, m.done = true, true
		return m, tea.Quit
	case tea.KeyEsc, tea.KeyCtrlC:
		m.aborted = true
		return m, tea.Quit
	}
	switch strings.ToLower(key.String()) {
	case "y":
		m.answer, m.done = true, true
		return m, tea.Quit
	case "n":
		m.answer, m.done = false, true
		return m, tea.Quit
	}
	return m, nil
}

func (m confirmModel) View() string {
	if m.done || m.aborted {
		return ""
	}
	return fmt.Sprintf("%s %s\n", labelStyleGate.Render(m.question), hintStyle.Render("[Y/n]"))
}

type questionModel struct {
	intro   string
	area    textarea.Model
	value   string
	done    bool
	aborted bool
}

func newQuestionModel(intro string) questionModel {
	area := textarea.New()
	area.Placeholder = "What do you want to find out from this data?"
	area.ShowLineNumbers = false
	area.SetWidth(72)
	area.SetHeight(8)
	area.Focus()
	return questionModel{intro: intro, area: area}
}

func (m questionModel) Init() tea.Cmd { return textarea.Blink }

func (m questionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlD:
			value := strings.TrimSpace(m.area.Value())
			if value == "" {
				return m, nil
			}
			m.value = value
			m.done = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.aborted = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.area, cmd = m.area.Update(msg)
	return m, cmd
}

func (m questionModel) View() string {
	if m.done || m.aborted {
		return ""
	}
	return fmt.Sprintf("%s\n%s\n\n%s\n\n%s\n",
		titleStyle.Render("Research question"),
		detailTextStyle.Render(m.intro),
		m.area.View(),
		hintStyle.Render("ctrl+d to save · esc to cancel"))
}

type pollMsg struct{}

type readyMsg struct {
	ok  bool
	err error
}

type waitModel struct {
	message string
	ready   func() (bool, error)
	polls   int
	err     error
	done    bool
	aborted bool
}

func (m waitModel) check() tea.Cmd {
	return func() tea.Msg {
		ok, err := m.ready()
		return readyMsg{ok: ok, err: err}
	}
}

func (m waitModel) Init() tea.Cmd { return m.check() }

func (m waitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.aborted = true
			return m, tea.Quit
		}
	case readyMsg:
		m.polls++
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		if msg.ok {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
	case pollMsg:
		return m, m.check()
	}
	return m, nil
}

func (m waitModel) View() string {
	if m.done || m.aborted || m.err != nil {
		return ""
	}
	dots := strings.Repeat(".", m.polls%4)
	return fmt.Sprintf("%s\n\n%s%s\n\n%s\n",
		titleStyle.Render("Waiting for data"),
		detailTextStyle.Render(m.message),
		labelStyleRunning.Render(dots),
		hintStyle.Render("q to quit"))
}
