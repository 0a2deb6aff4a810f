package tui

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// pager shows a title above scrollable content.
type pager struct {
	title    string
	content  string
	vp       viewport.Model
	ready    bool
	quitting bool
}

func newPager(title, content string) pager {
	return pager{title: title, content: content}
}

// chrome is the number of lines taken by the title and help.
const chrome = 4

func (p pager) Init() tea.Cmd {
	return nil
}

func (p pager) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h := max(msg.Height-chrome, 1)
		if !p.ready {
			p.vp = viewport.New(msg.Width, h)
			p.vp.SetContent(p.content)
			p.ready = true
		} else {
			p.vp.Width = msg.Width
			p.vp.Height = h
		}
		return p, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			p.quitting = true
			return p, tea.Quit
		}
	}

	var cmd tea.Cmd
	p.vp, cmd = p.vp.Update(msg)
	return p, cmd
}

func (p pager) View() string {
	if p.quitting {
		return ""
	}
	body := p.content
	if p.ready {
		body = p.vp.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		TitleStyle.Render(p.title),
		body,
		helpLine(keys.Up, keys.Down, keys.Quit),
	)
}
