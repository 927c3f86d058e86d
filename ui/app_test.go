package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestPageNavigation(t *testing.T) {
	m := Model{}

	next, _ := m.Update(key("2"))
	m = next.(Model)
	assert.Equal(t, PagePipeline, m.page)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	assert.Equal(t, PageAlarms, m.page)

	// Tab wraps around.
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	assert.Equal(t, PageCollectors, m.page)
}

func TestQuitKeys(t *testing.T) {
	m := Model{}
	_, cmd := m.Update(key("q"))
	assert.NotNil(t, cmd)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "long stri…", truncate("long string here", 10))
}
