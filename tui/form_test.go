package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typeText(t *testing.T, m taskFormModel, text string) taskFormModel {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	model, ok := next.(taskFormModel)
	require.True(t, ok)
	return model
}

func press(t *testing.T, m taskFormModel, key tea.KeyType) taskFormModel {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: key})
	model, ok := next.(taskFormModel)
	require.True(t, ok)
	return model
}

func TestTaskFormCollectsFields(t *testing.T) {
	m := newTaskFormModel()
	m = typeText(t, m, "a fox in winter")
	m = press(t, m, tea.KeyEnter)
	m = typeText(t, m, "fox")
	m = press(t, m, tea.KeyEnter)
	m = press(t, m, tea.KeyEnter)

	require.True(t, m.submitted)
	request := m.request("video")
	assert.Equal(t, "a fox in winter", request.Topic)
	assert.Equal(t, "fox", request.MainRole)
	assert.Empty(t, request.Scene)
	assert.Equal(t, "video", request.Workflow)
}

func TestTaskFormRequiresTopic(t *testing.T) {
	m := newTaskFormModel()
	m = press(t, m, tea.KeyTab)
	m = press(t, m, tea.KeyTab)
	m = press(t, m, tea.KeyEnter)

	assert.False(t, m.submitted)
	assert.Equal(t, 0, m.focus)
}

func TestTaskFormCancel(t *testing.T) {
	m := press(t, newTaskFormModel(), tea.KeyEsc)
	assert.True(t, m.cancelled)
	assert.Contains(t, m.View(), "New task")
}
