package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Oudwins/storyd/internals/schemas"
)

type taskFormModel struct {
	inputs    []textinput.Model
	focus     int
	submitted bool
	cancelled bool
}

// TaskForm asks for the parameters of a new task. ok is false when the user
// cancelled.
func TaskForm(workflow string) (request schemas.TaskCreateRequest, ok bool, err error) {
	result, err := tea.NewProgram(newTaskFormModel()).Run()
	if err != nil {
		return request, false, err
	}
	final, isForm := result.(taskFormModel)
	if !isForm || final.cancelled || !final.submitted {
		return request, false, nil
	}
	return final.request(workflow), true, nil
}

func newTaskFormModel() taskFormModel {
	topic := textinput.New()
	topic.Prompt = "Topic: "
	topic.CharLimit = 2000

	role := textinput.New()
	role.Prompt = "Main role (optional): "
	role.CharLimit = 200

	scene := textinput.New()
	scene.Prompt = "Scene (optional): "

	inputs := []textinput.Model{topic, role, scene}
	inputs[0].Focus()
	return taskFormModel{inputs: inputs}
}

func (m taskFormModel) request(workflow string) schemas.TaskCreateRequest {
	return schemas.TaskCreateRequest{
		Topic:    strings.TrimSpace(m.inputs[0].Value()),
		MainRole: strings.TrimSpace(m.inputs[1].Value()),
		Scene:    strings.TrimSpace(m.inputs[2].Value()),
		Workflow: workflow,
	}
}

func (m taskFormModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m taskFormModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		case "tab", "down":
			return m.moveFocus(1)
		case "shift+tab", "up":
			return m.moveFocus(-1)
		case "enter":
			if m.focus < len(m.inputs)-1 {
				return m.moveFocus(1)
			}
			if strings.TrimSpace(m.inputs[0].Value()) == "" {
				m.inputs[m.focus].Blur()
				m.focus = 0
				return m, m.inputs[0].Focus()
			}
			m.submitted = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m taskFormModel) View() string {
	lines := []string{titleStyle.Render("New task"), ""}
	for i, input := range m.inputs {
		marker := " "
		if i == m.focus {
			marker = ">"
		}
		lines = append(lines, fmt.Sprintf("%s %s", marker, input.View()))
	}
	lines = append(lines, "", mutedStyle.Render("Tab: next field  Enter: submit  Esc: cancel"))
	return strings.Join(lines, "\n")
}

func (m taskFormModel) moveFocus(delta int) (tea.Model, tea.Cmd) {
	m.inputs[m.focus].Blur()
	count := len(m.inputs)
	m.focus = (m.focus + delta + count) % count
	return m, m.inputs[m.focus].Focus()
}
