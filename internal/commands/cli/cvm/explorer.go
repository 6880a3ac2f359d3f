package cvm

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/andrei-cloud/posguard/internal/cvm"
)

const (
	fieldCode = iota
	fieldPinType
)

// noCode stands for "the kernel reported no CVM result".
const noCode = "none"

type option struct {
	value       string
	description string
}

type fieldConfig struct {
	name        string
	description string
	options     []option
	selected    int
}

type explorerModel struct {
	currentField int
	fields       []fieldConfig
	done         bool
	cancelled    bool
}

// newExplorerModel creates the TUI model with every known CVM code, a missing
// result and one unrecognized code.
func newExplorerModel() explorerModel {
	codes := make([]option, 0, len(cvm.Codes())+2)
	for _, c := range cvm.Codes() {
		code := c
		codes = append(codes, option{code, cvm.Decide(&code, 0).Description})
	}
	codes = append(codes,
		option{noCode, "No CVM result from the kernel"},
		option{"99", "Unrecognized result code"},
	)

	fields := []fieldConfig{
		{
			name:        "Code",
			description: "CVM Result",
			options:     codes,
		},
		{
			name:        "PinType",
			description: "PIN Entry Type (used when there is no CVM result)",
			options: []option{
				{strconv.Itoa(cvm.PinTypeOnline), "Online PIN entry"},
				{"0", "Offline or no PIN entry"},
			},
		},
	}

	return explorerModel{fields: fields}
}

// Init initializes the model.
func (m explorerModel) Init() tea.Cmd {
	return nil
}

// Update handles messages and updates the model state.
func (m explorerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	current := &m.fields[m.currentField]
	switch key.String() {
	case "ctrl+c", "q":
		m.cancelled = true

		return m, tea.Quit
	case "enter":
		if m.currentField >= len(m.fields)-1 {
			m.done = true

			return m, tea.Quit
		}
		m.currentField++
	case "tab":
		if m.currentField < len(m.fields)-1 {
			m.currentField++
		}
	case "shift+tab":
		if m.currentField > 0 {
			m.currentField--
		}
	case "up", "k":
		if current.selected > 0 {
			current.selected--
		}
	case "down", "j":
		if current.selected < len(current.options)-1 {
			current.selected++
		}
	}

	return m, nil
}

func (m explorerModel) value(field int) string {
	f := m.fields[field]

	return f.options[f.selected].value
}

// decision evaluates the current selection.
func (m explorerModel) decision() cvm.Decision {
	pinType, _ := strconv.Atoi(m.value(fieldPinType))

	var code *string
	if v := m.value(fieldCode); v != noCode {
		code = &v
	}

	return cvm.Decide(code, pinType)
}

// View renders the current state of the model.
func (m explorerModel) View() string {
	if m.cancelled {
		return "Operation cancelled.\n"
	}
	if m.done {
		return ""
	}

	var b strings.Builder
	b.WriteString("CVM Decision Explorer\n")
	b.WriteString(strings.Repeat("=", 50) + "\n\n")
	fmt.Fprintf(&b, "Field %d of %d\n\n", m.currentField+1, len(m.fields))

	current := m.fields[m.currentField]
	fmt.Fprintf(&b, "▶ %s: %s\n\n", current.name, current.description)
	for j, opt := range current.options {
		selector := "  ○ "
		if j == current.selected {
			selector = "  ● "
		}
		fmt.Fprintf(&b, "%s%s - %s\n", selector, opt.value, opt.description)
	}

	d := m.decision()
	b.WriteString("\nDecision:\n")
	fmt.Fprintf(&b, "  Send PIN to backend: %t\n", d.SendPinToBackend)
	fmt.Fprintf(&b, "  %s\n\n", d.Description)

	b.WriteString("Navigation:\n")
	b.WriteString("  ↑/↓ or j/k: Select option\n")
	b.WriteString("  Tab/Shift+Tab: Next/Previous field\n")
	b.WriteString("  Enter: Confirm and continue\n")
	b.WriteString("  q or Ctrl+C: Quit\n")

	return b.String()
}

// runExplorerTUI starts the explorer and returns the final decision and
// whether the user confirmed it.
func runExplorerTUI(in io.Reader, out io.Writer) (cvm.Decision, bool, error) {
	p := tea.NewProgram(newExplorerModel(), tea.WithInput(in), tea.WithOutput(out))
	finalModel, err := p.Run()
	if err != nil {
		return cvm.Decision{}, false, err
	}

	m := finalModel.(explorerModel)

	return m.decision(), m.done, nil
}
