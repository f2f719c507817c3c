package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for the command input
type Suggestions struct {
	commands     []SuggestionItem
	members      []SuggestionItem
	activities   []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "", "@" or "#"
	currentInput string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "member", "activity"
}

var commandSuggestions = []SuggestionItem{
	{Text: "pause", Description: "Pause a member: pause @key", Type: "command"},
	{Text: "resume", Description: "Resume a paused member", Type: "command"},
	{Text: "finish", Description: "Finish a member's work segment", Type: "command"},
	{Text: "move", Description: "Move a member: move @key [#activity]", Type: "command"},
	{Text: "start", Description: "Start members or a whole activity", Type: "command"},
	{Text: "new", Description: "Create an activity: new <id> <label>", Type: "command"},
	{Text: "refresh", Description: "Fetch the latest state now", Type: "command"},
	{Text: "replay", Description: "Resend queued offline changes", Type: "command"},
	{Text: "quit", Description: "Leave the tracking screen", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{commands: commandSuggestions}
}

// Update updates suggestions based on the current input. The first word
// completes commands; a word starting with @ completes member keys and one
// starting with # completes activity ids.
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	word, first := lastWord(input)

	switch {
	case word == "":
		s.hide()
	case strings.HasPrefix(word, "@"):
		s.prefix = "@"
		s.visible = true
		s.filter(s.members, strings.ToLower(strings.TrimPrefix(word, "@")))
	case strings.HasPrefix(word, "#"):
		s.prefix = "#"
		s.visible = true
		s.filter(s.activities, strings.ToLower(strings.TrimPrefix(word, "#")))
	case first:
		s.prefix = ""
		s.visible = true
		s.filter(s.commands, strings.ToLower(word))
	default:
		s.hide()
	}
}

// SetMembers replaces the member keys offered after @.
func (s *Suggestions) SetMembers(keys, names []string) {
	s.members = make([]SuggestionItem, len(keys))
	for i, key := range keys {
		desc := ""
		if i < len(names) {
			desc = names[i]
		}
		s.members[i] = SuggestionItem{Text: key, Description: desc, Type: "member"}
	}
	s.Update(s.currentInput)
}

// SetActivities replaces the activity ids offered after #.
func (s *Suggestions) SetActivities(ids, labels []string) {
	s.activities = make([]SuggestionItem, len(ids))
	for i, id := range ids {
		desc := ""
		if i < len(labels) {
			desc = labels[i]
		}
		s.activities[i] = SuggestionItem{Text: id, Description: desc, Type: "activity"}
	}
	s.Update(s.currentInput)
}

// Complete returns input with its last word replaced by the selected
// suggestion. ok is false when nothing is selected.
func (s *Suggestions) Complete(input string) (string, bool) {
	sel := s.Selected()
	if sel == nil {
		return input, false
	}
	word, _ := lastWord(input)
	head := strings.TrimSuffix(input, word)
	return head + s.prefix + sel.Text + " ", true
}

func (s *Suggestions) hide() {
	s.visible = false
	s.filtered = nil
	s.prefix = ""
	s.selectedIdx = 0
}

func (s *Suggestions) filter(items []SuggestionItem, query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = items
		return
	}

	// prefix matches first, then substring matches
	var prefixed, contained []SuggestionItem
	for _, item := range items {
		text := strings.ToLower(item.Text)
		switch {
		case strings.HasPrefix(text, query):
			prefixed = append(prefixed, item)
		case strings.Contains(text, query):
			contained = append(contained, item)
		}
	}
	s.filtered = append(prefixed, contained...)
}

// lastWord returns the word under the cursor (the text after the last
// space) and whether it is the first word of the input.
func lastWord(input string) (string, bool) {
	i := strings.LastIndex(input, " ")
	if i < 0 {
		return input, true
	}
	return input[i+1:], false
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(max(20, width-4))

	itemStyle := lipgloss.NewStyle().Foreground(fgColor)

	var header string
	switch s.prefix {
	case "@":
		header = "Members"
	case "#":
		header = "Activities"
	default:
		header = "Commands"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	maxVisible := 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(helpStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}

		var line string
		if i == s.selectedIdx {
			line = selectedStyle.Render("▶ " + s.prefix + item.Text)
			if item.Description != "" {
				line += " " + selectedStyle.Render(item.Description)
			}
		} else {
			line = itemStyle.Render("  " + s.prefix + item.Text)
			if item.Description != "" {
				line += " " + helpStyle.Render(item.Description)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return boxStyle.Render(b.String())
}
