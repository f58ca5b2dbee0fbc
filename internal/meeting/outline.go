package meeting

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// RequiredSections are the headings every report should carry. The
// financials section is optional.
var RequiredSections = []string{
	"Executive Summary",
	"Key Discussion Points",
	"Decisions Made",
	"Action Items",
}

// Outline is the heading structure of a report.
type Outline struct {
	Title       string   // first level-1 heading
	Sections    []string // level-2 headings, in order
	ActionItems int      // task list checkboxes anywhere in the report
	Done        int      // checked task list items
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// ParseOutline extracts the heading structure from markdown.
func ParseOutline(md string) Outline {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var o Outline
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := strings.TrimSpace(string(node.Text(src)))
			switch node.Level {
			case 1:
				if o.Title == "" {
					o.Title = title
				}
			case 2:
				o.Sections = append(o.Sections, title)
			}
			return ast.WalkSkipChildren, nil
		case *east.TaskCheckBox:
			o.ActionItems++
			if node.IsChecked {
				o.Done++
			}
		}
		return ast.WalkContinue, nil
	})
	return o
}

// Missing lists the required sections with no matching heading.
func (o Outline) Missing() []string {
	var missing []string
	for _, want := range RequiredSections {
		found := false
		for _, s := range o.Sections {
			if strings.Contains(s, want) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return missing
}
