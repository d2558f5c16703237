package jira

import (
	"fmt"
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// ADFToMarkdown renders an Atlassian Document Format tree as Markdown so
// imported descriptions read naturally in the backlog. Nodes without a
// Markdown form keep their text content.
func ADFToMarkdown(node *models.CommentNodeScheme) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	block(&b, node, 0)
	return strings.TrimSpace(b.String())
}

func block(b *strings.Builder, n *models.CommentNodeScheme, depth int) {
	switch n.Type {
	case "doc":
		blocks(b, n.Content, depth)
	case "paragraph":
		inline(b, n.Content)
		b.WriteString("\n\n")
	case "heading":
		level := 1
		if v, ok := n.Attrs["level"].(float64); ok && v >= 1 && v <= 6 {
			level = int(v)
		}
		b.WriteString(strings.Repeat("#", level) + " ")
		inline(b, n.Content)
		b.WriteString("\n\n")
	case "bulletList", "orderedList":
		for i, item := range n.Content {
			marker := "- "
			if n.Type == "orderedList" {
				marker = fmt.Sprintf("%d. ", i+1)
			}
			b.WriteString(strings.Repeat("  ", depth) + marker)
			listItem(b, item, depth+1)
		}
		if depth == 0 {
			b.WriteString("\n")
		}
	case "codeBlock":
		lang, _ := n.Attrs["language"].(string)
		b.WriteString("```" + lang + "\n")
		inline(b, n.Content)
		b.WriteString("\n```\n\n")
	case "blockquote":
		var inner strings.Builder
		blocks(&inner, n.Content, depth)
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			b.WriteString("> " + line + "\n")
		}
		b.WriteString("\n")
	case "rule":
		b.WriteString("---\n\n")
	default:
		inline(b, []*models.CommentNodeScheme{n})
		b.WriteString("\n\n")
	}
}

func blocks(b *strings.Builder, nodes []*models.CommentNodeScheme, depth int) {
	for _, c := range nodes {
		if c != nil {
			block(b, c, depth)
		}
	}
}

// listItem writes the first paragraph on the marker line and nests the rest.
func listItem(b *strings.Builder, item *models.CommentNodeScheme, depth int) {
	if item == nil || len(item.Content) == 0 {
		b.WriteString("\n")
		return
	}
	for i, c := range item.Content {
		if c == nil {
			continue
		}
		if i == 0 && c.Type == "paragraph" {
			inline(b, c.Content)
			b.WriteString("\n")
			continue
		}
		block(b, c, depth)
	}
}

func inline(b *strings.Builder, nodes []*models.CommentNodeScheme) {
	for _, n := range nodes {
		if n == nil {
			continue
		}
		switch n.Type {
		case "text":
			b.WriteString(marked(n.Text, n.Marks))
		case "hardBreak":
			b.WriteString("  \n")
		case "mention":
			text, _ := n.Attrs["text"].(string)
			b.WriteString(text)
		case "emoji":
			short, _ := n.Attrs["shortName"].(string)
			b.WriteString(short)
		case "inlineCard":
			url, _ := n.Attrs["url"].(string)
			b.WriteString(url)
		default:
			inline(b, n.Content)
		}
	}
}

func marked(text string, marks []*models.MarkScheme) string {
	for _, m := range marks {
		if m == nil {
			continue
		}
		switch m.Type {
		case "strong":
			text = "**" + text + "**"
		case "em":
			text = "*" + text + "*"
		case "code":
			text = "`" + text + "`"
		case "strike":
			text = "~~" + text + "~~"
		case "link":
			if href, _ := m.Attrs["href"].(string); href != "" {
				text = "[" + text + "](" + href + ")"
			}
		}
	}
	return text
}
