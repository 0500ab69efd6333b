// Package extract turns a rendered page into the value an extract step
// stores: the text, attribute, HTML or Markdown of the elements matching a
// CSS selector.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Output formats.
const (
	FormatText     = "text"
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

// ErrNoMatch is returned when the selector matches nothing.
var ErrNoMatch = errors.New("extract: selector matched no elements")

// Query describes what to pull out of a page.
type Query struct {
	Selector string
	Attr     string // when set, the attribute of the first match is returned
	Format   string // text (default), html or markdown
	BaseURL  string // resolves relative links in markdown output
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal)),
	),
)

// ValidateSelector reports whether sel is a valid CSS selector.
func ValidateSelector(sel string) error {
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("invalid selector %q: %w", sel, err)
	}
	return nil
}

// ValidFormat reports whether f is a known output format. Empty means text.
func ValidFormat(f string) bool {
	switch f {
	case "", FormatText, FormatHTML, FormatMarkdown:
		return true
	}
	return false
}

// Extract evaluates q against rawHTML.
func Extract(rawHTML string, q Query) (string, error) {
	sel, err := cascadia.Parse(q.Selector)
	if err != nil {
		return "", fmt.Errorf("invalid selector %q: %w", q.Selector, err)
	}
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	matches := cascadia.QueryAll(doc, sel)
	if len(matches) == 0 {
		return "", ErrNoMatch
	}

	if q.Attr != "" {
		for _, a := range matches[0].Attr {
			if a.Key == q.Attr {
				return strings.TrimSpace(a.Val), nil
			}
		}
		return "", fmt.Errorf("extract: attribute %q not present on %q", q.Attr, q.Selector)
	}

	switch q.Format {
	case "", FormatText:
		text := goquery.NewDocumentFromNode(matches[0]).Text()
		return strings.Join(strings.Fields(text), " "), nil
	case FormatHTML:
		return render(matches)
	case FormatMarkdown:
		fragment, err := render(matches)
		if err != nil {
			return "", err
		}
		md, err := mdConverter.ConvertString(fragment, converter.WithDomain(q.BaseURL))
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
		return strings.TrimSpace(md), nil
	default:
		return "", fmt.Errorf("extract: unknown format %q", q.Format)
	}
}

func render(nodes []*html.Node) (string, error) {
	var buf bytes.Buffer
	for _, n := range nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
	}
	return buf.String(), nil
}
