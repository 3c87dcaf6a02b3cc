package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// TableInfo describes one table found on a page.
type TableInfo struct {
	ID        string
	Rows      int
	Commented bool
}

// FindTables lists every <table id=...> on the page, live DOM first and then
// tables hidden inside HTML comments.
func FindTables(content string) ([]TableInfo, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var out []TableInfo
	collect := func(sel *goquery.Selection, commented bool) {
		sel.Find("table[id]").Each(func(_ int, t *goquery.Selection) {
			out = append(out, TableInfo{
				ID:        t.AttrOr("id", ""),
				Rows:      tableRows(t).Length(),
				Commented: commented,
			})
		})
	}
	collect(doc.Selection, false)

	var walk func(n *html.Node) error
	walk = func(n *html.Node) error {
		if n.Type == html.CommentNode && strings.Contains(n.Data, "<table") {
			inner, err := goquery.NewDocumentFromReader(strings.NewReader(n.Data))
			if err != nil {
				return fmt.Errorf("parse commented html: %w", err)
			}
			collect(inner.Selection, true)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, n := range doc.Nodes {
		if err := walk(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListTables prints one line per table: id, row count and "comment" when the
// table only exists inside an HTML comment. Used by the CLI's -tables mode.
func ListTables(w io.Writer, content string) error {
	tables, err := FindTables(content)
	if err != nil {
		return err
	}
	for _, t := range tables {
		src := "dom"
		if t.Commented {
			src = "comment"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", t.ID, t.Rows, src)
	}
	return nil
}
