// Package extract turns sports-reference HTML tables into ordered records.
//
// The protocol is the same for every table kind: find the <table> by id, walk
// its rows, and for each row map every data-stat cell to its text. A Profile
// adds the per-kind rules (link cell, required link, row predicate, whether a
// missing table is fatal).
package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"cbbstats/internal/metrics"
	"cbbstats/internal/record"
)

// Stats summarizes one extraction.
type Stats struct {
	TableFound bool
	// FromComment is set when the table was only present inside an HTML
	// comment (sports-reference defers many tables that way).
	FromComment bool

	Rows           int
	Included       int
	SkippedNoLink  int
	SkippedInvalid int
}

// Result is the ordered records of one table plus extraction stats.
type Result struct {
	Records []record.Record
	Stats   Stats
}

// Extractor applies profiles to page content. It is stateless apart from its
// logger and safe for concurrent use.
type Extractor struct {
	log *zap.Logger
}

// New returns an Extractor logging to log (nil = no logging).
func New(log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log}
}

var defaultExtractor = New(nil)

// Extract parses content and applies p. See (*Extractor).Extract.
func Extract(content string, p Profile) ([]record.Record, error) {
	res, err := defaultExtractor.Extract(content, p)
	return res.Records, err
}

// ExtractSchools extracts the school listing without logging.
func ExtractSchools(content string) ([]record.Record, error) {
	return defaultExtractor.Schools(content)
}

// ExtractRoster extracts one season's roster without logging.
func ExtractRoster(content string, season int) ([]record.Record, error) {
	return defaultExtractor.Roster(content, season)
}

// ExtractGameLog extracts a player's game log without logging.
func ExtractGameLog(content string) ([]record.Record, error) {
	return defaultExtractor.GameLog(content)
}

// Schools returns one record per school row. Each record whose school_name
// cell holds an anchor carries that href as its link (field school_link).
// A page without the schools table fails with *TableNotFoundError.
func (e *Extractor) Schools(content string) ([]record.Record, error) {
	res, err := e.Extract(content, SchoolsProfile())
	return res.Records, err
}

// Roster returns the players of one season that have a player link. A page
// without a roster table is not an error: the team may not exist that season.
func (e *Extractor) Roster(content string, season int) ([]record.Record, error) {
	res, err := e.Extract(content, RosterProfile())
	if err != nil {
		return nil, err
	}
	if !res.Stats.TableFound {
		e.log.Info("no roster table for season; treating as empty", zap.Int("season", season))
	}
	return res.Records, nil
}

// GameLog returns the individual games of a player's log. Season-summary rows
// (no or empty game_result) are dropped. A missing table yields no games.
func (e *Extractor) GameLog(content string) ([]record.Record, error) {
	res, err := e.Extract(content, GameLogProfile())
	if err != nil {
		return nil, err
	}
	if !res.Stats.TableFound {
		e.log.Info("no gamelog table; player has no games")
	}
	return res.Records, nil
}

// Extract parses content and applies p, returning records in document order.
//
// Cells without a data-stat attribute are ignored. Cell text is kept verbatim,
// whitespace included. Per-row skips never fail the call; they only show up in
// Stats. A missing table fails with *TableNotFoundError unless p.MissingOK.
func (e *Extractor) Extract(content string, p Profile) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: parse html: %w", p.Name, err)
	}

	table, fromComment, err := findTable(doc, p.TableID)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", p.Name, err)
	}

	log := e.log.With(zap.String("table", p.Name))

	if table == nil {
		if p.MissingOK {
			return Result{Records: []record.Record{}}, nil
		}
		metrics.RecordExtractionFailed(p.Name)
		return Result{}, &TableNotFoundError{Profile: p.Name, TableID: p.TableID}
	}

	res := Result{
		Records: []record.Record{},
		Stats:   Stats{TableFound: true, FromComment: fromComment},
	}

	tableRows(table).Each(func(i int, row *goquery.Selection) {
		res.Stats.Rows++

		r, outcome := rowToRecord(row, p)
		switch outcome {
		case record.Included:
			res.Stats.Included++
			res.Records = append(res.Records, r)
		case record.SkippedNoLink:
			res.Stats.SkippedNoLink++
			log.Debug("row has no link; skipping", zap.Int("row", i))
		case record.SkippedInvalidRow:
			res.Stats.SkippedInvalid++
		}
	})

	metrics.RecordRecords(p.Name, res.Stats.Included)
	metrics.RecordSkipped(p.Name, record.SkippedNoLink.String(), res.Stats.SkippedNoLink)
	metrics.RecordSkipped(p.Name, record.SkippedInvalidRow.String(), res.Stats.SkippedInvalid)

	log.Debug("extracted table",
		zap.Bool("from_comment", fromComment),
		zap.Int("rows", res.Stats.Rows),
		zap.Int("included", res.Stats.Included),
		zap.Int("skipped_no_link", res.Stats.SkippedNoLink),
		zap.Int("skipped_invalid", res.Stats.SkippedInvalid),
	)
	return res, nil
}

// rowToRecord builds the record for one <tr> and decides its outcome.
func rowToRecord(row *goquery.Selection, p Profile) (record.Record, record.Outcome) {
	if isHeaderRow(row) {
		return record.Record{}, record.SkippedInvalidRow
	}

	r := record.New()
	var (
		href    string
		hasLink bool
	)

	if p.HeaderCellField || p.LinkSource == LinkFromHeaderCell {
		th := row.ChildrenFiltered("th").First()
		if th.Length() > 0 {
			if p.HeaderCellField {
				stat, ok := th.Attr("data-stat")
				if !ok || stat == "" {
					return record.Record{}, record.SkippedInvalidRow
				}
				r.Set(stat, th.Text())
			}
			if p.LinkSource == LinkFromHeaderCell {
				if href, hasLink = anchorHref(th); hasLink {
					r.SetLink(p.LinkField, href)
				}
			}
		}
		// No player link means nothing further can be fetched for this row.
		if p.RequireLink && !hasLink {
			return record.Record{}, record.SkippedNoLink
		}
	}

	row.ChildrenFiltered("td").Each(func(_ int, td *goquery.Selection) {
		stat, ok := td.Attr("data-stat")
		if !ok || stat == "" {
			return
		}
		r.Set(stat, td.Text())

		if p.LinkSource == LinkFromDataCell && stat == p.LinkCellStat {
			if h, ok := anchorHref(td); ok {
				href, hasLink = h, true
				r.SetLink(p.LinkField, href)
			}
		}
	})

	// The link wins over any data cell that reused its field name.
	if hasLink {
		r.SetLink(p.LinkField, href)
	}

	if p.RequireLink && !hasLink {
		return record.Record{}, record.SkippedNoLink
	}
	if r.Len() == 0 {
		return record.Record{}, record.SkippedInvalidRow
	}
	if p.Accept != nil && !p.Accept(r) {
		return record.Record{}, record.SkippedInvalidRow
	}
	return r, record.Included
}

// tableRows returns the rows that belong to table itself, not to tables
// nested in its cells. The HTML parser always places rows in a section.
func tableRows(table *goquery.Selection) *goquery.Selection {
	return table.ChildrenFiltered("thead, tbody, tfoot").ChildrenFiltered("tr")
}

// isHeaderRow matches <thead> rows and the header rows sports-reference
// repeats inside <tbody> every twenty lines.
func isHeaderRow(row *goquery.Selection) bool {
	if row.ParentsFiltered("thead").Length() > 0 {
		return true
	}
	return row.HasClass("thead") || row.HasClass("over_header")
}

func anchorHref(cell *goquery.Selection) (string, bool) {
	a := cell.Find("a[href]").First()
	if a.Length() == 0 {
		return "", false
	}
	href := strings.TrimSpace(a.AttrOr("href", ""))
	return href, href != ""
}

func tableSelector(id string) string {
	return "table[id=" + strconv.Quote(id) + "]"
}

// findTable looks for the table in the live DOM first, then inside HTML
// comments. It returns nil when neither has it.
func findTable(doc *goquery.Document, id string) (*goquery.Selection, bool, error) {
	if t := doc.Find(tableSelector(id)).First(); t.Length() > 0 {
		return t, false, nil
	}

	for _, n := range doc.Nodes {
		t, err := findInComments(n, id)
		if err != nil {
			return nil, false, err
		}
		if t != nil {
			return t, true, nil
		}
	}
	return nil, false, nil
}

func findInComments(n *html.Node, id string) (*goquery.Selection, error) {
	if n.Type == html.CommentNode && strings.Contains(n.Data, id) && strings.Contains(n.Data, "<table") {
		inner, err := goquery.NewDocumentFromReader(strings.NewReader(n.Data))
		if err != nil {
			return nil, fmt.Errorf("parse commented html: %w", err)
		}
		if t := inner.Find(tableSelector(id)).First(); t.Length() > 0 {
			return t, nil
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		t, err := findInComments(c, id)
		if err != nil || t != nil {
			return t, err
		}
	}
	return nil, nil
}
