// Package ingestion turns quote documents (plain text, HTML pages and raw
// emails) into normalized text for extraction.
package ingestion

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/smartscope/backend/pkg/logger"
	"github.com/smartscope/backend/pkg/utils"
)

var ErrEmptyDocument = errors.New("no text content in document")

type Format string

const (
	FormatPlain Format = "text/plain"
	FormatHTML  Format = "text/html"
	FormatEmail Format = "message/rfc822"
)

type Document struct {
	Format  Format
	Title   string
	From    string
	Text    string
	Excerpt string
	// Hash identifies the normalized text, independent of markup.
	Hash string
}

type Processor struct {
	maxChars int
}

// NewProcessor returns a processor whose excerpts stay within maxChars.
func NewProcessor(maxChars int) *Processor {
	if maxChars <= 0 {
		maxChars = 6000
	}
	return &Processor{maxChars: maxChars}
}

func (p *Processor) Process(body string) (*Document, error) {
	format := Detect(body)
	doc := &Document{Format: format}

	var err error
	switch format {
	case FormatEmail:
		err = p.parseEmail(body, doc)
	case FormatHTML:
		doc.Title, doc.Text, err = cleanHTML(body)
	default:
		doc.Text = normalize(body)
	}
	if err != nil {
		return nil, err
	}
	if doc.Text == "" {
		return nil, ErrEmptyDocument
	}

	doc.Hash = utils.HashString(doc.Text)
	doc.Excerpt = p.excerpt(doc.Text)

	logger.Debug("Document ingested",
		zap.String("format", string(format)),
		zap.Int("chars", len(doc.Text)),
		zap.Int("excerpt_chars", len(doc.Excerpt)),
	)
	return doc, nil
}

var (
	headerLine = regexp.MustCompile(`(?i)^(from|to|subject|date|message-id|mime-version|received|return-path|content-type):`)
	htmlMarker = regexp.MustCompile(`(?i)<(html|body|div|p|table|br)[\s/>]`)
)

// Detect guesses the format of body from its first lines.
func Detect(body string) Format {
	trimmed := strings.TrimLeft(body, " \t\r\n")
	if first, _, _ := strings.Cut(trimmed, "\n"); headerLine.MatchString(first) && hasHeaderBlock(trimmed) {
		return FormatEmail
	}
	if htmlMarker.MatchString(trimmed) {
		return FormatHTML
	}
	return FormatPlain
}

// hasHeaderBlock reports whether body starts with at least two RFC 5322
// style header lines followed by a blank line.
func hasHeaderBlock(body string) bool {
	headers := 0
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			return headers >= 2
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if !strings.Contains(line, ":") {
			return false
		}
		headers++
	}
	return false
}

func cleanHTML(html string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse html: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	// Keep block structure so labelled lines and bullet lists survive.
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("li").PrependHtml("- ")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6, table, ul, ol").AppendHtml("\n")
	doc.Find("td, th").AppendHtml(" ")

	body := doc.Find("body")
	if body.Length() == 0 {
		return title, normalize(doc.Text()), nil
	}
	return title, normalize(body.Text()), nil
}

var (
	inlineSpace = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

// normalize collapses horizontal whitespace per line and squeezes blank
// line runs, keeping line boundaries intact.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// excerpt keeps whole sentences from the start of text until maxChars is
// reached. Text that cannot be segmented is cut at maxChars.
func (p *Processor) excerpt(text string) string {
	if len(text) <= p.maxChars {
		return text
	}

	sentences, err := Sentences(text)
	if err != nil || len(sentences) == 0 {
		return utils.Truncate(text, p.maxChars)
	}

	var b strings.Builder
	for _, s := range sentences {
		if b.Len()+len(s)+1 > p.maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	if b.Len() == 0 {
		return utils.Truncate(text, p.maxChars)
	}
	return b.String()
}

// Sentences splits text into sentences.
func Sentences(text string) ([]string, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to segment text: %w", err)
	}
	out := make([]string, 0, len(doc.Sentences()))
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}
