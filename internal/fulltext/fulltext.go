// Package fulltext turns markdown and plain text fields into weighted search
// data for FullTextView fields, and search requests into match expressions.
//
// Code blocks, inline code and raw HTML are skipped; headings are ranked above
// body text.
package fulltext

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/aidanlsb/stellator/internal/db"
)

// DefaultLanguage is recorded on search data when none is configured.
const DefaultLanguage = "simple"

var md = goldmark.New()

// PlainText reduces markdown to its readable text, one block per line.
func PlainText(content []byte) string {
	heads, body := split(content)
	return strings.Join(append(heads, body...), "\n")
}

// Extract splits markdown into search data: headings at RankA, everything
// else at RankB. Empty input yields nil.
func Extract(content []byte, language string) []db.FullTextData {
	if language == "" {
		language = DefaultLanguage
	}
	heads, body := split(content)
	var ret []db.FullTextData
	if len(heads) > 0 {
		ret = append(ret, db.FullTextData{Buffer: strings.Join(heads, " "), Language: language, Rank: db.RankA})
	}
	if len(body) > 0 {
		ret = append(ret, db.FullTextData{Buffer: strings.Join(body, " "), Language: language, Rank: db.RankB})
	}
	return ret
}

func split(content []byte) (heads, body []string) {
	if len(strings.TrimSpace(string(content))) == 0 {
		return nil, nil
	}
	doc := md.Parser().Parse(text.NewReader(content))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.CodeSpan, *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Heading:
			if s := nodeText(node, content); s != "" {
				heads = append(heads, s)
			}
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock:
			if s := nodeText(node, content); s != "" {
				body = append(body, s)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return heads, body
}

// nodeText joins the text under n, leaving out inline code.
func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.CodeSpan, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.AutoLink:
			sb.Write(t.Label(source))
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Tokens lowercases s and splits it on anything that is not a letter or a
// digit.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// MatchQuery builds an FTS5 match expression requiring every token of data.
// The last token of the last entry matches as a prefix.
func MatchQuery(data []db.FullTextData) string {
	var terms []string
	for _, it := range data {
		for _, tok := range Tokens(it.Buffer) {
			terms = append(terms, `"`+tok+`"`)
		}
	}
	if len(terms) == 0 {
		return ""
	}
	terms[len(terms)-1] += "*"
	return strings.Join(terms, " ")
}

// Source returns a FullTextViewFn reading the title field as RankA text and
// the body fields as markdown.
func Source(language, title string, body ...string) db.FullTextViewFn {
	if language == "" {
		language = DefaultLanguage
	}
	return func(_ *db.Scheme, obj db.Dict) []db.FullTextData {
		var ret []db.FullTextData
		if title != "" {
			if s := strings.Join(strings.Fields(db.AsString(obj[title])), " "); s != "" {
				ret = append(ret, db.FullTextData{Buffer: s, Language: language, Rank: db.RankA})
			}
		}
		for _, name := range body {
			switch v := obj[name].(type) {
			case string:
				ret = append(ret, Extract([]byte(v), language)...)
			case []byte:
				ret = append(ret, Extract(v, language)...)
			}
		}
		return ret
	}
}

// Query returns a FullTextQueryFn accepting a string or a list of strings.
func Query(language string) db.FullTextQueryFn {
	if language == "" {
		language = DefaultLanguage
	}
	return func(search db.Value) []db.FullTextData {
		var parts []string
		switch t := search.(type) {
		case string:
			parts = Tokens(t)
		case []any:
			for _, it := range t {
				if s, ok := it.(string); ok {
					parts = append(parts, Tokens(s)...)
				}
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return []db.FullTextData{{Buffer: strings.Join(parts, " "), Language: language}}
	}
}
