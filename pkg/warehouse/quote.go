package warehouse

import "strings"

// Quoter wraps identifiers (table and attribute names) when SQL is
// generated. The default leaves identifiers bare; configure a quoter on the
// session or per table when names collide with reserved words.
type Quoter interface {
	Quote(ident string) string
}

var (
	// NoQuote leaves identifiers untouched.
	NoQuote Quoter = noQuote{}
	// AnsiQuote renders "ident", doubling embedded double quotes.
	AnsiQuote Quoter = charQuote{pre: `"`, post: `"`, escape: `"`}
	// BacktickQuote renders `ident` for MySQL-style databases.
	BacktickQuote Quoter = charQuote{pre: "`", post: "`", escape: "`"}
	// BracketQuote renders [ident] for SQL Server-style databases.
	BracketQuote Quoter = charQuote{pre: "[", post: "]"}
)

type noQuote struct{}

func (noQuote) Quote(ident string) string { return ident }

type charQuote struct {
	pre, post, escape string
}

func (q charQuote) Quote(ident string) string {
	if q.escape != "" {
		ident = strings.ReplaceAll(ident, q.escape, q.escape+q.escape)
	}
	return q.pre + ident + q.post
}

// QuoteWith builds a Quoter from literal prefix and suffix strings.
func QuoteWith(prefix, suffix string) Quoter {
	return charQuote{pre: prefix, post: suffix}
}

// quoteAll maps Quote over idents.
func quoteAll(q Quoter, idents []string) []string {
	out := make([]string, len(idents))
	for i, ident := range idents {
		out[i] = q.Quote(ident)
	}
	return out
}
