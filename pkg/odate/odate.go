// Package odate reads timestamps from platform markup.
//
// The platform renders dates as elements carrying the class "odate" plus a
// "time_<unix seconds>" token, for example:
//
//	<span class="odate time_1234567890 format_%25e%20%25b%20%25Y">13 Feb 2009</span>
//
// The visible text depends on the viewer's locale, the class token does not.
package odate

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// Class marks an element as a platform timestamp.
	Class = "odate"

	timePrefix = "time_"
)

var (
	// ErrNoTimestamp is returned when no usable time_ token is present.
	ErrNoTimestamp = errors.New("odate: no timestamp in class list")
)

// Stamp is a timestamp found in a document.
type Stamp struct {
	Time time.Time
	Text string // rendered text of the element
}

// ClassTokens returns the class attribute of n split on whitespace, in order.
// Non-element nodes have no classes.
func ClassTokens(n *html.Node) []string {
	if n == nil || n.Type != html.ElementNode {
		return nil
	}
	for _, attr := range n.Attr {
		if attr.Namespace == "" && attr.Key == "class" {
			return strings.Fields(attr.Val)
		}
	}
	return nil
}

// HasClass reports whether n carries class name.
func HasClass(n *html.Node, name string) bool {
	for _, token := range ClassTokens(n) {
		if token == name {
			return true
		}
	}
	return false
}

// Parse returns the time encoded by the first time_<unix> token in classes.
// A first time_ token that does not hold an integer yields ErrNoTimestamp.
func Parse(classes []string) (time.Time, error) {
	for _, token := range classes {
		if !strings.HasPrefix(token, timePrefix) {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimPrefix(token, timePrefix), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrNoTimestamp, token)
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, ErrNoTimestamp
}

// ParseNode returns the timestamp carried by a single element.
func ParseNode(n *html.Node) (time.Time, error) {
	return Parse(ClassTokens(n))
}

// FindAll returns every element below doc (doc included) that carries the
// odate class, in document order.
func FindAll(doc *html.Node) []*html.Node {
	var found []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if HasClass(n, Class) {
			found = append(found, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if doc != nil {
		walk(doc)
	}
	return found
}

// ParseHTML parses a document and returns all timestamps in document order.
// Elements with the odate class but without a readable time_ token are skipped.
func ParseHTML(r io.Reader) ([]Stamp, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	nodes := FindAll(doc)
	stamps := make([]Stamp, 0, len(nodes))
	for _, n := range nodes {
		t, err := ParseNode(n)
		if err != nil {
			continue
		}
		stamps = append(stamps, Stamp{Time: t, Text: strings.TrimSpace(text(n))})
	}
	return stamps, nil
}

func text(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(text(c))
	}
	return sb.String()
}
