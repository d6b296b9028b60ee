// Package segment slices a rendered snapshot into addressable units. Every
// segment carries full provenance back to the snapshot it came from; segment
// ids are deterministic so re-segmenting an unchanged snapshot is a no-op.
package segment

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"pinedocs/internal/qc"
)

// Section levels for guide segments.
const (
	LevelLead     = "lead"
	LevelH2       = "h2"
	LevelH3       = "h3"
	LevelFallback = "fallback"
)

// Segment is one addressable unit of a snapshot. Reference segments are
// anchored symbol entries; guide segments are heading-delimited sections.
type Segment struct {
	SegmentID        string `json:"segment_id"`
	SourceArtifactID string `json:"source_artifact_id"`
	CanonicalURL     string `json:"canonical_url"`
	DocType          string `json:"doc_type"`
	PineVersion      string `json:"pine_version"`
	RunID            string `json:"run_id"`
	Order            int    `json:"segment_order"`
	RawHTML          string `json:"raw_html"`

	// Reference fields
	AnchorID   string `json:"anchor_id,omitempty"`
	SymbolName string `json:"symbol_name,omitempty"`
	SymbolType string `json:"symbol_type,omitempty"`

	// Guide fields
	SectionTitle string `json:"section_title,omitempty"`
	SectionPath  string `json:"section_path,omitempty"`
	SectionLevel string `json:"section_level,omitempty"`
}

// symbolTypes maps anchor id prefixes to symbol type tokens.
var symbolTypes = map[string]string{
	"var_":   "var",
	"fun_":   "fun",
	"const_": "const",
	"type_":  "type",
	"kw_":    "kw",
	"op_":    "op",
	"an_":    "an",
}

// SymbolTypeForAnchor returns the symbol type for an anchor id. An anchor
// with an unknown prefix is a taxonomy violation: the page layout changed
// in a way segmentation does not understand, so the run must not commit.
func SymbolTypeForAnchor(anchorID string) (string, error) {
	for prefix, typ := range symbolTypes {
		if strings.HasPrefix(anchorID, prefix) {
			return typ, nil
		}
	}
	return "", qc.NewGateError("segment", "unknown_anchor_prefix", "anchor %q", anchorID)
}

// renderNode serializes a node back to HTML.
func renderNode(n *html.Node) (string, error) {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return "", fmt.Errorf("render node: %w", err)
	}
	return sb.String(), nil
}

// textContent returns the concatenated text of a node's subtree.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// attrValue returns the value of an attribute on an element, or "".
func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func isElement(n *html.Node, names ...string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, name := range names {
		if n.Data == name {
			return true
		}
	}
	return false
}

// findContainer locates the content container to segment: the element with
// id "tv-content", else the first <main>, else <body>, else the document.
func findContainer(doc *html.Node) *html.Node {
	var byID, byMain, byBody *html.Node
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if byID == nil && attrValue(n, "id") == "tv-content" {
				byID = n
			}
			if byMain == nil && n.Data == "main" {
				byMain = n
			}
			if byBody == nil && n.Data == "body" {
				byBody = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)

	switch {
	case byID != nil:
		return byID
	case byMain != nil:
		return byMain
	case byBody != nil:
		return byBody
	default:
		return doc
	}
}
