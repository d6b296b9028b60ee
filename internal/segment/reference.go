package segment

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"pinedocs/internal/logging"
	"pinedocs/internal/render"
)

// Reference segments a rendered reference-page snapshot into one segment per
// language-entity anchor. Each segment's HTML spans from its anchor element
// up to (not including) the sibling holding the next anchor.
func Reference(manifest *render.Manifest, rawHTML []byte) ([]Segment, error) {
	doc, err := html.Parse(strings.NewReader(string(rawHTML)))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", manifest.RunID, err)
	}

	container := findContainer(doc)
	anchors := collectAnchorNodes(container)
	logging.Segment("reference %s: %d anchor nodes in container", manifest.CanonicalURL, len(anchors))

	sourceID := manifest.SourceArtifactID()
	segments := make([]Segment, 0, len(anchors))
	for i, anchor := range anchors {
		anchorID := attrValue(anchor, "id")
		symbolType, err := SymbolTypeForAnchor(anchorID)
		if err != nil {
			return nil, err
		}

		raw, err := renderSpan(anchor)
		if err != nil {
			return nil, err
		}

		segments = append(segments, Segment{
			SegmentID:        sourceID + ":" + anchorID,
			SourceArtifactID: sourceID,
			CanonicalURL:     manifest.CanonicalURL,
			DocType:          render.DocTypeReference,
			PineVersion:      manifest.PineVersion,
			RunID:            manifest.RunID,
			Order:            i,
			RawHTML:          raw,
			AnchorID:         anchorID,
			SymbolName:       extractSymbolName(anchor),
			SymbolType:       symbolType,
		})
	}
	return segments, nil
}

// collectAnchorNodes returns taxonomy-anchored elements in document order.
func collectAnchorNodes(container *html.Node) []*html.Node {
	var anchors []*html.Node
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id := attrValue(n, "id"); id != "" && id != "tv-content" && hasTaxonomyPrefix(id) {
				anchors = append(anchors, n)
				// Nested anchors inside an entry are part of that entry.
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(container)
	return anchors
}

func hasTaxonomyPrefix(id string) bool {
	for prefix := range symbolTypes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// renderSpan serializes an anchor element together with its following
// siblings up to the next anchor-bearing sibling.
func renderSpan(anchor *html.Node) (string, error) {
	var sb strings.Builder
	for n := anchor; n != nil; n = n.NextSibling {
		if n != anchor && containsAnchor(n) {
			break
		}
		part, err := renderNode(n)
		if err != nil {
			return "", err
		}
		sb.WriteString(part)
	}
	return sb.String(), nil
}

func containsAnchor(n *html.Node) bool {
	if n.Type == html.ElementNode {
		if id := attrValue(n, "id"); id != "" && hasTaxonomyPrefix(id) {
			return true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if containsAnchor(c) {
			return true
		}
	}
	return false
}

// extractSymbolName pulls the symbol name from the first heading in the
// anchor's span. Entries without a heading produce an empty name, which the
// QC gate tolerates up to a budget.
func extractSymbolName(anchor *html.Node) string {
	for n := anchor; n != nil; n = n.NextSibling {
		if n != anchor && containsAnchor(n) {
			break
		}
		if name := firstHeadingText(n); name != "" {
			return name
		}
	}
	return ""
}

func firstHeadingText(n *html.Node) string {
	if isElement(n, "h1", "h2", "h3", "h4") {
		return textContent(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if name := firstHeadingText(c); name != "" {
			return name
		}
	}
	return ""
}
