package segment

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"pinedocs/internal/logging"
	"pinedocs/internal/render"
)

// Guide segments a rendered guide-page snapshot into heading-delimited
// sections. The lead section covers content before the first h2; each h2 and
// h3 opens a new section. A title stack of the enclosing h1/h2/h3 titles
// yields the section path, joined with " > ". A page with no headings at all
// becomes a single fallback section so no content is silently dropped.
func Guide(manifest *render.Manifest, rawHTML []byte) ([]Segment, error) {
	doc, err := html.Parse(strings.NewReader(string(rawHTML)))
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", manifest.RunID, err)
	}

	container := findContainer(doc)
	blocks := flattenBlocks(container)

	sourceID := manifest.SourceArtifactID()
	base := Segment{
		SourceArtifactID: sourceID,
		CanonicalURL:     manifest.CanonicalURL,
		DocType:          render.DocTypeGuide,
		PineVersion:      manifest.PineVersion,
		RunID:            manifest.RunID,
	}

	var segments []Segment
	var current *Segment
	var buf strings.Builder
	sawHeading := false
	titleStack := []string{} // [h1, h2, h3] titles currently in force

	flush := func() {
		if current == nil {
			return
		}
		current.RawHTML = buf.String()
		if current.RawHTML != "" {
			segments = append(segments, *current)
		}
		current = nil
		buf.Reset()
	}

	open := func(level, title string) {
		seg := base
		seg.Order = len(segments)
		seg.SegmentID = fmt.Sprintf("%s:%d", sourceID, seg.Order)
		seg.SectionLevel = level
		seg.SectionTitle = title
		seg.SectionPath = strings.Join(titleStack, " > ")
		current = &seg
	}

	for _, block := range blocks {
		switch {
		case isElement(block, "h1"):
			flush()
			sawHeading = true
			titleStack = []string{textContent(block)}
			open(LevelLead, titleStack[0])
		case isElement(block, "h2"):
			flush()
			sawHeading = true
			title := textContent(block)
			titleStack = trimStack(titleStack, 1)
			titleStack = append(titleStack, title)
			open(LevelH2, title)
		case isElement(block, "h3"):
			flush()
			sawHeading = true
			title := textContent(block)
			if len(titleStack) < 2 {
				// h3 with no enclosing h2: keep it, flag it downstream.
				logging.SegmentWarn("orphan h3 %q in %s", title, manifest.CanonicalURL)
			}
			titleStack = trimStack(titleStack, 2)
			titleStack = append(titleStack, title)
			open(LevelH3, title)
		default:
			if current == nil {
				open(LevelLead, "")
			}
		}

		part, err := renderNode(block)
		if err != nil {
			return nil, err
		}
		buf.WriteString(part)
	}
	flush()

	if !sawHeading {
		// No heading structure at all: the whole page becomes one fallback
		// section so no content is silently dropped.
		for i := range segments {
			segments[i].SectionLevel = LevelFallback
		}
		if len(segments) > 0 {
			logging.SegmentWarn("no headings in %s, %d fallback sections", manifest.CanonicalURL, len(segments))
		}
	}

	if len(segments) == 0 {
		raw, err := renderNode(container)
		if err != nil {
			return nil, err
		}
		seg := base
		seg.Order = 0
		seg.SegmentID = fmt.Sprintf("%s:%d", sourceID, 0)
		seg.SectionLevel = LevelFallback
		seg.SectionTitle = ""
		seg.SectionPath = ""
		seg.RawHTML = raw
		segments = append(segments, seg)
		logging.SegmentWarn("no headings in %s, emitted fallback section", manifest.CanonicalURL)
	}

	logging.Segment("guide %s: %d sections", manifest.CanonicalURL, len(segments))
	return segments, nil
}

// flattenBlocks returns the container's block-level children in order,
// descending through wrapper elements so headings buried in divs still
// delimit sections.
func flattenBlocks(container *html.Node) []*html.Node {
	var blocks []*html.Node
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if isElement(c, "div", "section", "article", "main") {
				traverse(c)
				continue
			}
			blocks = append(blocks, c)
		}
	}
	traverse(container)
	return blocks
}

func trimStack(stack []string, depth int) []string {
	if len(stack) > depth {
		return stack[:depth]
	}
	return stack
}
