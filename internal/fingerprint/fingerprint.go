// Sitewarden - Multi-Tenant Website Change Monitoring Engine
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fingerprint implements the Fingerprinter of SPEC_FULL.md
// §4.5: bot-block detection, HTML noise removal, weighted semantic
// content extraction, and a stable content hash. The weight-exclusion
// strategy is grounded on
// original_source/webdog_bot/fingerprinter.py's
// VersionedContentFingerprinter; the fixed semantic-weight table and
// weight-class-prefixed extraction follow SPEC_FULL.md §4.5 directly.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sitewarden/engine/internal/apperr"
	"github.com/sitewarden/engine/internal/metrics"
	"github.com/sitewarden/engine/internal/model"
)

// Version is the algorithm version stamped onto every generated
// fingerprint; bumping it triggers a silent baseline reset for every
// monitor on its next check.
const Version = "v2.0"

// Algorithm names the extraction strategy, carried alongside Version so
// a future strategy change can be distinguished from a tuning bump.
const Algorithm = "weighted_semantic_v2"

// defaultWeight is what an unlisted element inherits when its parent
// also has no entry in semanticWeights.
const defaultWeight = 0.5

// semanticWeights is the fixed table of SPEC_FULL.md §4.5. Keys are
// either a bare tag name or a "tag.class" pair; a "tag.class" match is
// preferred over the bare tag name.
var semanticWeights = map[string]float64{
	"article":     1.0,
	"main":        0.9,
	"h1":          0.8,
	"h2":          0.8,
	"h3":          0.8,
	"div.content": 0.8,
	"p":           0.7,
	"aside":       0.3,
	"nav":         0.1,
	"footer":      0.1,
}

// blockIndicators are lower-cased substrings whose presence anywhere in
// the page body marks it as a bot-blocking page rather than real
// content.
var blockIndicators = []string{
	"cloudflare",
	"ddos-guard",
	"captcha",
	"bot detection",
	"access denied",
	"blocked",
	"security check",
	"ray id",
	"cf-ray",
	"please verify you are human",
}

var titleIndicators = []string{"access denied", "blocked", "security check", "captcha"}

// minVisibleTextLength is SPEC_FULL.md §4.5's third block-page signal:
// a page whose visible text is shorter than this, after stripping tags,
// reads as an interstitial/challenge page even with none of the
// keyword indicators present.
const minVisibleTextLength = 100

// noisePattern strips dynamic content (dates, times, session/ray IDs,
// "last updated" banners, copyright years, countdowns, tokens) that
// would otherwise make every fingerprint unstable across checks.
var noisePattern = regexp.MustCompile(`(?i)` + strings.Join([]string{
	`\d{4}-\d{2}-\d{2}`,
	`\d{2}/\d{2}/\d{4}`,
	`\d{1,2}:\d{2}(:\d{2})?`,
	`session[\s_-]?id\s*[:=]\s*[\w-]+`,
	`ray\s*id\s*[:=]\s*\w+`,
	`last updated\s*[:]?.*`,
	`copyright\s*©\s*\d{4}`,
	`time remaining:.*`,
	`token\s*[:=]\s*[\w-]+`,
}, "|"))

// adOrCookieLine matches a line whose entire (trimmed) content is an ad
// slot or cookie-consent banner marker, per SPEC_FULL.md §4.5's "strip
// lines containing Advertisement or Cookie notice only" rule. Rotating
// ad creative and cookie banners would otherwise churn content_text
// every cycle even though nothing about the page actually changed.
var adOrCookieLine = regexp.MustCompile(`(?i)^(advertisement|cookie notice)$`)

// Generate parses html and returns its weighted fingerprint, or
// apperr.ErrBlockPageDetected if the page looks like a bot challenge.
func Generate(html []byte) (*model.WeightedFingerprint, error) {
	if IsBlockPage(html) {
		metrics.BlockPagesDetected.Inc()
		return nil, apperr.ErrBlockPageDetected
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return nil, err
	}
	stripNoiseTags(doc)

	runs := extractWeightedRuns(doc)
	contentText := joinPrefixedRuns(runs)
	weights := aggregateWeights(runs)
	signature := structureSignature(runs)

	sum := sha256.Sum256([]byte(contentText))

	return &model.WeightedFingerprint{
		Hash:               hex.EncodeToString(sum[:]),
		Version:            Version,
		Algorithm:          Algorithm,
		ContentWeights:     weights,
		StructureSignature: signature,
		ContentText:        contentText,
	}, nil
}

// IsBlockPage reports whether html looks like a bot-challenge or
// denial page rather than real content. Exposed so the Request
// Manager can short-circuit and count the detection as a
// circuit-breaker failure before handing content to the fingerprinter.
func IsBlockPage(html []byte) bool {
	return isBlockPage(html)
}

func isBlockPage(html []byte) bool {
	lower := strings.ToLower(string(html))

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html))); err == nil {
		title := strings.ToLower(doc.Find("title").First().Text())
		for _, ind := range titleIndicators {
			if strings.Contains(title, ind) {
				return true
			}
		}

		doc.Find("script, style, noscript").Remove()
		visible := strings.Join(strings.Fields(doc.Text()), " ")
		if len(visible) < minVisibleTextLength {
			return true
		}
	}

	for _, ind := range blockIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// stripNoiseTags removes elements that would never contribute
// meaningful content to the fingerprint: scripts, styles, metadata,
// embeds, and HTML comments.
func stripNoiseTags(doc *goquery.Document) {
	doc.Find("script, style, meta, link, noscript, iframe, svg").Remove()
	doc.Find("*").Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "#comment" {
			s.Remove()
		}
	})
}

// weightedRun is one cleaned, noise-filtered run of text together with
// the semantic weight of the element it came from, in document order.
type weightedRun struct {
	tag    string
	weight float64
	text   string
}

// extractWeightedRuns walks the body depth-first in document order,
// resolving each element's weight from semanticWeights (falling back to
// the parent's resolved weight, then defaultWeight), and emits one run
// per non-empty, noise-filtered leaf text node.
func extractWeightedRuns(doc *goquery.Document) []weightedRun {
	var runs []weightedRun
	doc.Find("body").Each(func(_ int, body *goquery.Selection) {
		walk(body, defaultWeight, &runs)
	})
	return runs
}

func resolveWeight(s *goquery.Selection, inherited float64) (float64, string) {
	tag := goquery.NodeName(s)
	if class, ok := s.Attr("class"); ok {
		for _, c := range strings.Fields(class) {
			if w, ok := semanticWeights[tag+"."+c]; ok {
				return w, tag + "." + c
			}
		}
	}
	if w, ok := semanticWeights[tag]; ok {
		return w, tag
	}
	return inherited, tag
}

func walk(s *goquery.Selection, inheritedWeight float64, runs *[]weightedRun) {
	weight, label := resolveWeight(s, inheritedWeight)
	s.Contents().Each(func(_ int, child *goquery.Selection) {
		if goquery.NodeName(child) == "#text" {
			text := strings.TrimSpace(child.Text())
			if text == "" {
				return
			}
			clean := cleanText(text)
			if len(clean) > 2 {
				*runs = append(*runs, weightedRun{tag: label, weight: weight, text: clean})
			}
			return
		}
		walk(child, weight, runs)
	})
}

// cleanText applies the noise filter line-by-line: dynamic-content
// patterns are stripped first, then any line left containing only an ad
// or cookie-banner marker is dropped entirely, and the survivors are
// rejoined with collapsed whitespace.
func cleanText(raw string) string {
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(noisePattern.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		if adOrCookieLine.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, " ")
}

// joinPrefixedRuns concatenates every run's text prefixed with its
// weight class, so downstream similarity scoring preserves weighting
// without needing a second pass over the DOM.
func joinPrefixedRuns(runs []weightedRun) string {
	parts := make([]string, 0, len(runs))
	for _, r := range runs {
		parts = append(parts, fmt.Sprintf("w%.1f:%s", r.weight, r.text))
	}
	return strings.Join(parts, " ")
}

// aggregateWeights sums each run's weight, scaled by its text length, by
// its originating tag label and normalizes the result into [0,1] by dividing by the largest
// total, so the dominant region always reads 1.0.
func aggregateWeights(runs []weightedRun) map[string]float64 {
	totals := make(map[string]float64)
	var max float64
	for _, r := range runs {
		totals[r.tag] += r.weight * float64(len(r.text))
		if totals[r.tag] > max {
			max = totals[r.tag]
		}
	}
	if max == 0 {
		return map[string]float64{}
	}
	for tag := range totals {
		totals[tag] = totals[tag] / max
	}
	return totals
}

// structureSignature names the dominant containers (by aggregate text
// volume) as a compact ">"-joined path summary.
func structureSignature(runs []weightedRun) string {
	weights := aggregateWeights(runs)
	tags := make([]string, 0, len(weights))
	for tag := range weights {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return weights[tags[i]] > weights[tags[j]] })
	if len(tags) > 5 {
		tags = tags[:5]
	}
	return strings.Join(tags, ">")
}
