// Package domextract pulls items out of a live browser session by parsing
// the rendered DOM with goquery. It pairs with the pagination engine for
// targets that only reveal content through scrolling.
package domextract

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/feedsentry/feedsentry/internal/scrape"
)

// ExtractorConfig controls the element-to-item mapping.
type ExtractorConfig struct {
	// ItemSelector matches one element per item, e.g. "article.post".
	ItemSelector string `mapstructure:"item_selector"`
	// IDAttr is the attribute holding the item's stable ID (default "data-id").
	IDAttr string `mapstructure:"id_attr"`
	// Fields maps item field names to child selectors whose text is
	// extracted.
	Fields map[string]string `mapstructure:"fields"`
}

// Extractor maps the session's current DOM onto raw items. Elements without
// the ID attribute are skipped. Safe for concurrent use.
type Extractor struct {
	cfg ExtractorConfig
}

// NewExtractor builds an Extractor.
func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if strings.TrimSpace(cfg.ItemSelector) == "" {
		return nil, fmt.Errorf("item selector is required")
	}
	if cfg.IDAttr == "" {
		cfg.IDAttr = "data-id"
	}
	return &Extractor{cfg: cfg}, nil
}

// Extract parses the session's visible content. The stable ID lands in the
// "id" field so the engine's default key function picks it up.
func (x *Extractor) Extract(ctx context.Context, s scrape.Session) ([]scrape.RawItem, error) {
	html, err := s.Content(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &scrape.Error{Kind: scrape.KindOther, Op: "dom.extract", Err: err}
	}

	var items []scrape.RawItem
	doc.Find(x.cfg.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		id := strings.TrimSpace(sel.AttrOr(x.cfg.IDAttr, ""))
		if id == "" {
			return
		}
		item := scrape.RawItem{"id": id}
		for field, childSel := range x.cfg.Fields {
			item[field] = strings.TrimSpace(sel.Find(childSel).First().Text())
		}
		items = append(items, item)
	})
	return items, nil
}
