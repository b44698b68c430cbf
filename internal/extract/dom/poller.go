package domextract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/paginate"
	"github.com/feedsentry/feedsentry/internal/scrape"
)

// PollerConfig combines the DOM mapping with the pagination budget for one
// stream type.
type PollerConfig struct {
	Extract  ExtractorConfig `mapstructure:"extract"`
	Paginate paginate.Config `mapstructure:"paginate"`
}

// Poller services browser-rendered targets: it navigates the leased session
// to the target and walks the page with the pagination engine, so each poll
// checkpoints its partial progress like any other run.
type Poller struct {
	ex       *Extractor
	engine   *paginate.Engine
	keyField string
	idgen    scrape.IDGenerator
	log      *zap.Logger
}

// NewPoller builds a Poller. Checkpoints land in blobs under engine-issued
// run IDs.
func NewPoller(
	cfg PollerConfig,
	blobs paginate.BlobStore,
	clock scrape.Clock,
	idgen scrape.IDGenerator,
	log *zap.Logger,
) (*Poller, error) {
	ex, err := NewExtractor(cfg.Extract)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	keyField := cfg.Paginate.KeyField
	if keyField == "" {
		keyField = "id"
	}
	return &Poller{
		ex:       ex,
		engine:   paginate.New(cfg.Paginate, blobs, clock, log),
		keyField: keyField,
		idgen:    idgen,
		log:      log.Named("dom"),
	}, nil
}

// Poll implements scrape.Poller. A run that fails midway reports its error
// to the caller's retry policy; the partial items stay in the run's
// checkpoint rather than leaking into the poll result.
func (p *Poller) Poll(ctx context.Context, target string, s scrape.Session) ([]scrape.Item, error) {
	if s == nil {
		return nil, &scrape.Error{Kind: scrape.KindOther, Op: "dom.poll", Err: errors.New("browser session required")}
	}
	if err := s.Navigate(ctx, target); err != nil {
		return nil, err
	}

	runID, err := p.idgen.NewID()
	if err != nil {
		return nil, fmt.Errorf("new run id: %w", err)
	}

	res, err := p.engine.Run(ctx, runID, s, p.ex)
	if err != nil {
		return nil, err
	}

	items := make([]scrape.Item, 0, len(res.Items))
	for _, raw := range res.Items {
		id := strings.TrimSpace(fmt.Sprint(raw[p.keyField]))
		if id == "" || id == "<nil>" {
			continue
		}
		items = append(items, scrape.Item{ID: id, Payload: raw})
	}
	if len(items) == 0 {
		return nil, &scrape.Error{Kind: scrape.KindEmpty, Op: "dom.poll", Err: scrape.ErrEmptyResult}
	}
	return items, nil
}
