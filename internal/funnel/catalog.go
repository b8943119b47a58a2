package funnel

import (
	"context"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// Origin is a source pipeline with its ordered stages.
type Origin struct {
	ID     string
	Name   string
	Stages []StageDef
}

// StageDef is a source stage.
type StageDef struct {
	ID       string
	Name     string
	Position int
}

// Catalog resolves funnel and stage ids for a source, creating catalog rows
// lazily and caching ids for the lifetime of a run. It writes through the
// non-transactional store so cached ids always refer to committed rows.
type Catalog struct {
	store  Store
	source string

	funnels sync.Map // origin id → funnel id
	stages  sync.Map // funnel id + "\x00" + stage key → stage id
}

// NewCatalog creates a catalog for one source system.
func NewCatalog(store Store, source string) *Catalog {
	return &Catalog{store: store, source: source}
}

// Source returns the source system the catalog serves.
func (c *Catalog) Source() string { return c.source }

// SyncOrigin upserts the funnel, alias and stages of an origin. Stage names
// and positions from the source overwrite earlier values, including
// placeholders created from deals.
func (c *Catalog) SyncOrigin(ctx context.Context, o Origin) (string, error) {
	originID := strings.TrimSpace(o.ID)
	if originID == "" {
		return "", eris.New("funnel: origin without id")
	}
	name := strings.TrimSpace(o.Name)
	if name == "" {
		name = originID
	}

	funnelID, err := c.store.UpsertFunnel(ctx, Funnel{
		Key:          FunnelKey(c.source, originID),
		Name:         name,
		SourceSystem: c.source,
	})
	if err != nil {
		return "", err
	}
	if err := c.store.UpsertAlias(ctx, funnelID, c.source, originID); err != nil {
		return "", err
	}
	c.funnels.Store(originID, funnelID)

	for _, sd := range o.Stages {
		ref := strings.TrimSpace(sd.ID)
		if ref == "" {
			continue
		}
		key := StageKey(c.source, ref)
		stageName := strings.TrimSpace(sd.Name)
		if stageName == "" {
			stageName = key
		}
		id, err := c.store.UpsertStage(ctx, Stage{
			FunnelID: funnelID,
			Key:      key,
			Name:     stageName,
			Position: sd.Position,
		}, true)
		if err != nil {
			return "", err
		}
		c.stages.Store(stageCacheKey(funnelID, key), id)
	}
	return funnelID, nil
}

// EnsureFallback creates the catch-all funnel and its unknown stage.
func (c *Catalog) EnsureFallback(ctx context.Context) (string, error) {
	if id, ok := c.funnels.Load(unknownRef); ok {
		return id.(string), nil
	}
	funnelID, err := c.store.UpsertFunnel(ctx, Funnel{
		Key:          FallbackFunnelKey(c.source),
		Name:         c.source + " (origin not informed)",
		SourceSystem: c.source,
	})
	if err != nil {
		return "", err
	}
	stageKey := FallbackStageKey(c.source)
	stageID, err := c.store.UpsertStage(ctx, Stage{
		FunnelID: funnelID,
		Key:      stageKey,
		Name:     "Unknown",
		Position: 0,
	}, false)
	if err != nil {
		return "", err
	}
	c.stages.Store(stageCacheKey(funnelID, stageKey), stageID)
	c.funnels.Store(unknownRef, funnelID)
	return funnelID, nil
}

// ResolveFunnel maps an origin id to its funnel through the alias table.
// Unknown or empty origins resolve to the catch-all funnel; fallback reports
// that case.
func (c *Catalog) ResolveFunnel(ctx context.Context, originID string) (id string, fallback bool, err error) {
	originID = strings.TrimSpace(originID)
	if originID != "" && originID != unknownRef {
		if v, ok := c.funnels.Load(originID); ok {
			return v.(string), false, nil
		}
		id, err := c.store.FunnelByAlias(ctx, c.source, originID)
		if err != nil {
			return "", false, err
		}
		if id != "" {
			c.funnels.Store(originID, id)
			return id, false, nil
		}
	}
	id, err = c.EnsureFallback(ctx)
	return id, true, err
}

// ResolveStage returns the stage of funnelID for a source stage id, creating
// a placeholder at PlaceholderPosition when the catalog has not seen it. An
// empty stage id yields no stage, except in the catch-all funnel where it
// maps to the unknown stage.
func (c *Catalog) ResolveStage(ctx context.Context, funnelID, stageRef string, fallback bool) (string, error) {
	stageRef = strings.TrimSpace(stageRef)
	if stageRef == "" {
		if !fallback {
			return "", nil
		}
		stageRef = unknownRef
	}
	key := StageKey(c.source, stageRef)
	cacheKey := stageCacheKey(funnelID, key)
	if v, ok := c.stages.Load(cacheKey); ok {
		return v.(string), nil
	}

	id, err := c.store.StageByKey(ctx, funnelID, key)
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = c.store.UpsertStage(ctx, Stage{
			FunnelID: funnelID,
			Key:      key,
			Name:     key,
			Position: PlaceholderPosition,
		}, false)
		if err != nil {
			return "", err
		}
	}
	c.stages.Store(cacheKey, id)
	return id, nil
}

func stageCacheKey(funnelID, key string) string {
	return funnelID + "\x00" + key
}
