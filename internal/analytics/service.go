package analytics

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-funnel/internal/funnel"
)

// Snapshotter reads the funnel read model.
type Snapshotter interface {
	Snapshot(ctx context.Context, source string) (*funnel.Snapshot, error)
	GetFunnel(ctx context.Context, id string) (*funnel.Funnel, error)
}

// Service answers analytics queries from the funnel store.
type Service struct {
	store Snapshotter
}

// NewService creates an analytics service.
func NewService(store Snapshotter) *Service {
	return &Service{store: store}
}

// GetFunnelAnalytics analyzes every funnel, or only those of source when it
// is non-empty.
func (s *Service) GetFunnelAnalytics(ctx context.Context, source string) (Report, error) {
	start := time.Now()
	snap, err := s.store.Snapshot(ctx, source)
	if err != nil {
		return Report{}, eris.Wrap(err, "analytics: read snapshot")
	}
	rep := Analyze(snap)
	zap.L().Debug("analytics: funnels analyzed",
		zap.String("source", source),
		zap.Int("funnels", rep.TotalFunnels),
		zap.Int("entries", len(snap.Entries)),
		zap.Int("transitions", len(snap.Transitions)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}

// GetFunnelDetails analyzes one funnel. It returns nil when the funnel does
// not exist.
func (s *Service) GetFunnelDetails(ctx context.Context, funnelID string) (*FunnelAnalytics, error) {
	f, err := s.store.GetFunnel(ctx, funnelID)
	if err != nil {
		return nil, eris.Wrapf(err, "analytics: get funnel %s", funnelID)
	}
	if f == nil {
		return nil, nil
	}
	rep, err := s.GetFunnelAnalytics(ctx, f.SourceSystem)
	if err != nil {
		return nil, err
	}
	for i := range rep.Funnels {
		if rep.Funnels[i].FunnelID == funnelID {
			return &rep.Funnels[i], nil
		}
	}
	return nil, nil
}

// ListSources summarizes every source, worst health first.
func (s *Service) ListSources(ctx context.Context) ([]SourceListItem, error) {
	rep, err := s.GetFunnelAnalytics(ctx, "")
	if err != nil {
		return nil, err
	}
	return Sources(rep), nil
}

// GetSourceDetails drills into one source.
func (s *Service) GetSourceDetails(ctx context.Context, source string, includeStages bool) (SourceDetails, error) {
	rep, err := s.GetFunnelAnalytics(ctx, source)
	if err != nil {
		return SourceDetails{}, err
	}
	return Details(source, rep, includeStages), nil
}

// GetDashboard builds the cross-source overview.
func (s *Service) GetDashboard(ctx context.Context) (Dashboard, error) {
	rep, err := s.GetFunnelAnalytics(ctx, "")
	if err != nil {
		return Dashboard{}, err
	}
	return Overview(rep), nil
}

// GetAlerts returns every alert, or only critical ones.
func (s *Service) GetAlerts(ctx context.Context, criticalOnly bool) ([]Alert, error) {
	rep, err := s.GetFunnelAnalytics(ctx, "")
	if err != nil {
		return nil, err
	}
	alerts := AllAlerts(rep)
	if criticalOnly {
		return CriticalAlerts(alerts), nil
	}
	return alerts, nil
}

// GetBottlenecks lists bottleneck stages, slowest first.
func (s *Service) GetBottlenecks(ctx context.Context, source string) ([]Bottleneck, error) {
	rep, err := s.GetFunnelAnalytics(ctx, source)
	if err != nil {
		return nil, err
	}
	return Bottlenecks(stageRefs(rep)), nil
}
