package bootstrap

import (
	"context"
	"fmt"

	"github.com/cadlebe/bootstrap-kubernetes/pkg/config"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/engine"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/inventory"
	"github.com/cadlebe/bootstrap-kubernetes/pkg/telemetry"
)

// Coordinator sequences the bootstrap phases: node preparation and control
// plane initialization first, then, behind the token artifact barrier, the
// worker joins.
type Coordinator struct {
	cfg    config.Config
	inv    *inventory.Inventory
	eng    *engine.Engine
	store  *ArtifactStore
	logger *telemetry.Logger
}

// NewCoordinator wires a coordinator over an engine and inventory. The
// token artifact lives at the path the configuration names.
func NewCoordinator(cfg config.Config, inv *inventory.Inventory, eng *engine.Engine, logger *telemetry.Logger) *Coordinator {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Coordinator{
		cfg:    cfg,
		inv:    inv,
		eng:    eng,
		store:  NewArtifactStore(cfg.TokenArtifactPath),
		logger: logger.NewComponentLogger("bootstrap"),
	}
}

// Store returns the coordinator's artifact store.
func (c *Coordinator) Store() *ArtifactStore {
	return c.store
}

// Run executes the full bootstrap. The returned report covers every play
// that ran; when the control phase fails the report stops there and the
// error explains why no worker was touched.
func (c *Coordinator) Run(ctx context.Context) (*engine.Report, error) {
	clusterHosts, err := c.inv.Resolve(GroupCluster)
	if err != nil {
		return nil, engine.NewResolutionError(fmt.Sprintf("resolving group %q", GroupCluster), err)
	}
	controlHosts, err := c.inv.Resolve(GroupControl)
	if err != nil {
		return nil, engine.NewResolutionError(fmt.Sprintf("resolving group %q", GroupControl), err)
	}

	capture := newOutputCapture()
	c.logger.Infof("control phase: preparing %d node(s)", len(clusterHosts))
	report, err := c.eng.RunPlays(ctx, []*engine.Play{
		CommonPlay(c.cfg, clusterHosts),
		ControlPlay(c.cfg, capture, c.store),
	})
	if err != nil {
		return nil, err
	}

	if err := c.checkBarrier(report, controlHosts); err != nil {
		c.logger.WithError(err).Error("control phase incomplete, workers untouched")
		return report, err
	}

	c.logger.Info("control phase complete, joining workers")
	workerReport, err := c.eng.RunPlays(ctx, []*engine.Play{WorkerPlay(c.cfg, c.store)})
	if err != nil {
		return report, err
	}

	report.Plays = append(report.Plays, workerReport.Plays...)
	report.CompletedAt = workerReport.CompletedAt
	return report, nil
}

// checkBarrier enforces the control→worker dependency: the control host must
// have converged and a valid token artifact must exist before any join is
// attempted.
func (c *Coordinator) checkBarrier(report *engine.Report, controlHosts []inventory.Host) error {
	failed := make(map[string]struct{})
	for _, h := range report.FailedHosts() {
		failed[h] = struct{}{}
	}
	for _, h := range controlHosts {
		if _, ok := failed[h.Name]; ok {
			return engine.NewDependencyError(
				fmt.Sprintf("control phase failed on %q, worker phase not started", h.Name), nil).
				WithHost(h.Name)
		}
	}

	if !c.store.Exists() {
		return engine.NewDependencyError(
			fmt.Sprintf("no token artifact at %s, worker phase not started", c.store.Path()), nil)
	}
	if err := c.store.Validate(); err != nil {
		return engine.NewDependencyError("token artifact unusable, worker phase not started", err)
	}
	return nil
}
