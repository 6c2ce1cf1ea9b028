package mapping

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"
)

// maintenance tracks the background refinement worker.
type maintenance struct {
	cancel  chan struct{}
	workers sync.WaitGroup
}

// StartMaintenance starts the periodic landmark refinement pass in the
// background. It is used by the accuracy-preferring (offline) configuration.
// The clock is injectable for tests; pass clock.New() in production.
func (m *Map) StartMaintenance(interval time.Duration, c clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maintenance != nil {
		return
	}
	mt := &maintenance{cancel: make(chan struct{})}
	m.maintenance = mt
	mt.workers.Add(1)
	goutils.ManagedGo(func() {
		ticker := c.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-mt.cancel:
				return
			case <-ticker.C:
				adjusted := m.RefineOnce()
				if m.logger != nil && adjusted > 0 {
					m.logger.Debugw("maintenance pass", "landmarks_adjusted", adjusted)
				}
			}
		}
	}, mt.workers.Done)
}

// Close stops the background maintenance worker, if any. The map stays valid
// and usable after Close.
func (m *Map) Close() error {
	m.mu.Lock()
	mt := m.maintenance
	m.maintenance = nil
	m.mu.Unlock()
	if mt != nil {
		close(mt.cancel)
		mt.workers.Wait()
	}
	return nil
}

// RefineOnce re-estimates landmark positions from the keyframe observations
// that reference them, in place. Landmark positions previously read by
// callers become stale after this returns; re-query rather than caching
// across SLAM steps. Returns the number of landmarks adjusted.
func (m *Map) RefineOnce() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	sums := map[uint64]r3.Vector{}
	counts := map[uint64]int{}
	for _, kf := range m.keyframes {
		camToMap := kf.Pose.Invert()
		for _, obs := range kf.Observations {
			sums[obs.LandmarkID] = sums[obs.LandmarkID].Add(camToMap.TransformPoint(obs.Point))
			counts[obs.LandmarkID]++
		}
	}
	adjusted := 0
	for id, count := range counts {
		if count < m.cfg.RefineMinObservations {
			continue
		}
		lm, ok := m.landmarks[id]
		if !ok {
			continue
		}
		refined := sums[id].Mul(1 / float64(count))
		if refined.Sub(lm.Position).Norm() > 0 {
			lm.Position = refined
			adjusted++
		}
	}
	return adjusted
}
