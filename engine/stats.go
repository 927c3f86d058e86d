package engine

import (
	"time"

	"github.com/intellimaint/edge/model"
	"github.com/intellimaint/edge/pipeline"
)

// Stats is a point-in-time snapshot of the whole engine, consumed by the
// terminal dashboard and periodic status logs.
type Stats struct {
	Collectors    []model.CollectorHealth
	Queue         pipeline.QueueStats
	Targets       []pipeline.TargetStats
	Writer        pipeline.WriterStats
	RulesLoaded   int
	RulesLoadedAt time.Time
	Windows       int
	RecentAlarms  []model.AlarmRecord
}

// Stats snapshots every component's counters.
func (e *Engine) Stats() Stats {
	snap := e.registry.Snapshot()
	return Stats{
		Collectors:    e.manager.Health(),
		Queue:         e.queue.Stats(),
		Targets:       e.dispatcher.Stats(),
		Writer:        e.writer.Stats(),
		RulesLoaded:   snap.Len(),
		RulesLoadedAt: snap.LoadedAt(),
		Windows:       e.windows.Size(),
		RecentAlarms:  e.aggregator.Recent(),
	}
}
