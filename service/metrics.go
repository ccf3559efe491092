package service

import "github.com/prometheus/client_golang/prometheus"

var (
	cntSaveCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_save_calls",
		Help: "Count of save calls by finality and result",
	}, []string{"final", "result"})
	cntTasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "planet_save_tasks_enqueued",
		Help: "Count of tile tasks handed to the queue",
	})
	cntTilesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "planet_save_tiles_scheduled",
		Help: "Count of tiles carried by enqueued tasks",
	})
	cntChunksDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "planet_save_chunks_deleted",
		Help: "Count of stale chunk documents removed by final saves",
	})
	cntTasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_task_processed",
		Help: "Count of tile tasks by outcome",
	}, []string{"outcome"})
	cntTilesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_task_tiles_dropped",
		Help: "Count of malformed tiles dropped by the task processor",
	}, []string{"reason"})
	histTaskDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "planet_task_duration_seconds",
		Help:    "Histogram of tile task processing time",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 2, 10},
	})
	cntChunkCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "planet_chunk_cache",
		Help: "Chunk read cache lookups by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(cntSaveCalls)
	prometheus.MustRegister(cntTasksEnqueued)
	prometheus.MustRegister(cntTilesScheduled)
	prometheus.MustRegister(cntChunksDeleted)
	prometheus.MustRegister(cntTasksProcessed)
	prometheus.MustRegister(cntTilesDropped)
	prometheus.MustRegister(histTaskDur)
	prometheus.MustRegister(cntChunkCache)
}
