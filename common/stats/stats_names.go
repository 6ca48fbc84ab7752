package stats

/*
This file defines all the metrics being collected. Phase and segment metrics are
scoped under the phase name or "segments" by the caller.
*/

const (
	/************************* Run metrics **************************/
	/*
		number of backup runs started / finalized / aborted
	*/
	RunStartedCounter   = "runStartedCounter"
	RunFinalizedCounter = "runFinalizedCounter"
	RunAbortedCounter   = "runAbortedCounter"

	/*
		wall time of the whole run, from gc suspend to finalize
	*/
	RunLatency_ms = "runLatency_ms"

	/************************* GC suspension metrics **************************/
	/*
		time spent waiting for in-flight compaction before the first phase
	*/
	GCWaitLatency_ms = "gcWaitLatency_ms"

	/*
		1 when the bounded wait expired with compaction still running
	*/
	GCWaitExpiredGauge = "gcWaitExpiredGauge"

	GCResumeCounter    = "gcResumeCounter"
	GCResumeErrCounter = "gcResumeErrCounter"

	/************************* Phase metrics **************************/
	PhaseFilesCounter  = "filesCounter"
	PhaseBytesCounter  = "bytesCounter"
	PhaseErrCounter    = "errCounter"
	PhaseLatency_ms    = "latency_ms"
	PhaseVanishedGauge = "vanishedGauge"

	/************************* Segment metrics **************************/
	SegmentReusedCounter   = "reusedCounter"
	SegmentFetchedCounter  = "fetchedCounter"
	SegmentFailedCounter   = "failedCounter"
	SegmentBytesCounter    = "bytesCounter"
	SegmentFetchLatency_ms = "fetchLatency_ms"
)
