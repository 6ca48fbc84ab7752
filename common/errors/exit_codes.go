package errors

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1

	ConfigFailureExitCode ExitCode = 64

	// Fatal run failures
	TransportUnavailableExitCode ExitCode = 70
	GCSuspendFailureExitCode     ExitCode = 71
	PhaseTransferFailureExitCode ExitCode = 72
	InsufficientSpaceExitCode    ExitCode = 73

	// Non-fatal, reported after the run completes
	SegmentFetchFailureExitCode ExitCode = 80

	InterruptedExitCode ExitCode = 130
)

// Ordered so that a chain carrying several kinds reports the most specific.
var kinds = []struct {
	err  error
	code ExitCode
}{
	{ErrInterrupted, InterruptedExitCode},
	{ErrConfig, ConfigFailureExitCode},
	{ErrTransportUnavailable, TransportUnavailableExitCode},
	{ErrGCSuspendFailed, GCSuspendFailureExitCode},
	{ErrInsufficientSpace, InsufficientSpaceExitCode},
	{ErrPhaseTransferFailed, PhaseTransferFailureExitCode},
	{ErrSegmentFetchFailed, SegmentFetchFailureExitCode},
}
