package engine

// DeriveJobStatus computes a job's status from its detail statuses. It is
// the single place job-level aggregation happens; both the worker and the
// detail-transition path call it so the job row can never drift from its
// details.
//
// Rules, in order: any running detail keeps the job running; all details
// completed or skipped means completed; all failed means failed; a mix of
// terminal outcomes with nothing left pending means partial; anything else
// (work still pending, or no details at all) leaves the current status
// untouched.
func DeriveJobStatus(current JobStatus, details []DetailStatus) JobStatus {
	if len(details) == 0 {
		return current
	}

	var pending, running, completed, failed, skipped int
	for _, st := range details {
		switch st {
		case DetailPending:
			pending++
		case DetailRunning:
			running++
		case DetailCompleted:
			completed++
		case DetailFailed:
			failed++
		case DetailSkipped:
			skipped++
		}
	}

	switch {
	case running > 0:
		return JobRunning
	case pending == 0 && failed == 0:
		return JobCompleted
	case pending == 0 && completed == 0 && skipped == 0:
		return JobFailed
	case pending == 0:
		return JobPartial
	default:
		return current
	}
}
