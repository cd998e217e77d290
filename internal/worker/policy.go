package worker

import "docindex/internal/apperr"

// RejectPolicy decides whether a failed delivery goes back on the queue.
// The zero value never requeues.
type RejectPolicy struct {
	// RequeueTransient requeues failures wrapping apperr.ErrTransport.
	RequeueTransient bool
	// MaxAttempts stops requeueing once a delivery has been attempted this often.
	// Zero or less means no limit.
	MaxAttempts int
}

// Requeue reports whether a delivery on its attempt-th try that failed with err
// should be requeued. counted is false when the broker only flags redeliveries
// without counting them; such a redelivery is treated as having reached
// MaxAttempts, so a limited policy requeues it at most once.
// Missing blobs, unreadable binaries and rejected index writes are never requeued.
func (p RejectPolicy) Requeue(err error, attempt int, counted bool) bool {
	if !p.RequeueTransient || !apperr.IsTransient(err) {
		return false
	}
	if p.MaxAttempts <= 0 {
		return true
	}
	if !counted && attempt > 1 {
		return false
	}
	return attempt < p.MaxAttempts
}
