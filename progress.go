package comlink

// ProgressReporter allows handlers to report progress during long
// operations. Updates reach the issuing client as progress frames.
type ProgressReporter interface {
	Update(current, total int, message string)
}

// noopProgress is a no-op implementation of ProgressReporter.
type noopProgress struct{}

func (p *noopProgress) Update(current, total int, message string) {}

// sessionProgress sends progress updates for a specific request.
type sessionProgress struct {
	session   *Session
	requestID string
}

func newSessionProgress(s *Session, requestID string) *sessionProgress {
	return &sessionProgress{session: s, requestID: requestID}
}

func (p *sessionProgress) Update(current, total int, message string) {
	p.session.sendProgress(p.requestID, current, total, message)
}
