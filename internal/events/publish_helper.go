package events

// PublishHelper wraps event publishing with nil-safety and convenience methods.
// All methods are safe to call even when the underlying publisher is nil.
type PublishHelper struct {
	publisher Publisher
}

// NewPublishHelper creates a new PublishHelper wrapping the given publisher.
// If p is nil, all publish operations become no-ops.
func NewPublishHelper(p Publisher) *PublishHelper {
	return &PublishHelper{publisher: p}
}

// Publish sends an event to the underlying publisher.
func (ep *PublishHelper) Publish(ev Event) {
	if ep == nil || ep.publisher == nil {
		return
	}
	ep.publisher.Publish(ev)
}

// Phase publishes a committed phase transition.
func (ep *PublishHelper) Phase(projectID, from, to, step string) {
	ep.Publish(NewEvent(EventPhase, projectID, PhaseUpdate{From: from, To: to, Step: step}))
}

// Backlog publishes a tree mutation.
func (ep *PublishHelper) Backlog(projectID, op string, parentID *int64, nodeIDs ...int64) {
	ep.Publish(NewEvent(EventBacklog, projectID, BacklogUpdate{Op: op, NodeIDs: nodeIDs, ParentID: parentID}))
}

// Sprint publishes a sprint lifecycle change.
func (ep *PublishHelper) Sprint(projectID, sprintID, status string) {
	ep.Publish(NewEvent(EventSprint, projectID, SprintUpdate{SprintID: sprintID, Status: status}))
}

// Progress forwards a task progress tuple.
func (ep *PublishHelper) Progress(projectID, taskID, tag string, payload any) {
	ep.Publish(NewEvent(EventProgress, projectID, ProgressUpdate{TaskID: taskID, Tag: tag, Payload: payload}))
}

// TaskDone publishes the terminal outcome of a task.
func (ep *PublishHelper) TaskDone(projectID string, res TaskResult) {
	ep.Publish(NewEvent(EventTaskDone, projectID, res))
}

// Escalation publishes a debug controller state change.
func (ep *PublishHelper) Escalation(projectID string, u EscalationUpdate) {
	ep.Publish(NewEvent(EventEscalation, projectID, u))
}

// Error publishes a non-fatal error.
func (ep *PublishHelper) Error(projectID string, err error) {
	if err == nil {
		return
	}
	ep.Publish(NewEvent(EventError, projectID, map[string]string{"error": err.Error()}))
}
