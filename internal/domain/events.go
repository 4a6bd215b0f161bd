package domain

import "time"

// EventType names a notification pushed to connected parties.
type EventType string

const (
	EventSubtaskAccepted       EventType = "subtask.accepted"
	EventSubtaskProgress       EventType = "subtask.progress"
	EventExecutionRequested    EventType = "subtask.execution_requested"
	EventExecutionAcknowledged EventType = "subtask.execution_acknowledged"
	EventSubtaskCompleted      EventType = "subtask.completed"
	EventSubtaskFailed         EventType = "subtask.failed"
	EventTaskUpdated           EventType = "task.updated"
	EventTaskCompleted         EventType = "task.completed"
	EventTaskFailed            EventType = "task.failed"
	EventPoolChanged           EventType = "pool.changed"
)

// Event is one notification addressed to a single topic. Emitters that
// want several audiences publish once per topic.
type Event struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Topic constructors. A topic groups the connections that should see an
// event: a requester account, a provider account, everyone watching one
// task, or every connected provider.
func TopicUser(userID string) string     { return "user:" + userID }
func TopicProvider(provID string) string { return "provider:" + provID }
func TopicTask(taskID string) string     { return "task:" + taskID }

// TopicAllProviders addresses every connected provider device at once,
// used for dispatch availability nudges.
const TopicAllProviders = "all-providers"
