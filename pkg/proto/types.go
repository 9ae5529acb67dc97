package proto

import (
	"fmt"
	"strings"
)

// EventType identifies something that happened in the workflow.
type EventType string

const (
	EventUserRequestSubmitted      EventType = "user_request_submitted"
	EventClarificationProvided     EventType = "clarification_provided"
	EventHumanValidationProvided   EventType = "human_validation_provided"
	EventTaskCreated               EventType = "task_created"
	EventTaskStatusChanged         EventType = "task_status_changed"
	EventTaskAssigned              EventType = "task_assigned"
	EventTaskUnassigned            EventType = "task_unassigned"
	EventTaskCommentAdded          EventType = "task_comment_added"
	EventClarificationRequested    EventType = "clarification_requested"
	EventProductRequirementCreated EventType = "product_requirement_created"
	EventProductRequirementUpdated EventType = "product_requirement_updated"
	EventHumanValidationRequested  EventType = "human_validation_requested"
	EventTaskScanInitiated         EventType = "task_scan_initiated"
	EventTaskScanCompleted         EventType = "task_scan_completed"
	EventTaskCompleted             EventType = "task_completed"
	EventWorkflowCompleted         EventType = "workflow_completed"
)

//nolint:gochecknoglobals // enum table
var eventTypes = map[EventType]bool{
	EventUserRequestSubmitted:      true,
	EventClarificationProvided:     true,
	EventHumanValidationProvided:   true,
	EventTaskCreated:               true,
	EventTaskStatusChanged:         true,
	EventTaskAssigned:              true,
	EventTaskUnassigned:            true,
	EventTaskCommentAdded:          true,
	EventClarificationRequested:    true,
	EventProductRequirementCreated: true,
	EventProductRequirementUpdated: true,
	EventHumanValidationRequested:  true,
	EventTaskScanInitiated:         true,
	EventTaskScanCompleted:         true,
	EventTaskCompleted:             true,
	EventWorkflowCompleted:         true,
}

// ValidateEventType normalizes and checks an event type string.
func ValidateEventType(s string) (EventType, bool) {
	et := EventType(strings.ToLower(strings.TrimSpace(s)))
	return et, eventTypes[et]
}

// ParseEventType converts a string to an EventType, failing on unknown values.
func ParseEventType(s string) (EventType, error) {
	et, ok := ValidateEventType(s)
	if !ok {
		return "", fmt.Errorf("unknown event type: %q", s)
	}
	return et, nil
}

func (t EventType) String() string { return string(t) }

// CommandType identifies a request for work.
type CommandType string

const (
	CmdCreateTask               CommandType = "create_task"
	CmdUpdateTaskStatus         CommandType = "update_task_status"
	CmdAssignTask               CommandType = "assign_task"
	CmdUnassignTask             CommandType = "unassign_task"
	CmdAddTaskComment           CommandType = "add_task_comment"
	CmdCreateProductRequirement CommandType = "create_product_requirement"
	CmdUpdateProductRequirement CommandType = "update_product_requirement"
	CmdRequestClarification     CommandType = "request_clarification"
	CmdLinkRequirementToTask    CommandType = "link_requirement_to_task"
	CmdSendMessage              CommandType = "send_message"
	CmdSendNotification         CommandType = "send_notification"
)

//nolint:gochecknoglobals // enum table
var commandTypes = map[CommandType]bool{
	CmdCreateTask:               true,
	CmdUpdateTaskStatus:         true,
	CmdAssignTask:               true,
	CmdUnassignTask:             true,
	CmdAddTaskComment:           true,
	CmdCreateProductRequirement: true,
	CmdUpdateProductRequirement: true,
	CmdRequestClarification:     true,
	CmdLinkRequirementToTask:    true,
	CmdSendMessage:              true,
	CmdSendNotification:         true,
}

// ValidateCommandType normalizes and checks a command type string.
func ValidateCommandType(s string) (CommandType, bool) {
	ct := CommandType(strings.ToLower(strings.TrimSpace(s)))
	return ct, commandTypes[ct]
}

// ParseCommandType converts a string to a CommandType, failing on unknown values.
func ParseCommandType(s string) (CommandType, error) {
	ct, ok := ValidateCommandType(s)
	if !ok {
		return "", fmt.Errorf("unknown command type: %q", s)
	}
	return ct, nil
}

func (t CommandType) String() string { return string(t) }

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusNew                 TaskStatus = "new"
	StatusRequestValidation   TaskStatus = "request_validation"
	StatusClarificationNeeded TaskStatus = "clarification_needed"
	StatusPRDDevelopment      TaskStatus = "prd_development"
	StatusPRDValidation       TaskStatus = "prd_validation"
	StatusApproved            TaskStatus = "approved"
	StatusRejected            TaskStatus = "rejected"
	StatusCompleted           TaskStatus = "completed"
	StatusCancelled           TaskStatus = "cancelled"
)

// Legal forward transitions. Cancellation is allowed from any non-terminal
// state and handled separately.
//
//nolint:gochecknoglobals // enum table
var statusTransitions = map[TaskStatus][]TaskStatus{
	StatusNew:                 {StatusRequestValidation},
	StatusRequestValidation:   {StatusPRDDevelopment, StatusClarificationNeeded},
	StatusClarificationNeeded: {StatusRequestValidation},
	StatusPRDDevelopment:      {StatusPRDValidation, StatusClarificationNeeded},
	StatusPRDValidation:       {StatusApproved, StatusRejected},
	StatusApproved:            {StatusCompleted},
	StatusRejected:            {StatusRequestValidation},
}

// ValidateTaskStatus normalizes and checks a task status string.
func ValidateTaskStatus(s string) (TaskStatus, bool) {
	ts := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	switch ts {
	case StatusNew, StatusRequestValidation, StatusClarificationNeeded,
		StatusPRDDevelopment, StatusPRDValidation, StatusApproved,
		StatusRejected, StatusCompleted, StatusCancelled:
		return ts, true
	}
	return ts, false
}

// ParseTaskStatus converts a string to a TaskStatus, failing on unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	ts, ok := ValidateTaskStatus(s)
	if !ok {
		return "", fmt.Errorf("unknown task status: %q", s)
	}
	return ts, nil
}

func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if next == StatusCancelled {
		return !s.IsTerminal()
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskPriority orders tasks for scheduling.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Rank returns the scheduling rank, lower runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ValidateTaskPriority normalizes and checks a priority string.
func ValidateTaskPriority(s string) (TaskPriority, bool) {
	tp := TaskPriority(strings.ToLower(strings.TrimSpace(s)))
	switch tp {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return tp, true
	}
	return tp, false
}

// ParseTaskPriority converts a string to a TaskPriority, failing on unknown values.
func ParseTaskPriority(s string) (TaskPriority, error) {
	tp, ok := ValidateTaskPriority(s)
	if !ok {
		return "", fmt.Errorf("unknown task priority: %q", s)
	}
	return tp, nil
}

func (p TaskPriority) String() string { return string(p) }
