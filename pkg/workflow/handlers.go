package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aihive/pkg/notify"
	"aihive/pkg/prd"
	"aihive/pkg/proto"
	"aihive/pkg/resilience"
	"aihive/pkg/task"
)

// handleCommand dispatches command envelopes. Malformed payloads surface as
// validation errors so the channel's error handler parks them instead of
// retrying.
func (s *Service) handleCommand(ctx context.Context, env *proto.Envelope) error {
	switch proto.CommandType(env.Type) {
	case proto.CmdCreateTask:
		return s.createTask(ctx, env)
	case proto.CmdUpdateTaskStatus:
		return s.updateTaskStatus(ctx, env)
	case proto.CmdAssignTask:
		return s.assignTask(ctx, env)
	case proto.CmdUnassignTask:
		return s.unassignTask(ctx, env)
	case proto.CmdAddTaskComment:
		return s.addTaskComment(ctx, env)
	case proto.CmdLinkRequirementToTask:
		return s.linkRequirement(ctx, env)
	case proto.CmdCreateProductRequirement:
		return s.createRequirement(ctx, env)
	case proto.CmdUpdateProductRequirement:
		return s.updateRequirement(ctx, env)
	case proto.CmdSendNotification, proto.CmdSendMessage:
		return s.sendNotification(ctx, env)
	case proto.CmdRequestClarification:
		return s.requestClarification(ctx, env)
	default:
		return resilience.NewValidationError("no handler for command %q", env.Type)
	}
}

// handleEvent dispatches the external events the workflow core reacts to.
func (s *Service) handleEvent(ctx context.Context, env *proto.Envelope) error {
	switch proto.EventType(env.Type) {
	case proto.EventUserRequestSubmitted:
		return s.onUserRequest(ctx, env)
	case proto.EventClarificationProvided:
		return s.onClarificationProvided(ctx, env)
	case proto.EventHumanValidationProvided:
		return s.onValidationProvided(ctx, env)
	default:
		return nil
	}
}

func (s *Service) createTask(ctx context.Context, env *proto.Envelope) error {
	title := env.GetString("title")
	if title == "" {
		return resilience.NewValidationError("create_task %s: missing title", env.ID)
	}

	priority := proto.PriorityMedium
	if raw := env.GetString("priority"); raw != "" {
		parsed, err := proto.ParseTaskPriority(raw)
		if err != nil {
			return resilience.NewValidationError("create_task %s: %v", env.ID, err)
		}
		priority = parsed
	}

	t := task.New(title, env.GetString("description"), priority)
	// The task joins the workflow that asked for it.
	t.CorrelationID = env.CorrelationID

	if err := s.deps.Tasks.Create(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	s.logger.Info("task %s created: %s", t.ID, t.Title)

	return s.deps.Bus.PublishEvent(ctx, proto.EventTaskCreated, map[string]any{
		"task_id":  t.ID,
		"title":    t.Title,
		"priority": string(t.Priority),
	}, proto.WithSource(Source), proto.CausedBy(env))
}

func (s *Service) updateTaskStatus(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("task_id")
	status, err := proto.ParseTaskStatus(env.GetString("status"))
	if id == "" || err != nil {
		return resilience.NewValidationError("update_task_status %s: bad payload: %v", env.ID, err)
	}

	if err := s.deps.Tasks.UpdateStatus(ctx, id, status); err != nil {
		// Commands cross the channel asynchronously, so a transition can be
		// stale by the time it lands. That is not worth a dead letter.
		if errors.Is(err, task.ErrInvalidTransition) {
			s.logger.Warn("ignoring stale transition for task %s: %v", id, err)
			return nil
		}
		if errors.Is(err, task.ErrNotFound) {
			return resilience.NewValidationError("update_task_status: %v", err)
		}
		return fmt.Errorf("update task status: %w", err)
	}

	return s.deps.Bus.PublishEvent(ctx, proto.EventTaskStatusChanged, map[string]any{
		"task_id": id,
		"status":  string(status),
	}, proto.WithSource(Source), proto.CausedBy(env))
}

func (s *Service) assignTask(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("task_id")
	assignee := env.GetString("assignee")
	if id == "" || assignee == "" {
		return resilience.NewValidationError("assign_task %s: missing task_id or assignee", env.ID)
	}

	if err := s.deps.Tasks.Assign(ctx, id, assignee); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return resilience.NewValidationError("assign_task: %v", err)
		}
		return fmt.Errorf("assign task: %w", err)
	}

	return s.deps.Bus.PublishEvent(ctx, proto.EventTaskAssigned, map[string]any{
		"task_id":  id,
		"assignee": assignee,
		"reason":   env.GetString("reason"),
	}, proto.WithSource(Source), proto.CausedBy(env))
}

func (s *Service) unassignTask(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("task_id")
	if id == "" {
		return resilience.NewValidationError("unassign_task %s: missing task_id", env.ID)
	}

	if err := s.deps.Tasks.Unassign(ctx, id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return resilience.NewValidationError("unassign_task: %v", err)
		}
		return fmt.Errorf("unassign task: %w", err)
	}

	return s.deps.Bus.PublishEvent(ctx, proto.EventTaskUnassigned, map[string]any{
		"task_id": id,
	}, proto.WithSource(Source), proto.CausedBy(env))
}

func (s *Service) addTaskComment(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("task_id")
	body := env.GetString("body")
	if id == "" || body == "" {
		return resilience.NewValidationError("add_task_comment %s: missing task_id or body", env.ID)
	}

	author := env.GetString("author")
	if author == "" {
		author = env.Source
	}

	if err := s.deps.Tasks.AddComment(ctx, id, task.Comment{Author: author, Body: body}); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return resilience.NewValidationError("add_task_comment: %v", err)
		}
		return fmt.Errorf("add task comment: %w", err)
	}

	return s.deps.Bus.PublishEvent(ctx, proto.EventTaskCommentAdded, map[string]any{
		"task_id": id,
		"author":  author,
	}, proto.WithSource(Source), proto.CausedBy(env))
}

func (s *Service) linkRequirement(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("task_id")
	reqID := env.GetString("requirement_id")
	if id == "" || reqID == "" {
		return resilience.NewValidationError("link_requirement_to_task %s: missing task_id or requirement_id", env.ID)
	}

	if err := s.deps.Tasks.LinkRequirement(ctx, id, reqID); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return resilience.NewValidationError("link_requirement_to_task: %v", err)
		}
		return fmt.Errorf("link requirement: %w", err)
	}
	return nil
}

// createRequirement serves external clients that bring their own document;
// the polling service writes to the store directly.
func (s *Service) createRequirement(ctx context.Context, env *proto.Envelope) error {
	taskID := env.GetString("task_id")
	title := env.GetString("title")
	if taskID == "" || title == "" {
		return resilience.NewValidationError("create_product_requirement %s: missing task_id or title", env.ID)
	}

	req := prd.New(taskID, title, env.GetString("content"))
	if err := s.deps.PRDs.Create(ctx, req); err != nil {
		return fmt.Errorf("create requirement: %w", err)
	}
	if err := s.deps.Tasks.LinkRequirement(ctx, taskID, req.ID); err != nil && !errors.Is(err, task.ErrNotFound) {
		return fmt.Errorf("link requirement: %w", err)
	}

	return s.deps.Bus.PublishEvent(ctx, proto.EventProductRequirementCreated, map[string]any{
		"task_id":        taskID,
		"requirement_id": req.ID,
		"title":          req.Title,
	}, proto.WithSource(Source), proto.CausedBy(env))
}

func (s *Service) updateRequirement(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("requirement_id")
	title := env.GetString("title")
	content := env.GetString("content")
	if id == "" || title == "" || content == "" {
		return resilience.NewValidationError("update_product_requirement %s: missing requirement_id, title or content", env.ID)
	}

	if err := s.deps.PRDs.Update(ctx, id, title, content); err != nil {
		if errors.Is(err, prd.ErrNotFound) {
			return resilience.NewValidationError("update_product_requirement: %v", err)
		}
		return fmt.Errorf("update requirement: %w", err)
	}

	return s.deps.Bus.PublishEvent(ctx, proto.EventProductRequirementUpdated, map[string]any{
		"requirement_id": id,
	}, proto.WithSource(Source), proto.CausedBy(env))
}

func (s *Service) sendNotification(ctx context.Context, env *proto.Envelope) error {
	channel := env.GetString("channel")
	subject := env.GetString("subject")
	if channel == "" || subject == "" {
		return resilience.NewValidationError("send_notification %s: missing channel or subject", env.ID)
	}

	err := s.deps.Notifier.Send(ctx, notify.Notification{
		Channel:       channel,
		Subject:       subject,
		Body:          env.GetString("body"),
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

func (s *Service) requestClarification(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("task_id")
	questions := stringSlice(env, "questions")
	if id == "" || len(questions) == 0 {
		return resilience.NewValidationError("request_clarification %s: missing task_id or questions", env.ID)
	}

	err := s.deps.Notifier.Send(ctx, notify.Notification{
		Channel:       notify.ChannelRequester,
		Subject:       fmt.Sprintf("Clarification requested on task %s", id),
		Body:          "- " + strings.Join(questions, "\n- "),
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		return fmt.Errorf("request clarification: %w", err)
	}
	return nil
}

// onUserRequest turns an external feature request into a create_task command.
func (s *Service) onUserRequest(ctx context.Context, env *proto.Envelope) error {
	title := env.GetString("title")
	if title == "" {
		return resilience.NewValidationError("user_request_submitted %s: missing title", env.ID)
	}

	return s.deps.Bus.PublishCommand(ctx, proto.CmdCreateTask, map[string]any{
		"title":       title,
		"description": env.GetString("description"),
		"priority":    env.GetString("priority"),
		"requester":   env.GetString("requester"),
	}, proto.WithSource(Source), proto.CausedBy(env))
}

// onClarificationProvided records the requester's answer and puts the task
// back in the analysis queue.
func (s *Service) onClarificationProvided(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("task_id")
	answer := env.GetString("answer")
	if id == "" || answer == "" {
		return resilience.NewValidationError("clarification_provided %s: missing task_id or answer", env.ID)
	}

	author := env.GetString("author")
	if author == "" {
		author = "requester"
	}

	err := s.deps.Bus.PublishCommand(ctx, proto.CmdAddTaskComment, map[string]any{
		"task_id": id,
		"author":  author,
		"body":    answer,
	}, proto.WithSource(Source), proto.CausedBy(env))
	if err != nil {
		return err
	}

	return s.deps.Bus.PublishCommand(ctx, proto.CmdUpdateTaskStatus, map[string]any{
		"task_id": id,
		"status":  string(proto.StatusRequestValidation),
	}, proto.WithSource(Source), proto.CausedBy(env))
}

// onValidationProvided settles a requirement review. Approval completes the
// workflow; rejection sends the task back with the reviewer's reasoning.
func (s *Service) onValidationProvided(ctx context.Context, env *proto.Envelope) error {
	id := env.GetString("task_id")
	decision := env.GetString("decision")
	if id == "" || decision == "" {
		return resilience.NewValidationError("human_validation_provided %s: missing task_id or decision", env.ID)
	}

	t, err := s.deps.Tasks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return resilience.NewValidationError("human_validation_provided: %v", err)
		}
		return fmt.Errorf("load task: %w", err)
	}

	switch decision {
	case "approved":
		return s.approve(ctx, env, t)
	case "rejected":
		return s.reject(ctx, env, t)
	default:
		return resilience.NewValidationError("human_validation_provided %s: unknown decision %q", env.ID, decision)
	}
}

func (s *Service) approve(ctx context.Context, env *proto.Envelope, t *task.Task) error {
	if t.RequirementID != "" {
		if err := s.deps.PRDs.SetStatus(ctx, t.RequirementID, prd.StatusApproved); err != nil {
			return fmt.Errorf("approve requirement: %w", err)
		}
	}

	err := s.deps.Bus.PublishCommand(ctx, proto.CmdUpdateTaskStatus, map[string]any{
		"task_id": t.ID,
		"status":  string(proto.StatusApproved),
	}, proto.WithSource(Source), proto.CausedBy(env))
	if err != nil {
		return err
	}

	err = s.deps.Bus.PublishEvent(ctx, proto.EventTaskCompleted, map[string]any{
		"task_id":        t.ID,
		"requirement_id": t.RequirementID,
	}, proto.WithSource(Source), proto.CausedBy(env))
	if err != nil {
		return err
	}

	s.logger.Info("task %s approved, workflow %s complete", t.ID, t.CorrelationID)
	return s.deps.Bus.PublishEvent(ctx, proto.EventWorkflowCompleted, map[string]any{
		"task_id": t.ID,
	}, proto.WithSource(Source), proto.CausedBy(env))
}

func (s *Service) reject(ctx context.Context, env *proto.Envelope, t *task.Task) error {
	if t.RequirementID != "" {
		if err := s.deps.PRDs.SetStatus(ctx, t.RequirementID, prd.StatusRejected); err != nil {
			return fmt.Errorf("reject requirement: %w", err)
		}
	}

	if reason := env.GetString("reason"); reason != "" {
		err := s.deps.Bus.PublishCommand(ctx, proto.CmdAddTaskComment, map[string]any{
			"task_id": t.ID,
			"author":  "reviewer",
			"body":    reason,
		}, proto.WithSource(Source), proto.CausedBy(env))
		if err != nil {
			return err
		}
	}

	s.logger.Info("task %s rejected by review", t.ID)
	return s.deps.Bus.PublishCommand(ctx, proto.CmdUpdateTaskStatus, map[string]any{
		"task_id": t.ID,
		"status":  string(proto.StatusRejected),
	}, proto.WithSource(Source), proto.CausedBy(env))
}

// stringSlice extracts a []string payload field. JSON decoding delivers
// []any, so both shapes are accepted.
func stringSlice(env *proto.Envelope, key string) []string {
	if direct, ok := proto.ExtractPayload[[]string](env, key); ok {
		return direct
	}
	raw, ok := proto.ExtractPayload[[]any](env, key)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
