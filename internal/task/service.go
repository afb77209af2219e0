package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/audit"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/events/bus"
)

var (
	// ErrAlreadyAssigned rejects assignment of an owned task.
	ErrAlreadyAssigned = errors.New("task already assigned")
	// ErrDependencyCycle rejects a depends_on edge that would close a cycle.
	ErrDependencyCycle = errors.New("dependency would create a cycle")
	// ErrTerminalStatus rejects updates to a completed task.
	ErrTerminalStatus = errors.New("task is completed and can no longer change")
	// ErrNotOwner rejects a worker mutating a task it does not own.
	ErrNotOwner = errors.New("task is not assigned to the calling agent")
)

// AgentChecker verifies assignee existence. Implemented by the agent store.
type AgentChecker interface {
	AgentExists(ctx context.Context, agentID string) (bool, error)
}

// Service enforces graph and assignment invariants over the Store.
type Service struct {
	store    *Store
	agents   AgentChecker
	actions  *audit.Store
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates the task service.
func NewService(store *Store, agents AgentChecker, actions *audit.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:    store,
		agents:   agents,
		actions:  actions,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "task-service")),
	}
}

// Store exposes the underlying store for callers that join transactions.
func (s *Service) Store() *Store {
	return s.store
}

// CreateRequest carries the fields of a new task.
type CreateRequest struct {
	TaskID      string
	Title       string
	Description string
	CreatedBy   string
	AssignedTo  string
	Priority    Priority
	ParentTask  string
	DependsOn   []string
}

// Create inserts a task, wiring the parent/child and dependency relations.
// The insert, the parent's child_tasks update, and the audit entry commit in
// one transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if req.TaskID == "" {
		req.TaskID = "task-" + uuid.New().String()[:8]
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !ValidPriority(req.Priority) {
		return nil, fmt.Errorf("invalid priority %q", req.Priority)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "admin"
	}
	if req.AssignedTo != "" {
		if err := s.requireAgent(ctx, req.AssignedTo); err != nil {
			return nil, err
		}
	}

	t := &Task{
		TaskID:         req.TaskID,
		Title:          req.Title,
		Description:    req.Description,
		AssignedTo:     req.AssignedTo,
		CreatedBy:      req.CreatedBy,
		Status:         StatusPending,
		Priority:       req.Priority,
		ParentTask:     req.ParentTask,
		DependsOnTasks: req.DependsOn,
	}

	err := db.WithTx(ctx, s.store.db, func(tx *sqlx.Tx) error {
		if _, err := s.store.GetTx(ctx, tx, t.TaskID); err == nil {
			return fmt.Errorf("task %s already exists", t.TaskID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		for _, dep := range req.DependsOn {
			if _, err := s.store.GetTx(ctx, tx, dep); err != nil {
				return fmt.Errorf("dependency %s: %w", dep, err)
			}
			// A fresh node cannot close a cycle through existing edges,
			// but a self-dependency can.
			if dep == t.TaskID {
				return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, t.TaskID)
			}
		}

		if t.ParentTask != "" {
			parent, err := s.store.GetTx(ctx, tx, t.ParentTask)
			if err != nil {
				return fmt.Errorf("parent task %s: %w", t.ParentTask, err)
			}
			parent.ChildTasks = appendUnique(parent.ChildTasks, t.TaskID)
			if err := s.store.Update(ctx, tx, parent); err != nil {
				return err
			}
		}

		if err := s.store.Insert(ctx, tx, t); err != nil {
			return err
		}
		return s.actions.LogTx(ctx, tx, t.CreatedBy, audit.ActionTaskCreated, t.TaskID,
			map[string]any{"title": t.Title, "assigned_to": t.AssignedTo})
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TaskCreated, map[string]any{
		"task_id": t.TaskID, "title": t.Title, "created_by": t.CreatedBy,
	})
	s.logger.Info("task created", zap.String("task_id", t.TaskID), zap.String("created_by", t.CreatedBy))
	return t, nil
}

// Assign gives an unassigned task to an agent.
func (s *Service) Assign(ctx context.Context, taskID, agentID, actor string) error {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return err
	}
	err := db.WithTx(ctx, s.store.db, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminalStatus, taskID)
		}
		if !t.Unassigned() && t.AssignedTo != agentID {
			return fmt.Errorf("%w: task %s is already assigned to %s", ErrAlreadyAssigned, taskID, t.AssignedTo)
		}
		t.AssignedTo = agentID
		if err := s.store.Update(ctx, tx, t); err != nil {
			return err
		}
		return s.actions.LogTx(ctx, tx, actor, audit.ActionTaskAssigned, taskID,
			map[string]any{"assigned_to": agentID})
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.TaskAssigned, map[string]any{"task_id": taskID, "assigned_to": agentID})
	return nil
}

// AssignAllTx assigns each named task to the agent inside a caller-owned
// transaction, rejecting any task that is missing or already owned. Used by
// agent creation, which must make the whole batch or none of it.
func (s *Service) AssignAllTx(ctx context.Context, tx *sqlx.Tx, taskIDs []string, agentID string) error {
	for _, taskID := range taskIDs {
		t, err := s.store.GetTx(ctx, tx, taskID)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if !t.Unassigned() {
			return fmt.Errorf("%w: task %s is already assigned to %s", ErrAlreadyAssigned, taskID, t.AssignedTo)
		}
		t.AssignedTo = agentID
		if err := s.store.Update(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// UnassignAgentTx returns every task owned by the agent to the unassigned
// pending pool, inside a caller-owned transaction. Returns the ids touched.
func (s *Service) UnassignAgentTx(ctx context.Context, tx *sqlx.Tx, agentID string) ([]string, error) {
	owned, err := s.store.ListAssignedTo(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	var taskIDs []string
	for _, t := range owned {
		t.AssignedTo = ""
		t.Status = StatusPending
		if err := s.store.Update(ctx, tx, t); err != nil {
			return nil, err
		}
		taskIDs = append(taskIDs, t.TaskID)
	}
	return taskIDs, nil
}

// UpdateStatus transitions a task. Workers may only touch tasks they own;
// the admin (actorIsAdmin) may touch any. Completed tasks reject every
// update.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, newStatus Status, actor string, actorIsAdmin bool) error {
	if !ValidStatus(newStatus) {
		return fmt.Errorf("invalid task status %q", newStatus)
	}
	var previous Status
	err := db.WithTx(ctx, s.store.db, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminalStatus, taskID)
		}
		if !actorIsAdmin && t.AssignedTo != actor {
			return fmt.Errorf("%w: %s belongs to %q", ErrNotOwner, taskID, t.AssignedTo)
		}
		previous = t.Status
		t.Status = newStatus
		if err := s.store.Update(ctx, tx, t); err != nil {
			return err
		}
		return s.actions.LogTx(ctx, tx, actor, audit.ActionTaskStatusUpdated, taskID,
			map[string]any{"from": previous, "to": newStatus})
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.TaskStateChanged, map[string]any{
		"task_id": taskID, "from": string(previous), "to": string(newStatus),
	})
	s.logger.Info("task status updated", zap.String("task_id", taskID),
		zap.String("from", string(previous)), zap.String("to", string(newStatus)))
	return nil
}

// AddNote appends an opaque note to the task.
func (s *Service) AddNote(ctx context.Context, taskID, author, text string) error {
	note, err := json.Marshal(Note{Author: author, Text: text, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode note: %w", err)
	}
	err = db.WithTx(ctx, s.store.db, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		t.Notes = append(t.Notes, json.RawMessage(note))
		return s.store.Update(ctx, tx, t)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.TaskUpdated, map[string]any{"task_id": taskID, "note_by": author})
	return nil
}

// AddDependency inserts a depends_on edge after proving it closes no cycle.
func (s *Service) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, taskID)
	}
	return db.WithTx(ctx, s.store.db, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if _, err := s.store.GetTx(ctx, tx, dependsOn); err != nil {
			return fmt.Errorf("dependency %s: %w", dependsOn, err)
		}
		for _, existing := range t.DependsOnTasks {
			if existing == dependsOn {
				return nil
			}
		}

		all, err := s.store.All(ctx, tx)
		if err != nil {
			return err
		}
		edges := make(map[string][]string, len(all))
		for _, node := range all {
			edges[node.TaskID] = node.DependsOnTasks
		}
		// Adding taskID -> dependsOn cycles iff taskID is reachable from
		// dependsOn over existing edges.
		if reachable(edges, dependsOn, taskID) {
			return fmt.Errorf("%w: %s is reachable from %s", ErrDependencyCycle, taskID, dependsOn)
		}

		t.DependsOnTasks = append(t.DependsOnTasks, dependsOn)
		return s.store.Update(ctx, tx, t)
	})
}

// reachable runs a DFS over depends_on edges from start, looking for target.
func reachable(edges map[string][]string, start, target string) bool {
	visited := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == target {
			return true
		}
		if visited[node] {
			continue
		}
		visited[node] = true
		stack = append(stack, edges[node]...)
	}
	return false
}

// Delete removes a task and detaches every relation that references it.
// Children are orphaned (parent cleared), not deleted.
func (s *Service) Delete(ctx context.Context, taskID, actor string) error {
	err := db.WithTx(ctx, s.store.db, func(tx *sqlx.Tx) error {
		t, err := s.store.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		if t.ParentTask != "" {
			parent, err := s.store.GetTx(ctx, tx, t.ParentTask)
			if err == nil {
				parent.ChildTasks = removeString(parent.ChildTasks, taskID)
				if err := s.store.Update(ctx, tx, parent); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		all, err := s.store.All(ctx, tx)
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.TaskID == taskID {
				continue
			}
			changed := false
			if contains(other.DependsOnTasks, taskID) {
				other.DependsOnTasks = removeString(other.DependsOnTasks, taskID)
				changed = true
			}
			if other.ParentTask == taskID {
				other.ParentTask = ""
				changed = true
			}
			if changed {
				if err := s.store.Update(ctx, tx, other); err != nil {
					return err
				}
			}
		}

		return s.store.Delete(ctx, tx, taskID)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, events.TaskDeleted, map[string]any{"task_id": taskID, "deleted_by": actor})
	s.logger.Info("task deleted", zap.String("task_id", taskID), zap.String("deleted_by", actor))
	return nil
}

// Get fetches one task.
func (s *Service) Get(ctx context.Context, taskID string) (*Task, error) {
	return s.store.Get(ctx, taskID)
}

// List returns tasks matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Task, error) {
	return s.store.List(ctx, f)
}

// Search finds tasks by substring over title, description, and notes.
func (s *Service) Search(ctx context.Context, substring string, limit int) ([]*Task, error) {
	return s.store.Search(ctx, substring, limit)
}

// CountByStatus returns task counts grouped by status.
func (s *Service) CountByStatus(ctx context.Context) (map[Status]int, error) {
	return s.store.CountByStatus(ctx)
}

func (s *Service) requireAgent(ctx context.Context, agentID string) error {
	exists, err := s.agents.AgentExists(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to verify agent %s: %w", agentID, err)
	}
	if !exists {
		return fmt.Errorf("agent %s does not exist", agentID)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "task-service", data)); err != nil {
		s.logger.WithError(err).Warn("failed to publish task event", zap.String("type", eventType))
	}
}

func appendUnique(list []string, value string) []string {
	if contains(list, value) {
		return list
	}
	return append(list, value)
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
