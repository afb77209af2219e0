package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentmux/agentmux/internal/capability"
	"github.com/agentmux/agentmux/internal/task"
)

// registerTaskTools registers the task graph tools.
func (ts *toolset) registerTaskTools(add addFunc) {
	add(capability.TaskManagement, mcp.NewTool("create_self_task",
		mcp.WithDescription("Create a task; workers create tasks assigned to themselves, admin may assign anyone"),
		withToken(),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithString("priority", mcp.Description("low, medium, or high; default medium")),
		mcp.WithString("parent_task", mcp.Description("Parent task id for subtasks")),
		mcp.WithArray("depends_on", mcp.Description("Prerequisite task ids"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("assigned_to", mcp.Description("Assignee; admin only, workers are always self-assigned")),
	), ts.handleCreateTask)

	add(capability.TaskManagement, mcp.NewTool("assign_task",
		mcp.WithDescription("Assign an unowned task to an agent"),
		withToken(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to assign")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Assignee agent")),
	), ts.handleAssignTask)

	add(capability.TaskManagement, mcp.NewTool("view_tasks",
		mcp.WithDescription("List tasks with optional filters"),
		withToken(),
		mcp.WithString("status", mcp.Description("Filter by status")),
		mcp.WithString("assigned_to", mcp.Description("Filter by assignee")),
		mcp.WithBoolean("unassigned_only", mcp.Description("Only tasks with no owner")),
		mcp.WithNumber("limit", mcp.Description("Maximum tasks returned")),
	), ts.handleViewTasks)

	add(capability.TaskManagement, mcp.NewTool("update_task_status",
		mcp.WithDescription("Move a task to a new status; completed tasks are immutable"),
		withToken(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to update")),
		mcp.WithString("status", mcp.Required(), mcp.Description("pending, in_progress, completed, cancelled, or failed")),
		mcp.WithString("note", mcp.Description("Optional note appended with the transition")),
	), ts.handleUpdateTaskStatus)

	add(capability.TaskManagement, mcp.NewTool("add_task_note",
		mcp.WithDescription("Append a note to a task"),
		withToken(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to annotate")),
		mcp.WithString("note", mcp.Required(), mcp.Description("Note text")),
	), ts.handleAddTaskNote)

	add(capability.TaskManagement, mcp.NewTool("add_task_dependency",
		mcp.WithDescription("Add a prerequisite edge between tasks; cycles are rejected"),
		withToken(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Dependent task")),
		mcp.WithString("depends_on", mcp.Required(), mcp.Description("Prerequisite task")),
	), ts.handleAddTaskDependency)

	add(capability.TaskManagement, mcp.NewTool("search_tasks",
		mcp.WithDescription("Case-insensitive substring search over task titles, descriptions, and notes"),
		withToken(),
		mcp.WithString("query", mcp.Required(), mcp.Description("Substring to search for")),
		mcp.WithNumber("limit", mcp.Description("Maximum results; default 20")),
	), ts.handleSearchTasks)

	add(capability.TaskManagement, mcp.NewTool("delete_task",
		mcp.WithDescription("Delete a task, detaching its parent, children, and dependents"),
		withToken(),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to delete")),
	), ts.handleDeleteTask)
}

func (ts *toolset) handleCreateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	assignee := agentID
	if isAdmin {
		assignee = req.GetString("assigned_to", "")
	}
	priority := task.Priority(req.GetString("priority", string(task.PriorityMedium)))
	if !task.ValidPriority(priority) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid priority %q", priority)), nil
	}

	created, err := ts.deps.Tasks.Create(ctx, task.CreateRequest{
		Title:       title,
		Description: req.GetString("description", ""),
		CreatedBy:   actorName(agentID, isAdmin),
		AssignedTo:  assignee,
		Priority:    priority,
		ParentTask:  req.GetString("parent_task", ""),
		DependsOn:   stringList(req, "depends_on"),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Task %s created: %s\n%s",
		created.TaskID, created.Title, jsonBlock(created))), nil
}

func (ts *toolset) handleAssignTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ts.deps.Tasks.Assign(ctx, taskID, agentID, "admin"); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to assign task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Task %s assigned to %s", taskID, agentID)), nil
}

func (ts *toolset) handleViewTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, _, errResult := ts.caller(ctx, req); errResult != nil {
		return errResult, nil
	}
	tasks, err := ts.deps.Tasks.List(ctx, task.ListFilter{
		Status:         task.Status(req.GetString("status", "")),
		AssignedTo:     req.GetString("assigned_to", ""),
		UnassignedOnly: req.GetBool("unassigned_only", false),
		Limit:          req.GetInt("limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found."), nil
	}
	return mcp.NewToolResultText(renderTasks(tasks)), nil
}

func renderTasks(tasks []*task.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Tasks (%d)\n\n", len(tasks))
	for _, t := range tasks {
		glyph := "📋"
		switch t.Status {
		case task.StatusInProgress:
			glyph = "🔧"
		case task.StatusCompleted:
			glyph = "✅"
		case task.StatusFailed, task.StatusCancelled:
			glyph = "❌"
		}
		fmt.Fprintf(&sb, "%s **%s** [%s/%s] %s", glyph, t.TaskID, t.Status, t.Priority, t.Title)
		if t.AssignedTo != "" {
			fmt.Fprintf(&sb, " → %s", t.AssignedTo)
		}
		if t.ParentTask != "" {
			fmt.Fprintf(&sb, " (parent: %s)", t.ParentTask)
		}
		if len(t.DependsOnTasks) > 0 {
			fmt.Fprintf(&sb, " deps: %s", strings.Join(t.DependsOnTasks, ","))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (ts *toolset) handleUpdateTaskStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	statusArg, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	newStatus := task.Status(statusArg)
	if !task.ValidStatus(newStatus) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", statusArg)), nil
	}

	actor := actorName(agentID, isAdmin)
	if err := ts.deps.Tasks.UpdateStatus(ctx, taskID, newStatus, actor, isAdmin); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", err)), nil
	}
	if note := req.GetString("note", ""); note != "" {
		if err := ts.deps.Tasks.AddNote(ctx, taskID, actor, note); err != nil {
			return mcp.NewToolResultText(fmt.Sprintf("✅ Task %s is now %s\n⚠️ note not recorded: %v", taskID, newStatus, err)), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Task %s is now %s", taskID, newStatus)), nil
}

func (ts *toolset) handleAddTaskNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, isAdmin, errResult := ts.caller(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := req.RequireString("note")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ts.deps.Tasks.AddNote(ctx, taskID, actorName(agentID, isAdmin), note); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add note: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Note added to %s", taskID)), nil
}

func (ts *toolset) handleAddTaskDependency(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, _, errResult := ts.caller(ctx, req); errResult != nil {
		return errResult, nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dependsOn, err := req.RequireString("depends_on")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ts.deps.Tasks.AddDependency(ctx, taskID, dependsOn); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add dependency: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ %s now depends on %s", taskID, dependsOn)), nil
}

func (ts *toolset) handleSearchTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, _, errResult := ts.caller(ctx, req); errResult != nil {
		return errResult, nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tasks, err := ts.deps.Tasks.Search(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No tasks match %q.", query)), nil
	}
	return mcp.NewToolResultText(renderTasks(tasks)), nil
}

func (ts *toolset) handleDeleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if errResult := ts.requireAdmin(ctx, req); errResult != nil {
		return errResult, nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := ts.deps.Tasks.Delete(ctx, taskID, "admin"); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("✅ Task %s deleted", taskID)), nil
}
