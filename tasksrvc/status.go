package tasksrvc

import (
	"context"

	"github.com/evalgrid/backend/subtask"
)

// TaskStatus is the operator-facing progress summary of one task.
type TaskStatus struct {
	TaskID    string `json:"task_id"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Resolved  int    `json:"dependencies_resolved"`
}

func (s *TaskSrvc) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	rows, err := s.rows.List(ctx, subtask.RowFilter{TaskID: &taskID})
	if err != nil {
		return TaskStatus{}, err
	}
	if len(rows) == 0 {
		return TaskStatus{}, ErrTaskNotFound(taskID)
	}

	status := TaskStatus{TaskID: taskID, Total: len(rows)}
	for _, row := range rows {
		switch row.Status {
		case subtask.StatusPending:
			status.Pending++
		case subtask.StatusRunning:
			status.Running++
		case subtask.StatusCompleted:
			status.Completed++
		case subtask.StatusFailed:
			status.Failed++
		}
		if row.DependenciesResolved {
			status.Resolved++
		}
	}
	return status, nil
}
