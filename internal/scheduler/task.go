package scheduler

import "time"

// Task is a unit of demand. The scheduler never inspects Input.
type Task struct {
	ID          string
	TokenDemand float64
	Models      []string
	Input       any
	AbortHandle string
	Metadata    map[string]any
}

// TaskRequest describes what a worker can take right now.
type TaskRequest struct {
	TokenCapacity float64
	Models        []string
	Metadata      map[string]any
}

// HandleSnapshot is the read-only view of a pooled task given to sort and
// sweep rules.
type HandleSnapshot struct {
	Task      *Task
	Running   bool
	RetryLeft int
	CreatedAt time.Time
}

// TaskSelector picks the tasks an abort applies to.
type TaskSelector func(*Task) bool

// SelectAbortHandle selects the tasks tagged with handle.
func SelectAbortHandle(handle string) TaskSelector {
	return func(t *Task) bool { return t.AbortHandle == handle }
}

// SelectAll selects every task.
func SelectAll(*Task) bool { return true }

func selectTasks(tasks map[*Task]struct{}) TaskSelector {
	return func(t *Task) bool {
		_, ok := tasks[t]
		return ok
	}
}
