package models

import "time"

// Kind is the notification category reported by the backend
type Kind string

const (
	KindTaskAssigned  Kind = "task_assigned"  // a task was assigned to the recipient
	KindTaskReview    Kind = "task_review"    // a task is waiting for the recipient's review
	KindMessage       Kind = "message"        // direct or project chat message
	KindTaskCompleted Kind = "task_completed" // a task of the recipient was approved
)

// Notification is a single notification record for the session user.
// Everything except IsRead is immutable once created.
type Notification struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"type"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	RecipientID string    `json:"userId"`
	ProjectID   string    `json:"projectId,omitempty"`
	TaskID      string    `json:"taskId,omitempty"`
	SenderID    string    `json:"senderId,omitempty"`
	SenderName  string    `json:"senderName,omitempty"`
	IsRead      bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Counts is the unread aggregate derived from a notification list
type Counts struct {
	Total         int `json:"total"`
	TaskAssigned  int `json:"taskAssigned"`
	TaskReview    int `json:"taskReview"`
	Messages      int `json:"messages"`
	TaskCompleted int `json:"taskCompleted"`
}

// CountUnread derives Counts from list. It is recomputed on every call;
// nothing is cached.
func CountUnread(list []Notification) Counts {
	var c Counts
	for _, n := range list {
		if n.IsRead {
			continue
		}
		c.Total++
		switch n.Kind {
		case KindTaskAssigned:
			c.TaskAssigned++
		case KindTaskReview:
			c.TaskReview++
		case KindMessage:
			c.Messages++
		case KindTaskCompleted:
			c.TaskCompleted++
		}
	}
	return c
}
