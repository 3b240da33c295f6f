package models

import "time"

// TaskStatus 抓取任务状态，由外部 worker 推进
type TaskStatus string

const (
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ScrapingTask 抓取任务（scraping_requests 表）
type ScrapingTask struct {
	TaskID        string     `json:"task_id" db:"task_id"`
	UserID        string     `json:"user_id" db:"user_id"`
	Keywords      string     `json:"keywords" db:"keywords"`
	Country       string     `json:"country" db:"country"`
	States        string     `json:"states" db:"states"` // comma separated
	Fields        string     `json:"fields" db:"fields"` // comma separated
	Rating        *string    `json:"rating,omitempty" db:"rating"`
	Status        TaskStatus `json:"status" db:"status"`
	RowCount      int64      `json:"row_count" db:"row_count"`
	ResultURL     *string    `json:"result_url,omitempty" db:"result_url"`
	JSONResultURL *string    `json:"json_result_url,omitempty" db:"json_result_url"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}
