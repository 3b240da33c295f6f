package tasks

import (
	"context"
	"errors"
	"fmt"

	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/models"
)

// ErrTaskNotFound 任务不存在或不属于该用户
var ErrTaskNotFound = errors.New("tasks: task not found")

// TaskReader 任务查询
type TaskReader interface {
	GetTask(ctx context.Context, userID, taskID string) (*models.ScrapingTask, error)
	ListTasks(ctx context.Context, userID string) ([]models.ScrapingTask, error)
}

// Service 任务列表/详情
type Service struct {
	reader TaskReader
}

// NewService 创建服务
func NewService(reader TaskReader) *Service {
	return &Service{reader: reader}
}

// List 最新的在前
func (s *Service) List(ctx context.Context, userID string) ([]models.ScrapingTask, error) {
	tasks, err := s.reader.ListTasks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []models.ScrapingTask{}
	}
	return tasks, nil
}

func (s *Service) Get(ctx context.Context, userID, taskID string) (*models.ScrapingTask, error) {
	task, err := s.reader.GetTask(ctx, userID, taskID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}
