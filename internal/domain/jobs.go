package domain

import (
	"context"
	"time"
)

// ExtractionJob — задача на извлечение памяти из закрытого обсуждения.
type ExtractionJob struct {
	ID             string    `json:"job_id"`
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	RequestedAt    time.Time `json:"requested_at"`
}

// ExtractionQueue описывает очередь задач извлечения памяти.
type ExtractionQueue interface {
	Enqueue(ctx context.Context, job ExtractionJob) error
	Pop(ctx context.Context) (ExtractionJob, error)
}
