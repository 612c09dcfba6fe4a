package share

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, code *ShareCode) error
	GetByID(ctx context.Context, id uuid.UUID) (*ShareCode, error)
	GetByToken(ctx context.Context, token string) (*ShareCode, error)
	List(ctx context.Context, limit, offset int) ([]*ShareCode, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ShareCode, int, error)
	Revoke(ctx context.Context, id uuid.UUID) error

	// RecordAccess appends an audit entry; when consumeUse is set the
	// code's use counter is incremented in the same transaction.
	RecordAccess(ctx context.Context, entry *AccessLog, consumeUse bool) error
	GetAccessLogs(ctx context.Context, codeID uuid.UUID) ([]*AccessLog, error)
}
