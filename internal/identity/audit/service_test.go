package audit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/internal/identity/repository"
	"github.com/gatehouse/gatehouse/pkg/database"
	"github.com/gatehouse/gatehouse/pkg/logger"
	"github.com/gatehouse/gatehouse/pkg/messaging"
	"github.com/gatehouse/gatehouse/pkg/testutil"
)

func TestRecordWritesAndFansOut(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	repo := repository.NewAuditRepository(database.WrapExisting(mockDB.DB, logger.Nop()))
	events := testutil.NewMockPublisher()

	mockDB.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := New(repo, events, true, 8, logger.Nop())
	svc.Record(context.Background(), &domain.AuditEvent{
		Action:       domain.AuditLoginSuccess,
		ResourceType: "auth",
		Success:      true,
	})
	svc.Record(context.Background(), &domain.AuditEvent{
		Action:       domain.AuditLogout,
		ResourceType: "auth",
		Success:      true,
	})
	// Close flushes the buffer before returning.
	svc.Close()

	mockDB.ExpectationsWereMet(t)
	events.AssertEventPublished(t, messaging.EventAuditRecorded)
	assert.Len(t, events.PublishedEvents, 2)
}

func TestDisabledJournalDropsEverything(t *testing.T) {
	events := testutil.NewMockPublisher()
	svc := New(nil, events, false, 0, logger.Nop())
	svc.Record(context.Background(), &domain.AuditEvent{Action: domain.AuditLoginFail})
	svc.Close()
	events.AssertNoEventsPublished(t)
}
