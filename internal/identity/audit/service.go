package audit

import (
	"context"
	"sync"
	"time"

	"github.com/gatehouse/gatehouse/internal/identity/domain"
	"github.com/gatehouse/gatehouse/internal/identity/repository"
	"github.com/gatehouse/gatehouse/pkg/logger"
	"github.com/gatehouse/gatehouse/pkg/messaging"
)

// writeTimeout bounds the background insert so a stuck store cannot pin
// the drain goroutine forever.
const writeTimeout = 5 * time.Second

// defaultBufferSize backs the journal when no size is configured.
const defaultBufferSize = 256

// Publisher is the slice of messaging.Publisher the journal needs.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// Service is the security journal. Records are buffered and written off
// the request path; when the buffer is full the write happens
// synchronously instead of being dropped.
type Service struct {
	repo      *repository.AuditRepository
	publisher Publisher
	log       *logger.Logger
	enabled   bool

	buf  chan *domain.AuditEvent
	done chan struct{}
	wg   sync.WaitGroup
}

// New starts the journal's drain goroutine. A nil publisher disables the
// AMQP fan-out; disabled journals drop everything. bufferSize <= 0 falls
// back to the default.
func New(repo *repository.AuditRepository, publisher Publisher, enabled bool, bufferSize int, log *logger.Logger) *Service {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	s := &Service{
		repo:      repo,
		publisher: publisher,
		log:       log.WithComponent("audit"),
		enabled:   enabled,
		buf:       make(chan *domain.AuditEvent, bufferSize),
		done:      make(chan struct{}),
	}
	if enabled {
		s.wg.Add(1)
		go s.drain()
	}
	return s
}

// Record appends one journal event. It never blocks the caller on the
// happy path; a full buffer degrades to a synchronous insert rather than
// losing the record.
func (s *Service) Record(ctx context.Context, event *domain.AuditEvent) {
	if !s.enabled {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	select {
	case s.buf <- event:
	default:
		s.write(context.WithoutCancel(ctx), event)
	}
}

// Login/access helpers keep call sites one line.

// Auth records an authentication transition for the actor.
func (s *Service) Auth(ctx context.Context, action string, actorID, sessionID *string, ip, userAgent *string, success bool, detail string) {
	var errMsg *string
	if !success && detail != "" {
		errMsg = &detail
	}
	s.Record(ctx, &domain.AuditEvent{
		ActorID:      actorID,
		SessionID:    sessionID,
		Action:       action,
		ResourceType: "auth",
		IPAddress:    ip,
		UserAgent:    userAgent,
		Success:      success,
		Details:      detail,
		ErrorMessage: errMsg,
	})
}

// Decision records an authorization-gate verdict.
func (s *Service) Decision(ctx context.Context, actorID *string, actionRes string, allowed bool, policyCode string, ip *string) {
	s.Record(ctx, &domain.AuditEvent{
		ActorID:      actorID,
		Action:       domain.AuditAccessDecision,
		ResourceType: "authorization",
		ResourceID:   &actionRes,
		Success:      allowed,
		Details:      policyCode,
		IPAddress:    ip,
	})
}

// Close flushes buffered events and stops the drain goroutine.
func (s *Service) Close() {
	if !s.enabled {
		return
	}
	close(s.done)
	s.wg.Wait()
}

func (s *Service) drain() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.buf:
			s.write(context.Background(), event)
		case <-s.done:
			for {
				select {
				case event := <-s.buf:
					s.write(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(ctx context.Context, event *domain.AuditEvent) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := s.repo.Insert(ctx, event); err != nil {
		s.log.WithError(err).Error().
			Str("action", event.Action).
			Msg("audit insert failed")
		return
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, messaging.EventAuditRecorded, event); err != nil {
			s.log.WithError(err).Warn().
				Str("action", event.Action).
				Msg("audit fan-out failed")
		}
	}
}
