package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"habit-chat/internal/domain"
	"habit-chat/internal/metrics"
	"habit-chat/internal/repository"
)

var ErrSyncNotConfigured = errors.New("sync reconciler not configured")

// RemoteSource es la vista del servidor que se usa para reconciliar.
type RemoteSource interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

type SyncReport struct {
	Conversations    int      `json:"conversations"`
	MessagesInserted int      `json:"messages_inserted"`
	Resent           int      `json:"resent"`
	Errors           []string `json:"errors,omitempty"`
}

type SyncOptions struct {
	SelfUserID  string
	Parallelism int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// SyncReconciler trae el estado del servidor, inserta lo que falta y repara el resumen.
// Tambien es el camino de reenvio de los mensajes que quedaron sin entregar.
type SyncReconciler struct {
	source     RemoteSource
	messages   repository.MessageRepository
	rollup     *RollupEngine
	dispatcher *Dispatcher
	opts       SyncOptions
	logger     *zap.Logger
	group      singleflight.Group
	now        func() time.Time
}

func NewSyncReconciler(source RemoteSource, messages repository.MessageRepository, rollup *RollupEngine, dispatcher *Dispatcher, opts SyncOptions) *SyncReconciler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &SyncReconciler{
		source:     source,
		messages:   messages,
		rollup:     rollup,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     opts.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sync ejecuta una reconciliacion; llamadas concurrentes comparten la misma ejecucion.
func (s *SyncReconciler) Sync(ctx context.Context) (SyncReport, error) {
	if s == nil || s.source == nil || s.messages == nil || s.rollup == nil {
		return SyncReport{}, ErrSyncNotConfigured
	}
	// la ejecucion compartida no depende del primer llamador que abandone la espera
	ch := s.group.DoChan("sync", func() (interface{}, error) {
		return s.syncOnce(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return SyncReport{}, ctx.Err()
	case res := <-ch:
		report, _ := res.Val.(SyncReport)
		return report, res.Err
	}
}

func (s *SyncReconciler) syncOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	remote, err := s.source.ListConversations(ctx)
	if err != nil {
		s.opts.Metrics.ObserveSync(err, 0)
		return report, fmt.Errorf("list remote conversations: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for _, conv := range remote {
		conv := conv
		g.Go(func() error {
			inserted, err := s.syncConversation(gctx, conv)
			mu.Lock()
			defer mu.Unlock()
			report.MessagesInserted += inserted
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", conv.ID, err))
				return nil
			}
			report.Conversations++
			return nil
		})
	}
	_ = g.Wait()

	if s.dispatcher != nil {
		resent, err := s.dispatcher.ResendUnsent(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("resend: %v", err))
		}
		report.Resent = resent
	}

	var runErr error
	if len(report.Errors) > 0 {
		runErr = fmt.Errorf("sync finished with %d errors", len(report.Errors))
	}
	s.opts.Metrics.ObserveSync(runErr, report.MessagesInserted)
	s.logger.Info("sync: reconciliacion terminada",
		zap.Int("conversations", report.Conversations),
		zap.Int("inserted", report.MessagesInserted),
		zap.Int("resent", report.Resent),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (s *SyncReconciler) syncConversation(ctx context.Context, remote domain.Conversation) (int, error) {
	if _, err := s.rollup.MergeRemote(ctx, remote); err != nil {
		return 0, fmt.Errorf("merge conversation: %w", err)
	}
	msgs, err := s.source.ListMessages(ctx, remote.ID)
	if err != nil {
		return 0, fmt.Errorf("list remote messages: %w", err)
	}

	now := s.now()
	inserted, _, err := s.rollup.ReconcileMessages(ctx, remote.ID, func(ctx context.Context) (int, error) {
		inserted := 0
		for _, m := range msgs {
			exists, err := s.messages.Exists(ctx, m.ID)
			if err != nil {
				return inserted, fmt.Errorf("check message %s: %w", m.ID, err)
			}
			if exists {
				continue
			}
			m.ConversationID = remote.ID
			m.IsFromMe = s.opts.SelfUserID != "" && m.SenderID == s.opts.SelfUserID
			m.IsRead = m.IsRead || m.IsFromMe
			m.IsSent = true
			if m.Timestamp.IsZero() {
				m.Timestamp = now
			}
			m.CreatedAt = now
			m.UpdatedAt = now
			ok, err := s.messages.Create(ctx, m)
			if err != nil {
				return inserted, fmt.Errorf("insert message %s: %w", m.ID, err)
			}
			if ok {
				inserted++
			}
		}
		return inserted, nil
	})
	return inserted, err
}

// Run reconcilia al arrancar y luego cada interval hasta que ctx termine.
func (s *SyncReconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.runLogged(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

// WatchConnection reconcilia cada vez que el canal vuelve a estar conectado.
func (s *SyncReconciler) WatchConnection(ctx context.Context, statuses <-chan domain.ConnectionStatus) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			if st.Connected() {
				go s.runLogged(ctx)
			}
		}
	}
}

func (s *SyncReconciler) runLogged(ctx context.Context) {
	if _, err := s.Sync(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("sync: reconciliacion fallida", zap.Error(err))
	}
}
