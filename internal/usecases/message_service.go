package usecases

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/interfaces"
	"github.com/rkromero/PlataformaChatIA/internal/resilience"
)

// Fixed texts sent to end users.
const (
	HandoffReply    = "Te estoy transfiriendo con un asesor. Un momento por favor."
	LimitReply      = "Nuestro servicio de atención automática alcanzó el límite mensual. Por favor contactanos directamente."
	ImageOnlyPrompt = "El cliente envió esta imagen. Describila y respondé según el contexto de la conversación."
)

const defaultHistoryLimit = 10

var tracer = otel.Tracer("github.com/rkromero/PlataformaChatIA/internal/usecases")

// Outcome is how the pipeline finished with one inbound message.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeHandoff      Outcome = "handoff"
	OutcomeLimitReached Outcome = "limit_reached"
	OutcomeReplied      Outcome = "replied"
	OutcomeFailed       Outcome = "failed"
)

// ConversationTracker drops redelivered messages and serializes background
// work per conversation.
type ConversationTracker interface {
	SeenRecently(key string) bool
	Lock(key string) (unlock func())
}

type MessageServiceDeps struct {
	Resolver      *TenantResolver
	Usage         *UsageMeter
	Knowledge     *KnowledgeRetriever
	Media         *MediaProcessor
	Generator     interfaces.ReplyGenerator
	GenerateRetry resilience.RetryConfig
	Delivery      *Delivery
	Reconciler    *LeadReconciler
	Tasks         interfaces.TaskRunner
	Tracker       ConversationTracker
	HistoryLimit  int
	// HistoryLimits overrides HistoryLimit per provider.
	HistoryLimits map[entities.Provider]int
}

// MessageService runs the inbound pipeline: resolve tenant, handoff,
// quota, grounding, reply, delivery, then lead reconciliation off the
// request path.
type MessageService struct {
	MessageServiceDeps
}

func NewMessageService(deps MessageServiceDeps) *MessageService {
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = defaultHistoryLimit
	}
	return &MessageService{MessageServiceDeps: deps}
}

// Process handles one normalized message. It never returns an error:
// failures after the webhook ack are logged and reported as OutcomeFailed.
func (s *MessageService) Process(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage) Outcome {
	provider := string(m.Provider())
	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("message_id", msg.ExternalMessageID),
	))
	defer span.End()

	outcome := s.process(ctx, m, msg, zap.L().With(
		zap.String("provider", provider),
		zap.String("message_id", msg.ExternalMessageID),
	))
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomeFailed {
		span.SetStatus(codes.Error, "pipeline failed")
	}
	return outcome
}

func (s *MessageService) process(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage, log *zap.Logger) Outcome {
	if msg.IsFromBot || (strings.TrimSpace(msg.Text) == "" && len(msg.Attachments) == 0) {
		return OutcomeSkipped
	}
	if msg.ExternalMessageID != "" && s.Tracker != nil &&
		s.Tracker.SeenRecently(string(m.Provider())+":"+msg.ExternalMessageID) {
		log.Debug("duplicate delivery dropped")
		return OutcomeDuplicate
	}

	tenant, err := s.resolve(ctx, msg.Routing)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			log.Info("no active tenant for routing key",
				zap.Int64("account_id", msg.Routing.AccountID),
				zap.Int64("inbox_id", msg.Routing.InboxID),
				zap.String("session", msg.Routing.Session))
		} else {
			log.Error("tenant lookup failed", zap.Error(err))
		}
		return OutcomeSkipped
	}
	log = log.With(zap.String("tenant_id", tenant.ID))

	settings := tenant.AiSettings
	if settings == nil || !settings.Enabled {
		log.Info("AI disabled for tenant, skipping")
		return OutcomeSkipped
	}

	conversationID := msg.Conversation.ID
	if conversationID == 0 {
		conversationID = entities.SyntheticConversationID(tenant.ID, msg.Conversation.ChatID)
	}
	log = log.With(zap.Int64("conversation_id", conversationID))

	tag := settings.HandoffRules.Tag()
	if msg.HasLabel(tag) {
		log.Info("handoff tag present, skipping")
		return OutcomeSkipped
	}
	if msg.Conversation.AgentAssigned {
		log.Info("agent assigned, skipping")
		return OutcomeSkipped
	}

	if EvaluateHandoff(msg.Text, settings.HandoffRules) == Handoff {
		return s.handoff(ctx, m, msg, tag, log)
	}

	// Media runs before metering: a transcribed voice note may still ask
	// for a handoff, which never consumes quota.
	text, images := msg.Text, []string(nil)
	if s.Media != nil {
		text, images = s.Media.Prepare(ctx, m, msg)
	}
	if text == "" && len(images) == 0 {
		log.Info("no usable content after media processing")
		return OutcomeSkipped
	}
	if text != msg.Text && EvaluateHandoff(text, settings.HandoffRules) == Handoff {
		return s.handoff(ctx, m, msg, tag, log)
	}

	check, err := s.checkUsage(ctx, tenant)
	if err != nil {
		log.Error("usage check failed", zap.Error(err))
		return OutcomeFailed
	}
	if !check.Allowed {
		log.Info("monthly limit reached", zap.Int("current", check.Current), zap.Int("limit", check.Limit))
		if err := s.deliver(ctx, m, msg, LimitReply); err != nil {
			log.Error("limit message not delivered", zap.Error(err))
		}
		return OutcomeLimitReached
	}

	history, grounding := s.gatherContext(ctx, m, msg, tenant.ID, text, log)

	userMessage := text
	if userMessage == "" {
		userMessage = ImageOnlyPrompt
	}
	reply, err := s.generate(ctx, entities.ReplyRequest{
		Model:        settings.Model,
		SystemPrompt: settings.SystemPrompt + grounding,
		UserMessage:  userMessage,
		History:      history,
		Images:       images,
	})
	if err != nil {
		log.Error("reply generation failed", zap.Error(err))
		return OutcomeFailed
	}

	if err := s.deliver(ctx, m, msg, reply); err != nil {
		log.Error("reply not delivered", zap.Error(err))
		return OutcomeFailed
	}

	s.enqueueReconcile(entities.LeadInput{
		TenantID:               tenant.ID,
		ExternalConversationID: conversationID,
		ExternalContactID:      msg.Conversation.ContactID,
		InboxID:                msg.Routing.InboxID,
		Phone:                  msg.Conversation.Phone,
		ContactName:            msg.SenderDisplayName,
		LastMessage:            text,
	}, log)
	return OutcomeReplied
}

// handoff acknowledges the request and tags the conversation. A failed send
// does not skip the tag.
func (s *MessageService) handoff(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage, tag string, log *zap.Logger) Outcome {
	log.Info("handoff requested by user")
	if err := s.deliver(ctx, m, msg, HandoffReply); err != nil {
		log.Error("handoff message not delivered", zap.Error(err))
	}
	if err := m.Tag(ctx, msg, tag); err != nil {
		log.Error("handoff tag not applied", zap.Error(err))
	}
	return OutcomeHandoff
}

func (s *MessageService) resolve(ctx context.Context, key entities.RoutingKey) (*entities.Tenant, error) {
	ctx, span := tracer.Start(ctx, "pipeline.resolve_tenant")
	defer span.End()
	tenant, err := s.Resolver.Resolve(ctx, key)
	if err != nil && !errors.Is(err, ErrTenantNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
	}
	return tenant, err
}

func (s *MessageService) checkUsage(ctx context.Context, tenant *entities.Tenant) (entities.UsageCheck, error) {
	ctx, span := tracer.Start(ctx, "pipeline.usage", trace.WithAttributes(attribute.String("plan", tenant.Plan)))
	defer span.End()
	check, err := s.Usage.CheckAndIncrement(ctx, tenant.ID, tenant.Plan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "usage failed")
		return check, err
	}
	span.SetAttributes(attribute.Bool("allowed", check.Allowed), attribute.Int("current", check.Current))
	return check, nil
}

// gatherContext fetches history and knowledge concurrently. Either may
// fail; the reply is then generated with less context.
func (s *MessageService) gatherContext(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage, tenantID, text string, log *zap.Logger) ([]entities.HistoryMessage, string) {
	var (
		history   []entities.HistoryMessage
		grounding string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := m.History(gctx, msg, s.historyLimit(m.Provider()))
		if err != nil {
			log.Warn("history fetch failed", zap.Error(err))
			return nil
		}
		history = h
		return nil
	})
	if s.Knowledge != nil {
		g.Go(func() error {
			kb, err := s.Knowledge.Context(gctx, tenantID, text)
			if err != nil {
				log.Warn("knowledge fetch failed", zap.Error(err))
				return nil
			}
			grounding = kb
			return nil
		})
	}
	_ = g.Wait()
	return history, grounding
}

func (s *MessageService) historyLimit(p entities.Provider) int {
	if n, ok := s.HistoryLimits[p]; ok && n > 0 {
		return n
	}
	return s.HistoryLimit
}

func (s *MessageService) generate(ctx context.Context, req entities.ReplyRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "pipeline.generate", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.Int("images", len(req.Images)),
	))
	defer span.End()

	cfg := s.GenerateRetry
	cfg.OnRetry = resilience.RetryLogger("openai", "generate")
	reply, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		return s.Generator.GenerateReply(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
	}
	return reply, err
}

func (s *MessageService) deliver(ctx context.Context, m interfaces.Messenger, msg entities.InboundMessage, text string) error {
	ctx, span := tracer.Start(ctx, "pipeline.deliver")
	defer span.End()
	err := s.Delivery.Send(ctx, m, msg, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	return err
}

// enqueueReconcile hands lead reconciliation to the worker pool. Jobs for
// the same conversation run one at a time.
func (s *MessageService) enqueueReconcile(in entities.LeadInput, log *zap.Logger) {
	if s.Reconciler == nil || s.Tasks == nil {
		return
	}
	key := in.TenantID + ":" + strconv.FormatInt(in.ExternalConversationID, 10)

	accepted := s.Tasks.Submit("reconcile-lead", func(ctx context.Context) error {
		ctx, span := tracer.Start(ctx, "pipeline.reconcile", trace.WithAttributes(attribute.String("tenant_id", in.TenantID)))
		defer span.End()

		if s.Tracker != nil {
			unlock := s.Tracker.Lock(key)
			defer unlock()
		}
		if _, err := s.Reconciler.Reconcile(ctx, in); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconcile failed")
			return err
		}
		return nil
	})
	if !accepted {
		log.Warn("lead reconciliation dropped, worker queue full")
	}
}
