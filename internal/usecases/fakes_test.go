package usecases

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
	"github.com/rkromero/PlataformaChatIA/internal/repository"
	"github.com/rkromero/PlataformaChatIA/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastRetry() resilience.RetryConfig {
	cfg := resilience.DeliveryRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

type fakeMessenger struct {
	mu         sync.Mutex
	provider   entities.Provider
	sent       []string
	tags       []string
	sendFails  int // number of initial sends that fail
	sendCalls  int
	tagErr     error
	history    []entities.HistoryMessage
	historyErr error
	media      map[string][]byte
	mediaMime  string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{provider: entities.ProviderChatwoot}
}

func (f *fakeMessenger) Provider() entities.Provider { return f.provider }

func (f *fakeMessenger) Send(_ context.Context, _ entities.InboundMessage, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendCalls <= f.sendFails {
		return errors.New("provider unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeMessenger) Tag(_ context.Context, _ entities.InboundMessage, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tagErr != nil {
		return f.tagErr
	}
	f.tags = append(f.tags, label)
	return nil
}

func (f *fakeMessenger) History(context.Context, entities.InboundMessage, int) ([]entities.HistoryMessage, error) {
	return f.history, f.historyErr
}

func (f *fakeMessenger) DownloadMedia(_ context.Context, att entities.Attachment) ([]byte, string, error) {
	data, ok := f.media[att.URL]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return data, f.mediaMime, nil
}

func (f *fakeMessenger) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeTenantStore struct {
	byInbox   map[int64]*entities.Tenant
	byAccount map[int64]*entities.Tenant
	bySession map[string]*entities.Tenant
	err       error
}

func (f *fakeTenantStore) FindByInbox(_ context.Context, id int64) (*entities.Tenant, error) {
	if f.err != nil {
		return nil, f.err
	}
	if t, ok := f.byInbox[id]; ok {
		return t, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeTenantStore) FindByAccount(_ context.Context, id int64) (*entities.Tenant, error) {
	if t, ok := f.byAccount[id]; ok {
		return t, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeTenantStore) FindBySession(_ context.Context, ct entities.ChannelType, session string) (*entities.Tenant, error) {
	if t, ok := f.bySession[string(ct)+"/"+session]; ok {
		return t, nil
	}
	return nil, repository.ErrNotFound
}

// memUsageStore mirrors the conditional upsert of the SQL store.
type memUsageStore struct {
	mu       sync.Mutex
	counts   map[string]int
	daily    map[string]int
	claims   map[string]bool
	released int
	err      error
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{counts: map[string]int{}, daily: map[string]int{}, claims: map[string]bool{}}
}

func (s *memUsageStore) IncrementIfBelow(_ context.Context, tenantID, period string, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, false, s.err
	}
	k := tenantID + "|" + period
	if s.counts[k] < limit {
		s.counts[k]++
		return s.counts[k], true, nil
	}
	return s.counts[k], false, nil
}

func (s *memUsageStore) RecordDaily(_ context.Context, tenantID, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[tenantID+"|"+day]++
	return nil
}

func (s *memUsageStore) ClaimThreshold(_ context.Context, tenantID, period string, threshold int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantID + "|" + period + "|" + strconv.Itoa(threshold)
	if s.claims[k] {
		return false, nil
	}
	s.claims[k] = true
	return true, nil
}

func (s *memUsageStore) ReleaseThreshold(_ context.Context, tenantID, period string, threshold int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, tenantID+"|"+period+"|"+strconv.Itoa(threshold))
	s.released++
	return nil
}

func (s *memUsageStore) count(tenantID, period string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[tenantID+"|"+period]
}

type fakeNotifier struct {
	mu       sync.Mutex
	percents []int
	err      error
}

func (n *fakeNotifier) NotifyUsage(_ context.Context, _ string, percent int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.percents = append(n.percents, percent)
	return nil
}

// inlineTasks runs jobs synchronously so tests can assert their effects.
type inlineTasks struct {
	mu     sync.Mutex
	names  []string
	errs   []error
	reject bool
}

func (r *inlineTasks) Submit(name string, fn func(ctx context.Context) error) bool {
	if r.reject {
		return false
	}
	err := fn(context.Background())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.errs = append(r.errs, err)
	return true
}

type fakeGenerator struct {
	mu       sync.Mutex
	reply    string
	errs     []error
	requests []entities.ReplyRequest
}

func (g *fakeGenerator) GenerateReply(_ context.Context, req entities.ReplyRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		return "", err
	}
	return g.reply, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

type fakeCRM struct {
	mu    sync.Mutex
	leads []entities.CRMLead
	ids   []string
	err   error
}

func (c *fakeCRM) CreateLead(_ context.Context, lead entities.CRMLead) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.leads = append(c.leads, lead)
	id := "lead-" + strconv.Itoa(len(c.leads))
	c.ids = append(c.ids, id)
	return id, nil
}

// memLinkStore mirrors the conversation_links constraints in memory.
type memLinkStore struct {
	mu    sync.Mutex
	links []*entities.ConversationLink
	seq   int
}

func (s *memLinkStore) add(l entities.ConversationLink) *entities.ConversationLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if l.ID == "" {
		l.ID = "link-" + strconv.Itoa(s.seq)
	}
	s.links = append(s.links, &l)
	return &l
}

func (s *memLinkStore) all() []entities.ConversationLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.ConversationLink, len(s.links))
	for i, l := range s.links {
		out[i] = *l
	}
	return out
}

func (s *memLinkStore) FindByConversation(_ context.Context, tenantID string, conv int64) (*entities.ConversationLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.TenantID == tenantID && l.ExternalConversationID == conv {
			c := *l
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memLinkStore) FindManualByPhone(_ context.Context, tenantID, phone string) (*entities.ConversationLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *entities.ConversationLink
	for _, l := range s.links {
		if l.TenantID != tenantID || l.ExternalConversationID > 0 || !samePhone(l.Phone, phone) {
			continue
		}
		if found == nil || (found.CRMLeadID == nil && l.CRMLeadID != nil) {
			found = l
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	c := *found
	return &c, nil
}

func (s *memLinkStore) HasLeadForPhone(_ context.Context, tenantID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leadHolder(tenantID, phone, "") != nil, nil
}

func (s *memLinkStore) leadHolder(tenantID, phone, exceptID string) *entities.ConversationLink {
	for _, l := range s.links {
		if l.ID != exceptID && l.TenantID == tenantID && l.CRMLeadID != nil && samePhone(l.Phone, phone) {
			return l
		}
	}
	return nil
}

func (s *memLinkStore) byID(id string) *entities.ConversationLink {
	for _, l := range s.links {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (s *memLinkStore) Patch(_ context.Context, id string, p repository.LinkPatch) (*entities.ConversationLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.byID(id)
	if l == nil {
		return nil, repository.ErrNotFound
	}
	next := *l
	next.ExternalContactID = coalesce(next.ExternalContactID, p.ExternalContactID)
	next.Phone = coalesce(next.Phone, p.Phone)
	next.ContactName = coalesce(next.ContactName, p.ContactName)
	next.LastMessage = coalesce(p.LastMessage, next.LastMessage)
	next.CRMLeadID = coalesce(next.CRMLeadID, p.CRMLeadID)
	if next.CRMLeadID != nil && next.Phone != nil && s.leadHolder(next.TenantID, *next.Phone, id) != nil {
		return nil, repository.ErrPhoneLeadTaken
	}
	*l = next
	c := next
	return &c, nil
}

func (s *memLinkStore) Merge(_ context.Context, id string, m repository.LinkMerge) (*entities.ConversationLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.byID(id)
	if l == nil || l.ExternalConversationID > 0 {
		return nil, repository.ErrNotFound
	}
	next := *l
	next.ExternalConversationID = m.ExternalConversationID
	next.ExternalContactID = coalesce(m.ExternalContactID, next.ExternalContactID)
	next.ContactName = coalesce(next.ContactName, m.ContactName)
	next.LastMessage = coalesce(m.LastMessage, next.LastMessage)
	next.CRMLeadID = coalesce(next.CRMLeadID, m.CRMLeadID)
	if next.CRMLeadID != nil && next.Phone != nil && s.leadHolder(next.TenantID, *next.Phone, id) != nil {
		return nil, repository.ErrPhoneLeadTaken
	}
	*l = next
	c := next
	return &c, nil
}

func (s *memLinkStore) Create(_ context.Context, link entities.ConversationLink) (*entities.ConversationLink, error) {
	s.mu.Lock()
	for _, l := range s.links {
		if l.TenantID == link.TenantID && link.ExternalConversationID != 0 && l.ExternalConversationID == link.ExternalConversationID {
			l.LastMessage = link.LastMessage
			c := *l
			s.mu.Unlock()
			return &c, nil
		}
	}
	if link.CRMLeadID != nil && link.Phone != nil && s.leadHolder(link.TenantID, *link.Phone, "") != nil {
		s.mu.Unlock()
		return nil, repository.ErrPhoneLeadTaken
	}
	s.mu.Unlock()
	return s.add(link), nil
}

func samePhone(stored *string, phone string) bool {
	if stored == nil {
		return false
	}
	d := entities.PhoneDigits(*stored)
	return d != "" && d == entities.PhoneDigits(phone)
}

func coalesce[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}

type fakeTracker struct {
	mu    sync.Mutex
	seen  map[string]bool
	locks []string
}

func (f *fakeTracker) SeenRecently(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return true
	}
	f.seen[key] = true
	return false
}

func (f *fakeTracker) Lock(key string) func() {
	f.mu.Lock()
	f.locks = append(f.locks, key)
	f.mu.Unlock()
	return func() {}
}

func strPtr(s string) *string { return &s }
