package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/rag"
)

const (
	promoteThreshold   = 0.7
	semanticThreshold  = 0.8
	feedbackImportance = 0.8
	summaryDays        = 7
	summaryEntries     = 5
	summaryPreview     = 100
	noRecentMemory     = "No hay memoria reciente significativa."
)

// SemanticIndex is the vector-backed semantic tier.
type SemanticIndex interface {
	Add(ctx context.Context, entry *models.MemoryEntry) error
	Search(ctx context.Context, query string, k int) ([]rag.MemoryHit, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Persister stores the long-term tier and feedback across restarts.
type Persister interface {
	SaveLongTerm(ctx context.Context, entries []*models.MemoryEntry) error
	LoadLongTerm(ctx context.Context) ([]*models.MemoryEntry, error)
	SaveFeedback(ctx context.Context, rec *models.FeedbackRecord) error
}

// Interaction is one answered request.
type Interaction struct {
	Request  string
	Response string
	Analysis *models.Analysis
	Context  map[string]any
}

// Feedback is user feedback about an answer or the service.
type Feedback struct {
	SessionID string
	Content   string
	Type      string
	Data      map[string]any
}

// Stats summarises tier sizes.
type Stats struct {
	TotalEntries      int     `json:"total_entries"`
	ShortTermEntries  int     `json:"short_term_entries"`
	LongTermEntries   int     `json:"long_term_entries"`
	EpisodicEntries   int     `json:"episodic_entries"`
	SemanticEntries   int     `json:"semantic_entries"`
	AverageImportance float64 `json:"average_importance"`
	HitRate           float64 `json:"hit_rate"`
}

// Manager is the four-tier memory store.
type Manager struct {
	mu        sync.Mutex
	shortTerm *ringBuffer
	longTerm  map[string]*models.MemoryEntry
	episodic  map[string]*models.MemoryEntry
	semantic  map[string]*models.MemoryEntry

	// userLimits caps short-term entries per user type.
	userLimits map[string]int

	cfg       config.MemoryConfig
	index     SemanticIndex
	persister Persister
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates a memory manager; index and persister may be nil.
func NewManager(cfg config.MemoryConfig, index SemanticIndex, persister Persister, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RelevanceThreshold == 0 {
		cfg.RelevanceThreshold = 0.3
	}
	if cfg.RecencyWindow == 0 {
		cfg.RecencyWindow = 30 * 24 * time.Hour
	}
	return &Manager{
		shortTerm: newRingBuffer(cfg.MaxShortTerm),
		longTerm:  make(map[string]*models.MemoryEntry),
		episodic:  make(map[string]*models.MemoryEntry),
		semantic:  make(map[string]*models.MemoryEntry),
		cfg:       cfg,
		index:     index,
		persister: persister,
		logger:    logger.Named("memory"),
		now:       time.Now,
	}
}

// CalculateImportance scores an interaction in [0, 1].
func CalculateImportance(in Interaction) float64 {
	importance := 0.5
	if len([]rune(in.Response)) > 200 {
		importance += 0.2
	}
	if in.Analysis != nil {
		if in.Analysis.Complexity == models.ComplexityComplex {
			importance += 0.3
		}
		toolBonus := 0.1 * float64(len(in.Analysis.ToolsNeeded))
		if toolBonus > 0.2 {
			toolBonus = 0.2
		}
		importance += toolBonus
	}
	if importance > 1 {
		importance = 1
	}
	return importance
}

// ExtractTags derives intent, tool and audience tags.
func ExtractTags(in Interaction) []string {
	var tags []string
	if in.Analysis != nil {
		if in.Analysis.Intent != "" {
			tags = append(tags, "intent:"+in.Analysis.Intent)
		}
		for _, t := range in.Analysis.ToolsNeeded {
			tags = append(tags, "tool:"+t)
		}
	}
	if ut, ok := in.Context["user_type"].(string); ok && ut != "" {
		tags = append(tags, "user:"+ut)
	}
	return tags
}

// StoreInteraction records the request in short-term memory and promotes it
// when important enough.
func (m *Manager) StoreInteraction(ctx context.Context, in Interaction) *models.MemoryEntry {
	now := m.now()
	entry := &models.MemoryEntry{
		ID:         ulid.Make().String(),
		Timestamp:  now,
		Content:    in.Request,
		MemoryType: models.MemoryShortTerm,
		Importance: CalculateImportance(in),
		Tags:       ExtractTags(in),
		Context:    in.Context,
	}

	m.mu.Lock()
	m.shortTerm.Push(entry)
	m.enforceUserLimit(entry)
	addSemantic := false
	if entry.Importance > promoteThreshold {
		entry.MemoryType = models.MemoryLongTerm
		m.longTerm[entry.ID] = entry
		m.enforceLongTermCap()
		if entry.Importance > semanticThreshold && m.index != nil {
			m.semantic[entry.ID] = entry
			addSemantic = true
		}
	}
	snapshot := entry.Clone()
	m.mu.Unlock()

	if addSemantic {
		if err := m.index.Add(ctx, snapshot); err != nil {
			m.logger.Warn("failed to add entry to semantic memory", zap.String("id", entry.ID), zap.Error(err))
		}
	}

	m.logger.Debug("interaction stored",
		zap.String("id", entry.ID),
		zap.Float64("importance", entry.Importance),
		zap.String("tier", string(snapshot.MemoryType)))
	return snapshot
}

// SetUserLimits caps how many short-term entries each user type may hold.
// Types without a limit only share the tier's overall capacity.
func (m *Manager) SetUserLimits(limits map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userLimits = make(map[string]int, len(limits))
	for k, v := range limits {
		m.userLimits[k] = v
	}
}

func userTypeOf(e *models.MemoryEntry) string {
	ut, _ := e.Context["user_type"].(string)
	return ut
}

// enforceUserLimit drops the oldest short-term entries of entry's user type
// beyond its limit. Caller holds mu.
func (m *Manager) enforceUserLimit(entry *models.MemoryEntry) {
	userType := userTypeOf(entry)
	limit := m.userLimits[userType]
	if limit <= 0 {
		return
	}

	var own []*models.MemoryEntry
	for _, e := range m.shortTerm.Items() {
		if userTypeOf(e) == userType {
			own = append(own, e)
		}
	}
	if len(own) <= limit {
		return
	}
	drop := make(map[string]bool, len(own)-limit)
	for _, e := range own[:len(own)-limit] {
		drop[e.ID] = true
	}
	m.shortTerm.RemoveFunc(func(e *models.MemoryEntry) bool { return drop[e.ID] })
}

// enforceLongTermCap drops the oldest long-term entries beyond the cap. Caller holds mu.
func (m *Manager) enforceLongTermCap() {
	if m.cfg.MaxLongTerm <= 0 || len(m.longTerm) <= m.cfg.MaxLongTerm {
		return
	}
	entries := make([]*models.MemoryEntry, 0, len(m.longTerm))
	for _, e := range m.longTerm {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	for _, e := range entries[:len(entries)-m.cfg.MaxLongTerm] {
		delete(m.longTerm, e.ID)
	}
}

// StoreFeedback records feedback in episodic memory and persists it when possible.
func (m *Manager) StoreFeedback(ctx context.Context, fb Feedback) *models.MemoryEntry {
	fbType := fb.Type
	if fbType == "" {
		fbType = "general"
	}

	fbContext := make(map[string]any, len(fb.Data)+2)
	for k, v := range fb.Data {
		fbContext[k] = v
	}
	fbContext["type"] = fbType
	fbContext["content"] = fb.Content

	entry := &models.MemoryEntry{
		ID:         ulid.Make().String(),
		Timestamp:  m.now(),
		Content:    fb.Content,
		MemoryType: models.MemoryEpisodic,
		Importance: feedbackImportance,
		Tags:       []string{"feedback", fbType},
		Context:    fbContext,
	}

	m.mu.Lock()
	m.episodic[entry.ID] = entry
	snapshot := entry.Clone()
	m.mu.Unlock()

	if m.persister != nil {
		data, _ := json.Marshal(fbContext)
		rec := &models.FeedbackRecord{
			ID:        entry.ID,
			SessionID: fb.SessionID,
			Type:      fbType,
			Content:   fb.Content,
			Data:      string(data),
			CreatedAt: entry.Timestamp,
		}
		if err := m.persister.SaveFeedback(ctx, rec); err != nil {
			m.logger.Warn("failed to persist feedback", zap.String("id", entry.ID), zap.Error(err))
		}
	}

	m.logger.Info("feedback stored", zap.String("id", entry.ID), zap.String("type", fbType))
	return snapshot
}

func includes(tier, want models.MemoryType) bool {
	return tier == "" || tier == want
}

// Retrieve returns up to limit entries relevant to query from tier ("" for all),
// ranked by 0.5*similarity + 0.3*importance + 0.2*recency. Returned entries
// have their access bookkeeping updated.
func (m *Manager) Retrieve(ctx context.Context, query string, tier models.MemoryType, limit int) ([]models.ScoredMemory, error) {
	if tier != "" && !tier.Valid() {
		return nil, fmt.Errorf("unknown memory type %q", tier)
	}
	if limit <= 0 {
		limit = 5
	}

	var hits []rag.MemoryHit
	if includes(tier, models.MemorySemantic) && m.index != nil {
		var err error
		hits, err = m.index.Search(ctx, query, limit)
		if err != nil {
			m.logger.Warn("semantic memory search failed", zap.Error(err))
			hits = nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.MemoryEntry
	if includes(tier, models.MemoryShortTerm) {
		candidates = append(candidates, m.scan(query, m.shortTerm.Items(), limit)...)
	}
	if includes(tier, models.MemoryLongTerm) {
		candidates = append(candidates, m.scan(query, sortedValues(m.longTerm), limit)...)
	}
	if includes(tier, models.MemoryEpisodic) {
		candidates = append(candidates, m.scan(query, sortedValues(m.episodic), limit)...)
	}
	for _, h := range hits {
		entry, ok := m.semantic[h.ID]
		if !ok {
			// Indexed in a previous run; rebuild it from the stored payload.
			ts := h.Timestamp
			if ts.IsZero() {
				ts = m.now()
			}
			entry = &models.MemoryEntry{
				ID:         h.ID,
				Timestamp:  ts,
				Content:    h.Content,
				MemoryType: models.MemorySemantic,
				Importance: h.Importance,
				Tags:       h.Tags,
			}
			m.semantic[h.ID] = entry
		}
		candidates = append(candidates, entry)
	}

	seen := make(map[string]bool, len(candidates))
	scored := make([]models.ScoredMemory, 0, len(candidates))
	for _, e := range candidates {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		sim := TFIDFSimilarity(query, e.Content)
		scored = append(scored, models.ScoredMemory{
			Entry:      e,
			Similarity: sim,
			Score:      0.5*sim + 0.3*e.Importance + 0.2*m.recency(e),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}

	now := m.now()
	for i := range scored {
		scored[i].Entry.AccessCount++
		scored[i].Entry.LastAccessed = now
		scored[i].Entry = scored[i].Entry.Clone()
	}

	m.logger.Debug("memory retrieved", zap.Int("results", len(scored)), zap.String("tier", string(tier)))
	return scored, nil
}

// scan keeps entries whose TF-IDF similarity with query exceeds the relevance threshold.
func (m *Manager) scan(query string, entries []*models.MemoryEntry, limit int) []*models.MemoryEntry {
	var out []*models.MemoryEntry
	for _, e := range entries {
		if TFIDFSimilarity(query, e.Content) > m.cfg.RelevanceThreshold {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// daysBetween counts whole elapsed days.
func daysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}

// recency decays linearly over the window in whole days.
func (m *Manager) recency(e *models.MemoryEntry) float64 {
	days := daysBetween(e.Timestamp, m.now())
	window := m.cfg.RecencyWindow.Hours() / 24
	f := 1 - float64(days)/window
	if f < 0 {
		return 0
	}
	return f
}

func sortedValues(in map[string]*models.MemoryEntry) []*models.MemoryEntry {
	out := make([]*models.MemoryEntry, 0, len(in))
	for _, e := range in {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Summary lists the five most important short-term entries of the last week.
func (m *Manager) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var recent []*models.MemoryEntry
	for _, e := range m.shortTerm.Items() {
		if daysBetween(e.Timestamp, now) <= summaryDays {
			recent = append(recent, e)
		}
	}
	if len(recent) == 0 {
		return noRecentMemory
	}

	sort.SliceStable(recent, func(i, j int) bool { return recent[i].Importance > recent[j].Importance })
	if len(recent) > summaryEntries {
		recent = recent[:summaryEntries]
	}

	lines := make([]string, len(recent))
	for i, e := range recent {
		content := []rune(e.Content)
		if len(content) > summaryPreview {
			content = content[:summaryPreview]
		}
		lines[i] = "- " + string(content) + "..."
	}
	return strings.Join(lines, "\n")
}

// distinct returns short-term, long-term and episodic entries without duplicates. Caller holds mu.
func (m *Manager) distinct() []*models.MemoryEntry {
	seen := make(map[string]bool)
	var out []*models.MemoryEntry
	add := func(entries []*models.MemoryEntry) {
		for _, e := range entries {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	add(m.shortTerm.Items())
	add(sortedValues(m.longTerm))
	add(sortedValues(m.episodic))
	return out
}

// HitRate is the fraction of stored entries retrieved at least once.
func (m *Manager) HitRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return hitRate(m.distinct())
}

func hitRate(entries []*models.MemoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	hits := 0
	for _, e := range entries {
		if e.AccessCount > 0 {
			hits++
		}
	}
	return float64(hits) / float64(len(entries))
}

// Stats returns tier sizes and averages.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.distinct()
	s := Stats{
		ShortTermEntries: m.shortTerm.Len(),
		LongTermEntries:  len(m.longTerm),
		EpisodicEntries:  len(m.episodic),
		SemanticEntries:  len(m.semantic),
		HitRate:          hitRate(all),
	}
	s.TotalEntries = s.ShortTermEntries + s.LongTermEntries + s.EpisodicEntries + s.SemanticEntries
	if len(all) > 0 {
		var sum float64
		for _, e := range all {
			sum += e.Importance
		}
		s.AverageImportance = sum / float64(len(all))
	}
	return s
}

// Status describes the manager for status endpoints.
func (m *Manager) Status() map[string]any {
	return map[string]any{
		"stats":                    m.Stats(),
		"max_short_term":           m.cfg.MaxShortTerm,
		"max_long_term":            m.cfg.MaxLongTerm,
		"semantic_index_available": m.index != nil,
		"persistence_available":    m.persister != nil,
	}
}

// Load restores the long-term tier from the persister.
func (m *Manager) Load(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	entries, err := m.persister.LoadLongTerm(ctx)
	if err != nil {
		return fmt.Errorf("failed to load long-term memory: %w", err)
	}

	m.mu.Lock()
	for _, e := range entries {
		m.longTerm[e.ID] = e
	}
	m.enforceLongTermCap()
	m.mu.Unlock()

	m.logger.Info("long-term memory loaded", zap.Int("entries", len(entries)))
	return nil
}

// Save persists the long-term tier.
func (m *Manager) Save(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}

	m.mu.Lock()
	entries := make([]*models.MemoryEntry, 0, len(m.longTerm))
	for _, e := range sortedValues(m.longTerm) {
		entries = append(entries, e.Clone())
	}
	m.mu.Unlock()

	if err := m.persister.SaveLongTerm(ctx, entries); err != nil {
		return fmt.Errorf("failed to save long-term memory: %w", err)
	}
	m.logger.Info("long-term memory saved", zap.Int("entries", len(entries)))
	return nil
}

// Clear empties one tier, or all of them when tier is "".
func (m *Manager) Clear(ctx context.Context, tier models.MemoryType) error {
	if tier != "" && !tier.Valid() {
		return fmt.Errorf("unknown memory type %q", tier)
	}

	m.mu.Lock()
	if includes(tier, models.MemoryShortTerm) {
		m.shortTerm.Clear()
	}
	if includes(tier, models.MemoryLongTerm) {
		m.longTerm = make(map[string]*models.MemoryEntry)
	}
	if includes(tier, models.MemoryEpisodic) {
		m.episodic = make(map[string]*models.MemoryEntry)
	}
	if includes(tier, models.MemorySemantic) {
		m.semantic = make(map[string]*models.MemoryEntry)
	}
	m.mu.Unlock()

	if includes(tier, models.MemorySemantic) && m.index != nil {
		if err := m.index.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear semantic memory: %w", err)
		}
	}

	name := string(tier)
	if name == "" {
		name = "all"
	}
	m.logger.Info("memory cleared", zap.String("tier", name))
	return nil
}
