package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by unit tests and single-process
// development mode. All methods hold one coarse mutex; records are cloned on
// the way in and out so callers never share memory with the store.
type MemoryStore struct {
	mu sync.Mutex

	users     map[string]*User
	sessions  map[string]*ChatSession
	messages  map[string]*ChatMessage
	msgOrder  []string
	analyses  map[string]*Analysis
	jobs      map[string]*Job
	jobOrder  []string
	events    map[string]*ProgressEvent
	evtOrder  []string
	cache     map[string]*CacheEntry
	instances map[string]*Instance
	leaders   map[string]leaderLease

	// now allows tests to control time.
	now func() time.Time
}

type leaderLease struct {
	instanceID string
	expiresAt  time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		sessions:  make(map[string]*ChatSession),
		messages:  make(map[string]*ChatMessage),
		analyses:  make(map[string]*Analysis),
		jobs:      make(map[string]*Job),
		events:    make(map[string]*ProgressEvent),
		cache:     make(map[string]*CacheEntry),
		instances: make(map[string]*Instance),
		leaders:   make(map[string]leaderLease),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Test use only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(ss []string) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

// Users

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if _, exists := s.users[u.ID]; exists {
		return nil
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	cp.Preferences = cloneMap(u.Preferences)
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	cp := *u
	cp.Preferences = cloneMap(u.Preferences)
	return &cp, nil
}

// Sessions

func (s *MemoryStore) CreateSession(ctx context.Context, userID, title string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &ChatSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	return sess.ID, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}

	cp := *sess
	cp.MessageIDs = nil
	cp.AnalysisIDs = nil
	seen := map[string]bool{}
	for _, msgID := range s.msgOrder {
		msg := s.messages[msgID]
		if msg.SessionID != id {
			continue
		}
		cp.MessageIDs = append(cp.MessageIDs, msg.ID)
		if msg.AnalysisID != nil && !seen[*msg.AnalysisID] {
			seen[*msg.AnalysisID] = true
			cp.AnalysisIDs = append(cp.AnalysisIDs, *msg.AnalysisID)
		}
	}
	return &cp, nil
}

// Messages

func cloneMessage(msg *ChatMessage) *ChatMessage {
	cp := *msg
	cp.Metadata = cloneMap(msg.Metadata)
	cp.ToolsInvoked = cloneStrings(msg.ToolsInvoked)
	if msg.AnalysisID != nil {
		id := *msg.AnalysisID
		cp.AnalysisID = &id
	}
	if msg.AnalysisSnapshot != nil {
		snap := cloneAnalysis(msg.AnalysisSnapshot)
		cp.AnalysisSnapshot = snap
	}
	return &cp
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Status == "" {
		msg.Status = MessagePending
	}
	now := s.now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	s.messages[msg.ID] = cloneMessage(msg)
	s.msgOrder = append(s.msgOrder, msg.ID)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, extra map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message not found: %s", id)
	}

	msg.Status = status
	msg.UpdatedAt = s.now()
	for key, val := range extra {
		switch key {
		case "analysis_id":
			switch v := val.(type) {
			case string:
				msg.AnalysisID = &v
			case *string:
				msg.AnalysisID = v
			}
		case "analysis_snapshot":
			if v, ok := val.(*Analysis); ok {
				msg.AnalysisSnapshot = cloneAnalysis(v)
			}
		case "generated_script":
			switch v := val.(type) {
			case string:
				msg.GeneratedScript = &v
			case *string:
				msg.GeneratedScript = v
			}
		case "tools_invoked":
			if v, ok := val.([]string); ok {
				msg.ToolsInvoked = cloneStrings(v)
			}
		case "query_type":
			switch v := val.(type) {
			case QueryType:
				msg.QueryType = v
			case string:
				msg.QueryType = QueryType(v)
			}
		case "expanded_text":
			if v, ok := val.(string); ok {
				msg.ExpandedText = v
			}
		case "metadata":
			if v, ok := val.(map[string]any); ok {
				msg.Metadata = cloneMap(v)
			}
		case "content":
			if v, ok := val.(string); ok {
				msg.Content = v
			}
		default:
			return fmt.Errorf("unknown message field: %s", key)
		}
	}
	return nil
}

func (s *MemoryStore) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*ChatMessage
	for _, id := range s.msgOrder {
		msg := s.messages[id]
		if msg.SessionID == sessionID {
			all = append(all, msg)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]*ChatMessage, len(all))
	for i, msg := range all {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

// Analyses

func cloneAnalysis(a *Analysis) *Analysis {
	cp := *a
	cp.Parameters = cloneMap(a.Parameters)
	cp.Result = cloneMap(a.Result)
	cp.MCPCalls = cloneStrings(a.MCPCalls)
	cp.DataSources = cloneStrings(a.DataSources)
	cp.SimilarQueries = cloneStrings(a.SimilarQueries)
	return &cp
}

func (s *MemoryStore) CreateAnalysis(ctx context.Context, a *Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = AnalysisPending
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.analyses[a.ID] = cloneAnalysis(a)
	return nil
}

func (s *MemoryStore) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.analyses[id]
	if !ok {
		return nil, fmt.Errorf("analysis not found: %s", id)
	}
	return cloneAnalysis(a), nil
}

func (s *MemoryStore) ListUserAnalyses(ctx context.Context, userID string, limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Analysis
	for _, a := range s.analyses {
		if a.UserID == userID {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]*Analysis, len(all))
	for i, a := range all {
		out[i] = cloneAnalysis(a)
	}
	return out, nil
}

func (s *MemoryStore) UpdateAnalysis(ctx context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.analyses[id]
	if !ok {
		return fmt.Errorf("analysis not found: %s", id)
	}

	a.UpdatedAt = s.now()
	for key, val := range fields {
		switch key {
		case "title":
			a.Title, _ = val.(string)
		case "description":
			a.Description, _ = val.(string)
		case "category":
			a.Category, _ = val.(string)
		case "parameters":
			if v, ok := val.(map[string]any); ok {
				a.Parameters = cloneMap(v)
			}
		case "generated_script":
			a.GeneratedScript, _ = val.(string)
		case "mcp_calls":
			if v, ok := val.([]string); ok {
				a.MCPCalls = cloneStrings(v)
			}
		case "data_sources":
			if v, ok := val.([]string); ok {
				a.DataSources = cloneStrings(v)
			}
		case "result":
			if v, ok := val.(map[string]any); ok {
				a.Result = cloneMap(v)
			}
		case "status":
			switch v := val.(type) {
			case AnalysisStatus:
				a.Status = v
			case string:
				a.Status = AnalysisStatus(v)
			}
		case "error":
			a.Error, _ = val.(string)
		case "execution_time_ms":
			switch v := val.(type) {
			case int64:
				a.ExecutionTimeMs = v
			case int:
				a.ExecutionTimeMs = int64(v)
			}
		case "is_template":
			a.IsTemplate, _ = val.(bool)
		case "similar_queries":
			if v, ok := val.([]string); ok {
				a.SimilarQueries = cloneStrings(v)
			}
		case "reuse_count":
			if v, ok := val.(int); ok {
				a.ReuseCount = v
			}
		default:
			return fmt.Errorf("unknown analysis field: %s", key)
		}
	}
	return nil
}

// Queue jobs

func cloneJob(job *Job) *Job {
	cp := *job
	cp.Payload = append([]byte(nil), job.Payload...)
	if job.ClaimedBy != nil {
		v := *job.ClaimedBy
		cp.ClaimedBy = &v
	}
	if job.LastError != nil {
		v := *job.LastError
		cp.LastError = &v
	}
	if job.FinalizedAt != nil {
		v := *job.FinalizedAt
		cp.FinalizedAt = &v
	}
	return &cp
}

func (s *MemoryStore) EnqueueJob(ctx context.Context, job *Job) error {
	if job.Queue == "" {
		return fmt.Errorf("queue is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Priority == 0 {
		job.Priority = 2
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 1
	}
	now := s.now()
	job.Status = JobQueued
	job.Attempts = 0
	job.VisibleAfter = now
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = cloneJob(job)
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, queue Queue, workerID string, visibility time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *Job
	for _, id := range s.jobOrder {
		job := s.jobs[id]
		if job.Queue != queue {
			continue
		}
		eligible := (job.Status == JobQueued || job.Status == JobRunning) &&
			!job.VisibleAfter.After(now)
		if !eligible {
			continue
		}
		if best == nil ||
			job.Priority < best.Priority ||
			(job.Priority == best.Priority && job.VisibleAfter.Before(best.VisibleAfter)) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = JobRunning
	best.ClaimedBy = &workerID
	best.VisibleAfter = now.Add(visibility)
	best.Attempts++
	best.UpdatedAt = now
	return cloneJob(best), nil
}

func (s *MemoryStore) HeartbeatJob(ctx context.Context, jobID, workerID string, visibility time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.Status != JobRunning || job.ClaimedBy == nil || *job.ClaimedBy != workerID {
		return nil
	}
	now := s.now()
	job.VisibleAfter = now.Add(visibility)
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID string, status JobStatus, fields map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("non-terminal status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	now := s.now()
	job.Status = status
	job.FinalizedAt = &now
	job.UpdatedAt = now
	if fields != nil {
		if v, ok := fields["error"].(string); ok && v != "" {
			job.LastError = &v
		}
	}
	return nil
}

func (s *MemoryStore) FailJobWithRetry(ctx context.Context, jobID string, lastError string, delay time.Duration, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	now := s.now()
	job.LastError = &lastError
	job.UpdatedAt = now
	if job.Attempts < maxAttempts {
		job.Status = JobQueued
		job.ClaimedBy = nil
		job.VisibleAfter = now.Add(delay)
		job.FinalizedAt = nil
	} else {
		job.Status = JobFailed
		job.FinalizedAt = &now
	}
	return nil
}

func (s *MemoryStore) RequeueJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || !job.Status.Terminal() {
		return fmt.Errorf("job not found or not terminal: %s", jobID)
	}
	now := s.now()
	job.Status = JobQueued
	job.ClaimedBy = nil
	job.VisibleAfter = now
	job.FinalizedAt = nil
	job.Attempts = 0
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) FailPoisonJobs(ctx context.Context, queue Queue) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, job := range s.jobs {
		if job.Queue == queue && job.Status == JobRunning &&
			job.VisibleAfter.Before(now) && job.Attempts >= job.MaxAttempts {
			job.Status = JobFailed
			if job.LastError == nil {
				msg := "exceeded max attempts"
				job.LastError = &msg
			}
			job.FinalizedAt = &now
			job.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Progress events

func cloneEvent(ev *ProgressEvent) *ProgressEvent {
	cp := *ev
	cp.Details = cloneMap(ev.Details)
	return &cp
}

func (s *MemoryStore) AppendProgressEvent(ctx context.Context, ev *ProgressEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Type == "" {
		ev.Type = EventGeneric
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.events[ev.ID] = cloneEvent(ev)
	s.evtOrder = append(s.evtOrder, ev.ID)
	return nil
}

func (s *MemoryStore) PollUnprocessedEvents(ctx context.Context, limit int) ([]*ProgressEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ProgressEvent
	for _, id := range s.evtOrder {
		ev := s.events[id]
		if ev.Processed {
			continue
		}
		out = append(out, cloneEvent(ev))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.events[id]; ok {
		ev.Processed = true
	}
	return nil
}

func (s *MemoryStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*ProgressEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ProgressEvent
	for _, id := range s.evtOrder {
		ev := s.events[id]
		if ev.SessionID != sessionID {
			continue
		}
		out = append(out, cloneEvent(ev))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Result cache

func (s *MemoryStore) CacheGet(ctx context.Context, key string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	if !ok || !entry.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	cp := *entry
	cp.Result = cloneMap(entry.Result)
	return &cp, nil
}

func (s *MemoryStore) CachePut(ctx context.Context, entry *CacheEntry) error {
	if entry.Key == "" {
		return fmt.Errorf("cache key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.Result = cloneMap(entry.Result)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.cache[entry.Key] = &cp
	return nil
}

func (s *MemoryStore) CacheInvalidateByAnalysis(ctx context.Context, analysisID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.cache {
		if entry.AnalysisID != nil && *entry.AnalysisID == analysisID {
			delete(s.cache, key)
		}
	}
	return nil
}

func (s *MemoryStore) PurgeExpiredCache(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for key, entry := range s.cache {
		if !entry.ExpiresAt.After(now) {
			delete(s.cache, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PruneProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int64
	kept := s.evtOrder[:0]
	for _, id := range s.evtOrder {
		ev := s.events[id]
		if ev.Processed && ev.Timestamp.Before(cutoff) {
			delete(s.events, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.evtOrder = kept
	return n, nil
}

// Instance registry

func (s *MemoryStore) RegisterInstance(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cp := *inst
	cp.Metadata = cloneMap(inst.Metadata)
	cp.StartedAt = now
	cp.LastHeartbeat = now
	s.instances[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) HeartbeatInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	inst.LastHeartbeat = s.now()
	return nil
}

func (s *MemoryStore) DeregisterInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
	return nil
}

func (s *MemoryStore) DeleteStaleInstances(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int64
	for id, inst := range s.instances {
		if inst.LastHeartbeat.Before(cutoff) {
			delete(s.instances, id)
			n++
		}
	}
	return n, nil
}

// Leadership

func (s *MemoryStore) AcquireLeadership(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	lease, ok := s.leaders[name]
	if ok && lease.instanceID != instanceID && lease.expiresAt.After(now) {
		return false, nil
	}
	s.leaders[name] = leaderLease{instanceID: instanceID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLeadership(ctx context.Context, name, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leaders[name]; ok && lease.instanceID == instanceID {
		delete(s.leaders, name)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
