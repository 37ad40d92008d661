package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"rootsense/api/internal/models"
	"rootsense/shared/clients/vision"
	"rootsense/shared/events"
	"rootsense/shared/logx"
	"rootsense/shared/metricsx"
)

var (
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrSessionExists    = errors.New("an upload session is already open for this user")
	ErrNotOwner         = errors.New("upload session belongs to another user")
	ErrNoImage          = errors.New("no image selected")
	ErrImageTooLarge    = errors.New("image exceeds the size limit")
	ErrUnsupportedImage = errors.New("unsupported image type")
)

type Analyzer interface {
	Analyze(ctx context.Context, image []byte, contentType string) (vision.AnalysisResult, error)
}

type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

type TreeStore interface {
	InsertWithActivity(ctx context.Context, tree models.Tree, payload []byte) (models.Tree, error)
}

type Owner struct {
	Subject    string
	Name       string
	Department string
}

type Options struct {
	AnalyzeTimeout time.Duration
	SessionTTL     time.Duration
	MaxImageBytes  int64
}

type View struct {
	SessionID uuid.UUID              `json:"session_id"`
	State     string                 `json:"state"`
	Result    *vision.AnalysisResult `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

type SaveInput struct {
	TreeID   string `json:"tree_id"`
	Location string `json:"location"`
}

type session struct {
	id          uuid.UUID
	owner       Owner
	state       string
	generation  int
	image       []byte
	contentType string
	result      *vision.AnalysisResult
	lastError   string
	createdAt   time.Time
	updatedAt   time.Time
}

// Manager owns every live upload session. At most one session is open per
// subject; each async analysis carries the generation it was started for,
// and a completion whose generation no longer matches is discarded.
type Manager struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*session
	bySubject map[string]uuid.UUID

	analyzer Analyzer
	blobs    BlobStore
	trees    TreeStore
	opts     Options
	log      logx.Logger

	// OnSaved runs after a successful save, outside the manager lock.
	// The API wires cache invalidation here.
	OnSaved func(ctx context.Context, tree models.Tree)
}

func NewManager(analyzer Analyzer, blobs BlobStore, trees TreeStore, opts Options, log logx.Logger) *Manager {
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = 20 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 15 * time.Minute
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = 10 << 20
	}
	return &Manager{
		sessions:  map[uuid.UUID]*session{},
		bySubject: map[string]uuid.UUID{},
		analyzer:  analyzer,
		blobs:     blobs,
		trees:     trees,
		opts:      opts,
		log:       log,
	}
}

func (m *Manager) Open(owner Owner) (View, error) {
	if strings.TrimSpace(owner.Subject) == "" {
		return View{}, errors.New("owner subject is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, open := m.bySubject[owner.Subject]; open {
		return View{}, ErrSessionExists
	}

	now := time.Now().UTC()
	s := &session{
		id:        uuid.New(),
		owner:     owner,
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
	}
	m.sessions[s.id] = s
	m.bySubject[owner.Subject] = s.id
	return viewOf(s), nil
}

func (m *Manager) Get(sessionID uuid.UUID, subject string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.locked(sessionID, subject)
	if err != nil {
		return View{}, err
	}
	return viewOf(s), nil
}

// SelectImage stores the preview and auto-triggers analysis. Selecting a new
// image over an existing preview or result starts over: the previous result
// is dropped and any in-flight analysis becomes stale.
func (m *Manager) SelectImage(ctx context.Context, sessionID uuid.UUID, subject string, image []byte, contentType string) (View, error) {
	if len(image) == 0 {
		return View{}, ErrNoImage
	}
	if int64(len(image)) > m.opts.MaxImageBytes {
		return View{}, ErrImageTooLarge
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return View{}, ErrUnsupportedImage
	}

	m.mu.Lock()
	s, err := m.locked(sessionID, subject)
	if err != nil {
		m.mu.Unlock()
		return View{}, err
	}

	if s.state, err = changeState(s.state, StatePreviewing); err != nil {
		m.mu.Unlock()
		return View{}, err
	}
	s.image = image
	s.contentType = contentType
	s.result = nil
	s.lastError = ""
	s.generation++
	s.updatedAt = time.Now().UTC()

	// Analysis starts immediately; the preview state is only observable
	// between requests.
	s.state, _ = changeState(s.state, StateAnalyzing)
	gen := s.generation
	view := viewOf(s)
	m.mu.Unlock()

	go m.analyze(sessionID, gen, image, contentType)
	return view, nil
}

func (m *Manager) analyze(sessionID uuid.UUID, gen int, image []byte, contentType string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.AnalyzeTimeout)
	defer cancel()

	result, err := m.analyzer.Analyze(ctx, image, contentType)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.generation != gen || s.state != StateAnalyzing {
		m.log.Debug(ctx, "stale_analysis_discarded", "analysis finished for a superseded selection",
			slog.String("session_id", sessionID.String()))
		return
	}

	s.updatedAt = time.Now().UTC()
	if err != nil {
		// The preview is kept so the user can retry or pick another
		// image; there is no automatic retry.
		s.state, _ = changeState(s.state, StatePreviewing)
		s.lastError = err.Error()
		return
	}
	s.state, _ = changeState(s.state, StateAnalysisReady)
	s.result = &result
}

// Save persists the analyzed tree: blob upload first, then the row together
// with its activity event. An upload failure aborts before any insert; an
// insert failure returns the session to analysis_ready and leaves the
// uploaded blob for the sweep to reclaim.
func (m *Manager) Save(ctx context.Context, sessionID uuid.UUID, subject string, input SaveInput) (models.Tree, error) {
	m.mu.Lock()
	s, err := m.locked(sessionID, subject)
	if err != nil {
		m.mu.Unlock()
		return models.Tree{}, err
	}
	if s.state, err = changeState(s.state, StateSaving); err != nil {
		m.mu.Unlock()
		return models.Tree{}, err
	}
	owner := s.owner
	image := s.image
	contentType := s.contentType
	result := *s.result
	m.mu.Unlock()

	start := time.Now()
	now := start.UTC()

	treeID := strings.TrimSpace(input.TreeID)
	if treeID == "" {
		treeID = fmt.Sprintf("T-%d", now.UnixMilli())
	}
	key := fmt.Sprintf("%s-%d.%s", treeID, now.UnixMilli(), extensionFor(contentType))

	if err := m.blobs.Upload(ctx, key, image, contentType); err != nil {
		m.revertToAnalysisReady(sessionID, err)
		return models.Tree{}, fmt.Errorf("image upload failed: %w", err)
	}

	tree := models.Tree{
		ID:             uuid.New(),
		TreeID:         treeID,
		Location:       ResolveLocation(input.Location),
		Species:        result.DetectedSpecies,
		Health:         result.HealthStatus,
		GreenCoverage:  result.GreenCoverage,
		LeafDensity:    result.LeafDensity,
		WaterNeeds:     result.WaterNeeds,
		Recommendation: result.Recommendation,
		ImageURL:       m.blobs.PublicURL(key),
		Confidence:     result.Confidence,
		ReportedBy:     owner.Subject,
		Department:     owner.Department,
		CreatedAt:      now,
	}

	payload, err := activityPayload(tree, owner)
	if err != nil {
		m.revertToAnalysisReady(sessionID, err)
		return models.Tree{}, err
	}

	tree, err = m.trees.InsertWithActivity(ctx, tree, payload)
	if err != nil {
		m.revertToAnalysisReady(sessionID, err)
		return models.Tree{}, fmt.Errorf("tree record save failed: %w", err)
	}

	metricsx.ObserveTreeSaveLatency(time.Since(start))
	m.close(sessionID)
	if m.OnSaved != nil {
		m.OnSaved(ctx, tree)
	}
	return tree, nil
}

func (m *Manager) Close(sessionID uuid.UUID, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.locked(sessionID, subject); err != nil {
		return err
	}
	m.closeLocked(sessionID)
	return nil
}

// SweepExpired drops sessions idle past the TTL and reports how many went.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var swept int
	for id, s := range m.sessions {
		if now.Sub(s.updatedAt) > m.opts.SessionTTL {
			m.closeLocked(id)
			swept++
		}
	}
	return swept
}

func (m *Manager) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) locked(sessionID uuid.UUID, subject string) (*session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.owner.Subject != subject {
		return nil, ErrNotOwner
	}
	return s, nil
}

func (m *Manager) revertToAnalysisReady(sessionID uuid.UUID, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.state, _ = changeState(s.state, StateAnalysisReady)
	s.lastError = cause.Error()
	s.updatedAt = time.Now().UTC()
}

func (m *Manager) close(sessionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(sessionID)
}

func (m *Manager) closeLocked(sessionID uuid.UUID) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	delete(m.bySubject, s.owner.Subject)
}

func viewOf(s *session) View {
	return View{
		SessionID: s.id,
		State:     s.state,
		Result:    s.result,
		Error:     s.lastError,
		UpdatedAt: s.updatedAt,
	}
}

func activityPayload(tree models.Tree, owner Owner) ([]byte, error) {
	body, err := json.Marshal(events.TreeAddedPayload{
		TreeID:        tree.TreeID,
		Location:      tree.Location,
		Species:       tree.Species,
		Health:        tree.Health,
		GreenCoverage: tree.GreenCoverage,
		LeafDensity:   tree.LeafDensity,
		ReportedBy:    displayName(owner),
		Department:    owner.Department,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(events.Envelope{
		EventID:       uuid.New(),
		OccurredAt:    tree.CreatedAt,
		AggregateType: "tree",
		AggregateID:   tree.ID,
		EventType:     events.EventTreeAdded,
		Payload:       body,
	})
}

func displayName(owner Owner) string {
	if owner.Name != "" {
		return owner.Name
	}
	return owner.Subject
}

func extensionFor(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}
