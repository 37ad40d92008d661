package upload

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"rootsense/api/internal/models"
	"rootsense/shared/clients/vision"
	"rootsense/shared/logx"
)

var healthyResult = vision.AnalysisResult{
	DetectedSpecies: "Neem",
	HealthStatus:    vision.HealthHealthy,
	GreenCoverage:   88,
	LeafDensity:     76,
	WaterNeeds:      "Low",
	Recommendation:  "Monitor seasonally",
	Confidence:      92,
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	result vision.AnalysisResult
	err    error
	block  chan struct{}
	calls  int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, image []byte, contentType string) (vision.AnalysisResult, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.result, f.err
}

type spyBlobStore struct {
	mu      sync.Mutex
	err     error
	uploads []string
}

func (s *spyBlobStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.uploads = append(s.uploads, key)
	return nil
}

func (s *spyBlobStore) PublicURL(key string) string {
	return "https://cdn.example.edu/public/tree-images/" + key
}

type spyTreeStore struct {
	mu      sync.Mutex
	err     error
	inserts []models.Tree
	// uploadsAtInsert records how many blob uploads had happened when each
	// insert arrived, to check ordering.
	uploadsAtInsert []int
	blobs           *spyBlobStore
}

func (s *spyTreeStore) InsertWithActivity(ctx context.Context, tree models.Tree, payload []byte) (models.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.Tree{}, s.err
	}
	s.inserts = append(s.inserts, tree)
	if s.blobs != nil {
		s.blobs.mu.Lock()
		s.uploadsAtInsert = append(s.uploadsAtInsert, len(s.blobs.uploads))
		s.blobs.mu.Unlock()
	}
	return tree, nil
}

func newTestManager(analyzer *fakeAnalyzer, blobs *spyBlobStore, trees *spyTreeStore) *Manager {
	trees.blobs = blobs
	log := logx.New("upload-test", "test", "", "error")
	return NewManager(analyzer, blobs, trees, Options{
		AnalyzeTimeout: time.Second,
		SessionTTL:     time.Minute,
		MaxImageBytes:  1 << 20,
	}, log)
}

func waitForState(t *testing.T, m *Manager, view View, subject string, want string) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := m.Get(view.SessionID, subject)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.State == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := m.Get(view.SessionID, subject)
	t.Fatalf("session never reached %s, stuck at %s", want, got.State)
	return View{}
}

func TestOpenRejectsSecondSession(t *testing.T) {
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, &spyBlobStore{}, &spyTreeStore{})

	if _, err := m.Open(Owner{Subject: "u1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Open(Owner{Subject: "u1"}); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if _, err := m.Open(Owner{Subject: "u2"}); err != nil {
		t.Fatalf("different user should open fine: %v", err)
	}
}

func TestSelectImageValidates(t *testing.T) {
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, &spyBlobStore{}, &spyTreeStore{})
	view, _ := m.Open(Owner{Subject: "u1"})

	if _, err := m.SelectImage(context.Background(), view.SessionID, "u1", nil, "image/jpeg"); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
	big := make([]byte, 2<<20)
	if _, err := m.SelectImage(context.Background(), view.SessionID, "u1", big, "image/jpeg"); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
	if _, err := m.SelectImage(context.Background(), view.SessionID, "u1", []byte("x"), "text/plain"); !errors.Is(err, ErrUnsupportedImage) {
		t.Fatalf("expected ErrUnsupportedImage, got %v", err)
	}
	if _, err := m.SelectImage(context.Background(), view.SessionID, "u2", []byte("x"), "image/jpeg"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestSelectImageAutoAnalyzes(t *testing.T) {
	analyzer := &fakeAnalyzer{result: healthyResult}
	m := newTestManager(analyzer, &spyBlobStore{}, &spyTreeStore{})
	view, _ := m.Open(Owner{Subject: "u1"})

	view, err := m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/jpeg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.State != StateAnalyzing {
		t.Fatalf("expected analyzing, got %s", view.State)
	}

	view = waitForState(t, m, view, "u1", StateAnalysisReady)
	if view.Result == nil || view.Result.DetectedSpecies != "Neem" {
		t.Fatalf("expected analysis result, got %#v", view.Result)
	}
}

func TestAnalysisFailureReturnsToPreviewing(t *testing.T) {
	analyzer := &fakeAnalyzer{err: &vision.AnalysisError{Reason: "vision service unreachable"}}
	blobs := &spyBlobStore{}
	trees := &spyTreeStore{}
	m := newTestManager(analyzer, blobs, trees)
	view, _ := m.Open(Owner{Subject: "u1"})

	view, _ = m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/jpeg")
	view = waitForState(t, m, view, "u1", StatePreviewing)

	if view.Error == "" {
		t.Fatalf("expected a surfaced analysis error")
	}
	if view.Result != nil {
		t.Fatalf("failed analysis must not leave a result")
	}
	if len(trees.inserts) != 0 || len(blobs.uploads) != 0 {
		t.Fatalf("no persistence on analysis failure")
	}

	// Analysis can be retried by selecting the image again.
	analyzer.mu.Lock()
	analyzer.err = nil
	analyzer.result = healthyResult
	analyzer.mu.Unlock()
	view, err := m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/jpeg")
	if err != nil {
		t.Fatalf("reselect after failure should work: %v", err)
	}
	waitForState(t, m, view, "u1", StateAnalysisReady)
}

func TestSavePersistsAndCloses(t *testing.T) {
	blobs := &spyBlobStore{}
	trees := &spyTreeStore{}
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, blobs, trees)

	var savedTrees []models.Tree
	m.OnSaved = func(ctx context.Context, tree models.Tree) {
		savedTrees = append(savedTrees, tree)
	}

	view, _ := m.Open(Owner{Subject: "u1", Name: "Asha", Department: "Engineering"})
	view, _ = m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/jpeg")
	waitForState(t, m, view, "u1", StateAnalysisReady)

	tree, err := m.Save(context.Background(), view.SessionID, "u1", SaveInput{Location: "library"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !regexp.MustCompile(`^T-\d+$`).MatchString(tree.TreeID) {
		t.Fatalf("expected generated tree id, got %q", tree.TreeID)
	}
	if tree.Location != "Library Lawn" {
		t.Fatalf("expected zone dictionary resolution, got %q", tree.Location)
	}
	if tree.Health != vision.HealthHealthy || tree.Species != "Neem" || tree.Confidence != 92 {
		t.Fatalf("analysis fields not carried over: %#v", tree)
	}
	if tree.ImageURL == "" {
		t.Fatalf("expected a public image url")
	}
	if tree.Department != "Engineering" {
		t.Fatalf("expected department attribution, got %q", tree.Department)
	}

	// Upload strictly precedes insert.
	if len(trees.uploadsAtInsert) != 1 || trees.uploadsAtInsert[0] != 1 {
		t.Fatalf("expected exactly one upload before the insert, got %v", trees.uploadsAtInsert)
	}

	// The session is gone and the subject can open a new one.
	if _, err := m.Get(view.SessionID, "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session closed after save, got %v", err)
	}
	if _, err := m.Open(Owner{Subject: "u1"}); err != nil {
		t.Fatalf("expected to reopen after save: %v", err)
	}
	if len(savedTrees) != 1 {
		t.Fatalf("expected OnSaved callback once, got %d", len(savedTrees))
	}
}

func TestSaveKeepsExplicitTreeIDAndFreeTextLocation(t *testing.T) {
	blobs := &spyBlobStore{}
	trees := &spyTreeStore{}
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, blobs, trees)

	view, _ := m.Open(Owner{Subject: "u1"})
	view, _ = m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/png")
	waitForState(t, m, view, "u1", StateAnalysisReady)

	tree, err := m.Save(context.Background(), view.SessionID, "u1", SaveInput{TreeID: "T-777", Location: "Behind the old gym"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.TreeID != "T-777" {
		t.Fatalf("explicit tree id should be kept, got %q", tree.TreeID)
	}
	if tree.Location != "Behind the old gym" {
		t.Fatalf("free-text location should pass through, got %q", tree.Location)
	}
}

func TestSaveBlankLocationBecomesUnknown(t *testing.T) {
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, &spyBlobStore{}, &spyTreeStore{})
	view, _ := m.Open(Owner{Subject: "u1"})
	view, _ = m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/jpeg")
	waitForState(t, m, view, "u1", StateAnalysisReady)

	tree, err := m.Save(context.Background(), view.SessionID, "u1", SaveInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Location != "Unknown Location" {
		t.Fatalf("expected Unknown Location, got %q", tree.Location)
	}
}

func TestSaveUploadFailureAbortsBeforeInsert(t *testing.T) {
	blobs := &spyBlobStore{err: errors.New("store down")}
	trees := &spyTreeStore{}
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, blobs, trees)

	view, _ := m.Open(Owner{Subject: "u1"})
	view, _ = m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/jpeg")
	waitForState(t, m, view, "u1", StateAnalysisReady)

	if _, err := m.Save(context.Background(), view.SessionID, "u1", SaveInput{}); err == nil {
		t.Fatalf("expected save to fail")
	}
	if len(trees.inserts) != 0 {
		t.Fatalf("insert must never run when the upload failed")
	}

	got, err := m.Get(view.SessionID, "u1")
	if err != nil {
		t.Fatalf("session should survive a failed save: %v", err)
	}
	if got.State != StateAnalysisReady {
		t.Fatalf("expected analysis_ready after failed save, got %s", got.State)
	}
	if got.Result == nil {
		t.Fatalf("analysis result should be retained for retry")
	}
}

func TestSaveInsertFailureReturnsToReady(t *testing.T) {
	blobs := &spyBlobStore{}
	trees := &spyTreeStore{err: errors.New("db down")}
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, blobs, trees)

	view, _ := m.Open(Owner{Subject: "u1"})
	view, _ = m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/jpeg")
	waitForState(t, m, view, "u1", StateAnalysisReady)

	if _, err := m.Save(context.Background(), view.SessionID, "u1", SaveInput{}); err == nil {
		t.Fatalf("expected save to fail")
	}
	// The blob went out before the insert failed; the sweep reclaims it.
	if len(blobs.uploads) != 1 {
		t.Fatalf("expected the upload to have happened, got %d", len(blobs.uploads))
	}
	got, _ := m.Get(view.SessionID, "u1")
	if got.State != StateAnalysisReady {
		t.Fatalf("expected analysis_ready after insert failure, got %s", got.State)
	}
}

func TestSaveRequiresAnalysisResult(t *testing.T) {
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, &spyBlobStore{}, &spyTreeStore{})
	view, _ := m.Open(Owner{Subject: "u1"})

	if _, err := m.Save(context.Background(), view.SessionID, "u1", SaveInput{}); !errors.Is(err, ErrInvalidStateChange) {
		t.Fatalf("expected ErrInvalidStateChange, got %v", err)
	}
}

func TestStaleAnalysisDiscardedAfterClose(t *testing.T) {
	block := make(chan struct{})
	analyzer := &fakeAnalyzer{result: healthyResult, block: block}
	m := newTestManager(analyzer, &spyBlobStore{}, &spyTreeStore{})

	view, _ := m.Open(Owner{Subject: "u1"})
	view, _ = m.SelectImage(context.Background(), view.SessionID, "u1", []byte("img"), "image/jpeg")

	if err := m.Close(view.SessionID, "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The in-flight analysis now completes against a closed session.
	close(block)
	time.Sleep(20 * time.Millisecond)

	if _, err := m.Get(view.SessionID, "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("closed session must stay closed, got %v", err)
	}

	// A fresh session is unaffected by the stale completion.
	fresh, err := m.Open(Owner{Subject: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := m.Get(fresh.SessionID, "u1")
	if got.State != StateIdle || got.Result != nil {
		t.Fatalf("fresh session polluted by stale analysis: %#v", got)
	}
}

func TestStaleAnalysisDiscardedAfterReselect(t *testing.T) {
	block := make(chan struct{})
	analyzer := &fakeAnalyzer{result: vision.AnalysisResult{DetectedSpecies: "Old", HealthStatus: vision.HealthCritical, GreenCoverage: 10, LeafDensity: 10, Confidence: 50}, block: block}
	m := newTestManager(analyzer, &spyBlobStore{}, &spyTreeStore{})

	view, _ := m.Open(Owner{Subject: "u1"})
	view, _ = m.SelectImage(context.Background(), view.SessionID, "u1", []byte("first"), "image/jpeg")

	// Second selection supersedes the first while it is still in flight.
	analyzer.mu.Lock()
	analyzer.result = healthyResult
	analyzer.block = nil
	analyzer.mu.Unlock()
	view, err := m.SelectImage(context.Background(), view.SessionID, "u1", []byte("second"), "image/jpeg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForState(t, m, view, "u1", StateAnalysisReady)
	close(block)
	time.Sleep(20 * time.Millisecond)

	got, _ := m.Get(view.SessionID, "u1")
	if got.State != StateAnalysisReady || got.Result == nil || got.Result.DetectedSpecies != "Neem" {
		t.Fatalf("stale first analysis overwrote the fresh one: %#v", got.Result)
	}
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(&fakeAnalyzer{result: healthyResult}, &spyBlobStore{}, &spyTreeStore{})
	_, _ = m.Open(Owner{Subject: "u1"})
	_, _ = m.Open(Owner{Subject: "u2"})

	if swept := m.SweepExpired(time.Now()); swept != 0 {
		t.Fatalf("fresh sessions must not be swept, got %d", swept)
	}
	if swept := m.SweepExpired(time.Now().Add(2 * time.Minute)); swept != 2 {
		t.Fatalf("expected 2 swept sessions, got %d", swept)
	}
	if m.OpenSessions() != 0 {
		t.Fatalf("expected no open sessions after sweep")
	}

	// Swept subjects can open again.
	if _, err := m.Open(Owner{Subject: "u1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
