package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/dispatch"
	"github.com/mechtest/utmlink/internal/protocol/utm"
	"github.com/mechtest/utmlink/internal/storage"
	"github.com/mechtest/utmlink/internal/storage/models"
	"github.com/mechtest/utmlink/internal/telemetry"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.TestSession
	cmdLogs  []models.CmdLog
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[string]*models.TestSession)}
}

func (m *memRepo) CreateSession(_ context.Context, s *models.TestSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memRepo) FinishSession(_ context.Context, id, status string, note *string, endedAt time.Time, stats storage.SessionStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionRunning {
		return storage.ErrNotFound
	}
	s.Status = status
	s.InterruptNote = note
	s.EndedAt = &endedAt
	s.SampleCount = stats.SampleCount
	s.MaxForceN = stats.MaxForceN
	s.MinForceN = stats.MinForceN
	s.AvgForceN = stats.AvgForceN
	s.MaxDispMM = stats.MaxDispMM
	s.MinDispMM = stats.MinDispMM
	s.MaxStressMPa = stats.MaxStressMPa
	s.MaxStrainPct = stats.MaxStrainPct
	return nil
}

func (m *memRepo) GetSession(_ context.Context, id string) (*models.TestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) ListSessions(context.Context, int, int) ([]models.TestSession, error) {
	return nil, nil
}

func (m *memRepo) ListSamples(context.Context, string, int, int) ([]models.Sample, error) {
	return nil, nil
}

func (m *memRepo) InsertCmdLog(_ context.Context, l *models.CmdLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmdLogs = append(m.cmdLogs, *l)
	return nil
}

func (m *memRepo) AutoMigrate(context.Context) error { return nil }

type memWriter struct {
	mu   sync.Mutex
	rows []models.Sample
}

func (w *memWriter) WriteSamples(_ context.Context, rows []models.Sample) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, rows...)
	return int64(len(rows)), nil
}

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func sample(force, disp float64, valid bool, stress, strain float64) telemetry.Sample {
	s := telemetry.Sample{
		Timestamp:      time.Now(),
		ForceN:         force,
		DisplacementMM: disp,
		StateName:      "closing",
	}
	if valid {
		s.DerivedValid = true
		s.StressMPa = stress
		s.StrainPct = strain
	}
	return s
}

func newTestRecorder(t *testing.T) (*Recorder, *memRepo, *memWriter, *dispatch.Dispatcher) {
	t.Helper()
	repo := newMemRepo()
	writer := &memWriter{}
	disp := dispatch.New(config.DispatchConfig{
		AckTimeout: 100 * time.Millisecond, RetryMax: 1, QueueSize: 8, RatePerSec: 100, Burst: 10,
	}, utm.DefaultFaultMap(), nil, zap.NewNop())
	// 审计用例要提交普通指令，调度器需处于收单状态
	disp.SetAccepting(true)
	r := New(repo, writer, disp, zap.NewNop())
	t.Cleanup(r.Close)
	return r, repo, writer, disp
}

func TestRecorder_SessionLifecycleAndStats(t *testing.T) {
	r, _, writer, _ := newTestRecorder(t)
	ctx := context.Background()

	s, err := r.StartSession(ctx, "tensile-7075", "AA7075-T6", telemetry.Geometry{AreaMM2: 10, GaugeLengthMM: 25})
	require.NoError(t, err)
	require.Equal(t, models.SessionRunning, s.Status)
	require.NotNil(t, s.SpecimenAreaMM2)
	require.Equal(t, 10.0, *s.SpecimenAreaMM2)

	r.Ingest(sample(100, 1.0, true, 10, 4))
	r.Ingest(sample(300, 2.5, true, 30, 10))
	r.Ingest(sample(200, 2.0, true, 20, 8))

	got, err := r.FinishSession(ctx)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, got.Status)
	require.Equal(t, int64(3), got.SampleCount)
	require.Equal(t, 300.0, *got.MaxForceN)
	require.Equal(t, 100.0, *got.MinForceN)
	require.Equal(t, 200.0, *got.AvgForceN)
	require.Equal(t, 2.5, *got.MaxDispMM)
	require.Equal(t, 30.0, *got.MaxStressMPa)
	require.Equal(t, 10.0, *got.MaxStrainPct)
	require.NotNil(t, got.EndedAt)

	require.Equal(t, 3, writer.count())
}

func TestRecorder_SingleActiveSession(t *testing.T) {
	r, _, _, _ := newTestRecorder(t)
	ctx := context.Background()

	_, err := r.StartSession(ctx, "", "", telemetry.Geometry{})
	require.NoError(t, err)
	_, err = r.StartSession(ctx, "", "", telemetry.Geometry{})
	require.ErrorIs(t, err, ErrSessionActive)

	_, err = r.FinishSession(ctx)
	require.NoError(t, err)
	_, err = r.FinishSession(ctx)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestRecorder_IgnoresSamplesOutsideSession(t *testing.T) {
	r, _, writer, _ := newTestRecorder(t)

	r.Ingest(sample(50, 0.5, false, 0, 0))
	time.Sleep(flushInterval + 100*time.Millisecond)
	require.Equal(t, 0, writer.count())
}

func TestRecorder_LinkLostInterruptsAndQueuesStop(t *testing.T) {
	r, repo, _, disp := newTestRecorder(t)
	ctx := context.Background()

	s, err := r.StartSession(ctx, "", "", telemetry.Geometry{})
	require.NoError(t, err)

	// 断链场景：调度器已停收普通指令，急停仍需被接受
	disp.SetAccepting(false)
	r.HandleLinkLost(ctx)

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionInterrupted, got.Status)
	require.NotNil(t, got.InterruptNote)
	require.Equal(t, "link lost", *got.InterruptNote)

	require.Equal(t, 1, disp.PendingCount())
}

func TestRecorder_CmdLogAudit(t *testing.T) {
	r, repo, _, disp := newTestRecorder(t)

	h, err := disp.Submit(utm.Command{Type: utm.CmdOpen})
	require.NoError(t, err)
	r.LogCommand(h)

	// 模拟链路丢失判死，句柄终态后审计应落库
	disp.FailAll(dispatch.ErrLinkLost)
	<-h.Done()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		repo.mu.Lock()
		n := len(repo.cmdLogs)
		repo.mu.Unlock()
		if n == 1 {
			repo.mu.Lock()
			l := repo.cmdLogs[0]
			repo.mu.Unlock()
			require.Equal(t, "open", l.Command)
			require.Equal(t, "linklost", l.Result)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cmd log not written")
}
