package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/dispatch"
	"github.com/mechtest/utmlink/internal/protocol/utm"
	"github.com/mechtest/utmlink/internal/storage"
	"github.com/mechtest/utmlink/internal/storage/models"
	"github.com/mechtest/utmlink/internal/telemetry"
)

var (
	// ErrSessionActive 已有会话在进行中
	ErrSessionActive = errors.New("a test session is already running")
	// ErrNoSession 当前没有进行中的会话
	ErrNoSession = errors.New("no test session is running")
	// ErrStorageDisabled 未启用数据库，会话功能不可用
	ErrStorageDisabled = errors.New("session recording requires database storage")
)

const (
	flushBatch    = 256
	flushInterval = 500 * time.Millisecond
	inboxSize     = 4096
)

// stats 会话内流式累积的统计量
type stats struct {
	count     int64
	sumForce  float64
	maxForce  float64
	minForce  float64
	maxDisp   float64
	minDisp   float64
	maxStress float64
	maxStrain float64
	derived   bool
}

func (a *stats) observe(s telemetry.Sample) {
	if a.count == 0 {
		a.maxForce, a.minForce = s.ForceN, s.ForceN
		a.maxDisp, a.minDisp = s.DisplacementMM, s.DisplacementMM
	} else {
		if s.ForceN > a.maxForce {
			a.maxForce = s.ForceN
		}
		if s.ForceN < a.minForce {
			a.minForce = s.ForceN
		}
		if s.DisplacementMM > a.maxDisp {
			a.maxDisp = s.DisplacementMM
		}
		if s.DisplacementMM < a.minDisp {
			a.minDisp = s.DisplacementMM
		}
	}
	a.count++
	a.sumForce += s.ForceN
	if s.DerivedValid {
		a.derived = true
		if s.StressMPa > a.maxStress {
			a.maxStress = s.StressMPa
		}
		if s.StrainPct > a.maxStrain {
			a.maxStrain = s.StrainPct
		}
	}
}

func (a *stats) snapshot() storage.SessionStats {
	out := storage.SessionStats{SampleCount: a.count}
	if a.count == 0 {
		return out
	}
	avg := a.sumForce / float64(a.count)
	out.MaxForceN = f64p(a.maxForce)
	out.MinForceN = f64p(a.minForce)
	out.AvgForceN = f64p(avg)
	out.MaxDispMM = f64p(a.maxDisp)
	out.MinDispMM = f64p(a.minDisp)
	if a.derived {
		out.MaxStressMPa = f64p(a.maxStress)
		out.MaxStrainPct = f64p(a.maxStrain)
	}
	return out
}

func f64p(v float64) *float64 { return &v }

// Recorder 试验会话归档器。
// 链路 worker 的每条样本经 Ingest 投入 inbox，后台批量落库，
// 采样路径上绝不做同步 I/O。
type Recorder struct {
	repo   storage.SessionRepo
	writer storage.SampleWriter
	disp   *dispatch.Dispatcher
	log    *zap.Logger

	// inbox 中的行在 Ingest 时已盖上会话 ID，落库时不再回查当前会话
	inbox    chan models.Sample
	flushReq chan chan struct{}

	mu        sync.Mutex
	sessionID string
	agg       stats

	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建归档器。repo/writer 为 nil 时会话功能禁用，其余功能不受影响。
func New(repo storage.SessionRepo, writer storage.SampleWriter, disp *dispatch.Dispatcher, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		repo:     repo,
		writer:   writer,
		disp:     disp,
		log:      log,
		inbox:    make(chan models.Sample, inboxSize),
		flushReq: make(chan chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.flushLoop(ctx)
	return r
}

// Enabled 是否可用（数据库已接入）
func (r *Recorder) Enabled() bool { return r.repo != nil && r.writer != nil }

// ActiveSession 当前进行中的会话 ID，无会话返回空串
func (r *Recorder) ActiveSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// StartSession 开启新会话，记录当时的试样几何快照
func (r *Recorder) StartSession(ctx context.Context, name, material string, g telemetry.Geometry) (*models.TestSession, error) {
	if !r.Enabled() {
		return nil, ErrStorageDisabled
	}
	r.mu.Lock()
	if r.sessionID != "" {
		r.mu.Unlock()
		return nil, ErrSessionActive
	}
	r.mu.Unlock()

	s := &models.TestSession{
		ID:        uuid.New().String(),
		Status:    models.SessionRunning,
		StartedAt: time.Now(),
	}
	if name != "" {
		s.Name = &name
	}
	if material != "" {
		s.SpecimenMaterial = &material
	}
	if g.Set() {
		s.SpecimenAreaMM2 = f64p(g.AreaMM2)
		s.SpecimenGaugeMM = f64p(g.GaugeLengthMM)
	}
	if err := r.repo.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessionID = s.ID
	r.agg = stats{}
	r.mu.Unlock()

	r.log.Info("test session started", zap.String("session", s.ID))
	return s, nil
}

// FinishSession 正常结束当前会话并回填统计
func (r *Recorder) FinishSession(ctx context.Context) (*models.TestSession, error) {
	return r.endSession(ctx, models.SessionCompleted, "")
}

// Ingest 链路 worker 的样本入口，不阻塞：inbox 满则丢弃该样本
func (r *Recorder) Ingest(s telemetry.Sample) {
	r.mu.Lock()
	id := r.sessionID
	if id != "" {
		r.agg.observe(s)
	}
	r.mu.Unlock()
	if id == "" {
		return
	}
	select {
	case r.inbox <- toRow(id, s):
	default:
		r.log.Warn("sample inbox full, sample dropped")
	}
}

// HandleLinkLost 链路丢失的安全处置：中断当前会话，
// 并提交一条急停指令；夹头在无人监督下继续运动是不可接受的。
// 急停在断链时也被调度器接收，重连成功后立即下发。
func (r *Recorder) HandleLinkLost(ctx context.Context) {
	if r.disp != nil {
		if _, err := r.disp.Submit(utm.Command{Type: utm.CmdStop}); err != nil {
			r.log.Error("failed to queue safety stop", zap.Error(err))
		} else {
			r.log.Warn("safety stop queued after link loss")
		}
	}
	if _, err := r.endSession(ctx, models.SessionInterrupted, "link lost"); err != nil && !errors.Is(err, ErrNoSession) {
		r.log.Error("failed to mark session interrupted", zap.Error(err))
	}
}

// LogCommand 指令终态后写入审计日志（后台等待句柄解析）
func (r *Recorder) LogCommand(h *dispatch.Handle) {
	if !r.Enabled() {
		return
	}
	go func() {
		<-h.Done()
		st := h.Snapshot()
		l := &models.CmdLog{
			HandleID: st.ID,
			Command:  st.Command,
			Seq:      int32(st.Seq),
			Attempts: int32(st.Attempts),
			Result:   resultOf(h.Err()),
		}
		var fwErr *dispatch.FirmwareError
		if errors.As(h.Err(), &fwErr) {
			code := int32(fwErr.Code)
			l.ErrCode = &code
		}
		if d := h.Latency(); d > 0 {
			ms := int32(d.Milliseconds())
			l.DurationMs = &ms
		}
		if sid := r.ActiveSession(); sid != "" {
			l.SessionID = &sid
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.repo.InsertCmdLog(ctx, l); err != nil {
			r.log.Warn("cmd log insert failed", zap.Error(err))
		}
	}()
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "acked"
	case errors.Is(err, dispatch.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, dispatch.ErrLinkLost):
		return "linklost"
	default:
		return "failed"
	}
}

// Close 停止后台落库并刷出残余样本
func (r *Recorder) Close() {
	r.cancel()
	<-r.done
}

// endSession 结束会话：刷空 inbox、回填统计、写终态
func (r *Recorder) endSession(ctx context.Context, status, note string) (*models.TestSession, error) {
	if !r.Enabled() {
		return nil, ErrStorageDisabled
	}
	r.mu.Lock()
	id := r.sessionID
	agg := r.agg
	r.sessionID = ""
	r.mu.Unlock()
	if id == "" {
		return nil, ErrNoSession
	}

	r.flushNow()

	var notep *string
	if note != "" {
		notep = &note
	}
	if err := r.repo.FinishSession(ctx, id, status, notep, time.Now(), agg.snapshot()); err != nil {
		return nil, err
	}
	r.log.Info("test session finished",
		zap.String("session", id),
		zap.String("status", status),
		zap.Int64("samples", agg.count))
	return r.repo.GetSession(ctx, id)
}

// flushNow 让后台落库循环同步清空 inbox 与在手批次
func (r *Recorder) flushNow() {
	ack := make(chan struct{})
	select {
	case r.flushReq <- ack:
		<-ack
	case <-r.done:
	}
}

// flushLoop 后台批量落库：满批或到周期即写
func (r *Recorder) flushLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]models.Sample, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.write(wctx, batch)
		cancel()
		batch = batch[:0]
	}
	drainInbox := func() {
		for {
			select {
			case row := <-r.inbox:
				batch = append(batch, row)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drainInbox()
			flush()
			return
		case <-ticker.C:
			flush()
		case ack := <-r.flushReq:
			drainInbox()
			flush()
			close(ack)
		case row := <-r.inbox:
			batch = append(batch, row)
			if len(batch) >= flushBatch {
				flush()
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, rows []models.Sample) {
	n, err := r.writer.WriteSamples(ctx, rows)
	if err != nil {
		r.log.Error("sample batch write failed",
			zap.Int("rows", len(rows)), zap.Error(err))
		return
	}
	r.log.Debug("sample batch written", zap.Int64("rows", n))
}

func toRow(sessionID string, s telemetry.Sample) models.Sample {
	row := models.Sample{
		SessionID: sessionID,
		Seq:       int32(s.Seq),
		At:        s.Timestamp,
		ForceN:    s.ForceN,
		DispMM:    s.DisplacementMM,
		State:     s.StateName,
	}
	if s.DerivedValid {
		row.StressMPa = f64p(s.StressMPa)
		row.StrainPct = f64p(s.StrainPct)
	}
	return row
}
