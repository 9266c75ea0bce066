package api

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/config"
	"github.com/mechtest/utmlink/internal/dispatch"
	"github.com/mechtest/utmlink/internal/link"
	"github.com/mechtest/utmlink/internal/protocol/utm"
	"github.com/mechtest/utmlink/internal/recorder"
	"github.com/mechtest/utmlink/internal/serialport"
	"github.com/mechtest/utmlink/internal/storage"
	"github.com/mechtest/utmlink/internal/telemetry"
)

// 句柄缓存上限：超过后按提交顺序淘汰最旧的
const handleCacheSize = 256

// Handler 控制与查询 API 处理器
type Handler struct {
	link     *link.Manager
	disp     *dispatch.Dispatcher
	rec      *recorder.Recorder
	repo     storage.SessionRepo // 可为 nil（未启用数据库）
	geometry *telemetry.GeometryStore
	samples  *telemetry.Hub[telemetry.Sample]
	events   *telemetry.Hub[telemetry.MachineEvent]
	safety   config.SafetyConfig
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]*dispatch.Handle
	order   []string
}

// NewHandler 创建API处理器
func NewHandler(
	lm *link.Manager,
	disp *dispatch.Dispatcher,
	rec *recorder.Recorder,
	repo storage.SessionRepo,
	geometry *telemetry.GeometryStore,
	samples *telemetry.Hub[telemetry.Sample],
	events *telemetry.Hub[telemetry.MachineEvent],
	safety config.SafetyConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		link:     lm,
		disp:     disp,
		rec:      rec,
		repo:     repo,
		geometry: geometry,
		samples:  samples,
		events:   events,
		safety:   safety,
		logger:   logger,
		handles:  make(map[string]*dispatch.Handle),
	}
}

// remember 缓存句柄供 GET /commands/:id 查询
func (h *Handler) remember(hd *dispatch.Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handles[hd.ID] = hd
	h.order = append(h.order, hd.ID)
	for len(h.order) > handleCacheSize {
		delete(h.handles, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *Handler) lookup(id string) (*dispatch.Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hd, ok := h.handles[id]
	return hd, ok
}

// ListPorts 枚举候选串口；?all=1 返回全部而非仅 Arduino 口
func (h *Handler) ListPorts(c *gin.Context) {
	ports, err := serialport.List()
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	if c.Query("all") != "1" {
		ports = serialport.FilterArduino(ports)
	}
	c.JSON(200, gin.H{"ports": ports})
}

type connectRequest struct {
	Port string `json:"port"`
	Baud int    `json:"baud"`
}

// Connect 打开串口链路
func (h *Handler) Connect(c *gin.Context) {
	// body 可省略：端口与波特率走配置默认值
	var req connectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.link.Connect(req.Port, req.Baud); err != nil {
		if errors.Is(err, link.ErrAlreadyConnected) {
			c.JSON(409, gin.H{"error": err.Error()})
			return
		}
		c.JSON(502, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, h.link.Snapshot())
}

// Disconnect 主动断开链路
func (h *Handler) Disconnect(c *gin.Context) {
	if err := h.link.Disconnect(); err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, h.link.Snapshot())
}

// LinkInfo 链路状态快照
func (h *Handler) LinkInfo(c *gin.Context) {
	c.JSON(200, h.link.Snapshot())
}

type commandRequest struct {
	Command  string `json:"command" binding:"required"`
	SpeedRPM int    `json:"speed_rpm"`
	Channel  string `json:"channel"`
	// WaitMs >0 时同步等待终态（上限 10s），否则立即返回 pending 句柄
	WaitMs int `json:"wait_ms"`
}

// SubmitCommand 下发指令，返回句柄状态
func (h *Handler) SubmitCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	ct, err := utm.ParseCommandType(req.Command)
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	cmd := utm.Command{Type: ct}
	switch ct {
	case utm.CmdSetSpeed:
		rpm := req.SpeedRPM
		if rpm == 0 {
			rpm = h.safety.DefaultSpeedRPM
		}
		if rpm < h.safety.MinSpeedRPM || rpm > h.safety.MaxSpeedRPM {
			c.JSON(400, gin.H{"error": "speed_rpm out of range",
				"min": h.safety.MinSpeedRPM, "max": h.safety.MaxSpeedRPM})
			return
		}
		cmd.SpeedRPM = uint16(rpm)
	case utm.CmdZero:
		switch req.Channel {
		case "load":
			cmd.Channel = utm.ZeroChannelLoad
		case "position":
			cmd.Channel = utm.ZeroChannelPosition
		case "", "all":
			cmd.Channel = utm.ZeroChannelAll
		default:
			c.JSON(400, gin.H{"error": "channel must be load, position or all"})
			return
		}
	}

	h.submit(c, cmd, req.WaitMs)
}

// Stop 急停快捷入口：独立路由，不经过指令解析
func (h *Handler) Stop(c *gin.Context) {
	h.submit(c, utm.Command{Type: utm.CmdStop}, 0)
}

func (h *Handler) submit(c *gin.Context, cmd utm.Command, waitMs int) {
	hd, err := h.disp.Submit(cmd)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNotConnected):
			c.JSON(409, gin.H{"error": err.Error()})
		case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrRateLimited):
			c.JSON(429, gin.H{"error": err.Error()})
		default:
			c.JSON(500, gin.H{"error": err.Error()})
		}
		return
	}
	h.remember(hd)
	if h.rec != nil && h.rec.Enabled() {
		h.rec.LogCommand(hd)
	}

	if waitMs > 0 {
		if waitMs > 10000 {
			waitMs = 10000
		}
		select {
		case <-hd.Done():
		case <-time.After(time.Duration(waitMs) * time.Millisecond):
		case <-c.Request.Context().Done():
		}
	}
	st := hd.Snapshot()
	code := 202
	if st.State == "acked" {
		code = 200
	} else if st.State == "failed" {
		code = 502
	}
	c.JSON(code, st)
}

// CommandStatus 查询已提交指令的状态
func (h *Handler) CommandStatus(c *gin.Context) {
	hd, ok := h.lookup(c.Param("id"))
	if !ok {
		c.JSON(404, gin.H{"error": "unknown command handle"})
		return
	}
	c.JSON(200, hd.Snapshot())
}

// GetSpecimen 当前试样几何
func (h *Handler) GetSpecimen(c *gin.Context) {
	g := h.geometry.Get()
	c.JSON(200, gin.H{"geometry": g, "set": g.Set()})
}

// PutSpecimen 登记试样几何；面积与标距必须为正
func (h *Handler) PutSpecimen(c *gin.Context) {
	var g telemetry.Geometry
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	if !g.Set() {
		c.JSON(400, gin.H{"error": "area_mm2 and gauge_length_mm must both be positive"})
		return
	}
	h.geometry.Update(g)
	h.logger.Info("specimen geometry updated",
		zap.Float64("area_mm2", g.AreaMM2),
		zap.Float64("gauge_mm", g.GaugeLengthMM))
	c.JSON(200, gin.H{"geometry": g, "set": true})
}

func parsePage(c *gin.Context, defLimit int) (limit, offset int) {
	limit = defLimit
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			limit = vv
		}
	}
	if v := c.Query("offset"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			offset = vv
		}
	}
	return limit, offset
}
