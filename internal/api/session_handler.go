package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mechtest/utmlink/internal/recorder"
	"github.com/mechtest/utmlink/internal/storage"
)

const exportPageSize = 2000

type startSessionRequest struct {
	Name     string `json:"name"`
	Material string `json:"material"`
}

// StartSession 开启试验会话（试样几何在此刻快照入会话）
func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
	}
	s, err := h.rec.StartSession(c.Request.Context(), req.Name, req.Material, h.geometry.Get())
	if err != nil {
		switch {
		case errors.Is(err, recorder.ErrStorageDisabled):
			c.JSON(501, gin.H{"error": err.Error()})
		case errors.Is(err, recorder.ErrSessionActive):
			c.JSON(409, gin.H{"error": err.Error()})
		default:
			c.JSON(500, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(201, s)
}

// FinishSession 结束当前会话并返回汇总统计
func (h *Handler) FinishSession(c *gin.Context) {
	s, err := h.rec.FinishSession(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, recorder.ErrStorageDisabled):
			c.JSON(501, gin.H{"error": err.Error()})
		case errors.Is(err, recorder.ErrNoSession):
			c.JSON(409, gin.H{"error": err.Error()})
		default:
			c.JSON(500, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(200, s)
}

// ListSessions 分页返回历史会话
func (h *Handler) ListSessions(c *gin.Context) {
	if h.repo == nil {
		c.JSON(501, gin.H{"error": "database storage disabled"})
		return
	}
	limit, offset := parsePage(c, 50)
	list, err := h.repo.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"sessions": list, "active": h.rec.ActiveSession()})
}

// GetSession 按 ID 查询会话
func (h *Handler) GetSession(c *gin.Context) {
	if h.repo == nil {
		c.JSON(501, gin.H{"error": "database storage disabled"})
		return
	}
	s, err := h.repo.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(404, gin.H{"error": "session not found"})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, s)
}

// ExportSessionCSV 导出会话样本为 CSV，按页流式拉取避免整表进内存
func (h *Handler) ExportSessionCSV(c *gin.Context) {
	if h.repo == nil {
		c.JSON(501, gin.H{"error": "database storage disabled"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.repo.GetSession(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(404, gin.H{"error": "session not found"})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "session-"+id+".csv"))

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{
		"timestamp", "seq", "force_n", "displacement_mm", "state", "stress_mpa", "strain_pct",
	})

	offset := 0
	for {
		rows, err := h.repo.ListSamples(ctx, id, exportPageSize, offset)
		if err != nil {
			h.logger.Error("csv export aborted", zap.Error(err))
			return
		}
		for _, r := range rows {
			rec := []string{
				r.At.Format(time.RFC3339Nano),
				strconv.Itoa(int(r.Seq)),
				strconv.FormatFloat(r.ForceN, 'f', -1, 64),
				strconv.FormatFloat(r.DispMM, 'f', -1, 64),
				r.State,
				"", "",
			}
			if r.StressMPa != nil {
				rec[5] = strconv.FormatFloat(*r.StressMPa, 'f', -1, 64)
			}
			if r.StrainPct != nil {
				rec[6] = strconv.FormatFloat(*r.StrainPct, 'f', -1, 64)
			}
			if err := w.Write(rec); err != nil {
				return
			}
		}
		if len(rows) < exportPageSize {
			break
		}
		offset += exportPageSize
		w.Flush()
	}
	w.Flush()
}
