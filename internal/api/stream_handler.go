package api

import (
	"io"

	"github.com/gin-gonic/gin"
)

// StreamTelemetry SSE 遥测流。每条样本一个 sample 事件；
// 链路断开导致当前流终止时发送 end 事件并关闭连接，
// 客户端据此感知“本条流已结束”，重连后重新订阅得到新流。
func (h *Handler) StreamTelemetry(c *gin.Context) {
	sub := h.samples.Subscribe()
	defer sub.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case s, ok := <-sub.C:
			if !ok {
				c.SSEvent("end", gin.H{"reason": "stream closed"})
				return false
			}
			c.SSEvent("sample", s)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// StreamEvents SSE 机器事件流（按键、故障、状态与链路变化）
func (h *Handler) StreamEvents(c *gin.Context) {
	sub := h.events.Subscribe()
	defer sub.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				c.SSEvent("end", gin.H{"reason": "stream closed"})
				return false
			}
			c.SSEvent("event", ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
