package sse

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ServeSSE 返回处理 SSE（Server-Sent Events）连接的 gin handler。
// 通过查询参数 `userid` 订阅该用户的生成任务状态事件，例如 `/events?userid=12345`。
func ServeSSE(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		topic := c.Query("userid")
		if topic == "" {
			c.String(http.StatusBadRequest, "missing topic")
			return
		}

		// SSE 必要的响应头，确保浏览器或代理以流式方式处理
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.String(http.StatusInternalServerError, "streaming unsupported")
			return
		}

		// 每个连接专用的消息通道（缓冲 16），接收 hub 转发的事件
		msgCh := make(chan []byte, 16)
		h.Subscribe(msgCh, topic)
		defer h.Unsubscribe(msgCh, topic)

		notify := c.Request.Context().Done()
		// 发送一个注释作为初次握手/保活，部分代理需要保持连接活跃
		fmt.Fprintf(c.Writer, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-notify:
				return
			case msg := <-msgCh:
				fmt.Fprintf(c.Writer, "data: %s\n\n", msg)
				flusher.Flush()
			}
		}
	}
}
