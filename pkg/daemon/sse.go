package daemon

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlie0129/rfof/pkg/events"
)

const sseKeepAlive = 15 * time.Second

// streamEvents forwards hub events to the client as server-sent events
// until it goes away.
func streamEvents(c *gin.Context) {
	ch := sseHub.Subscribe()
	defer sseHub.Unsubscribe(ch)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent(events.StreamOpen, "{}")
	c.Writer.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		case <-ticker.C:
			c.SSEvent("ping", "{}")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
