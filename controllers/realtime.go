package controllers

import (
	"fanbase/bridge"
	"fanbase/realtime"

	"github.com/gin-gonic/gin"
)

type StreamController struct {
	hub    *realtime.Hub
	bridge *bridge.Bridge
}

func NewStreamController(hub *realtime.Hub, b *bridge.Bridge) *StreamController {
	return &StreamController{hub: hub, bridge: b}
}

// Changes streams the caller's change events. ?topic= may be repeated to
// narrow the feed; no topic means all topics.
func (c *StreamController) Changes(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	c.hub.ServeWS(ctx.Writer, ctx.Request, userID, ctx.QueryArray("topic"))
}

func (c *StreamController) Events(ctx *gin.Context) {
	c.bridge.ServeWS(ctx.Writer, ctx.Request)
}
