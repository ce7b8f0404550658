// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers every endpoint on router.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	if s.cfg.APIKey != "" {
		v1.Use(requireAPIKey(s.cfg.APIKey))
	}
	{
		chat := v1.Group("/chat")
		chat.POST("/stream", s.HandleChatStream)
		chat.GET("/ws", s.HandleChatWebSocket)
		chat.POST("/aggregate", s.HandleAggregate)

		chat.GET("/live/stream", s.HandleLiveStream)
		chat.POST("/live/message", s.HandleLiveMessage)
		chat.GET("/live/rooms", s.HandleLiveRooms)
		chat.GET("/live/room-stats", s.HandleLiveRoomStats)

		v1.POST("/rag/search", s.HandleRAGSearch)
		v1.POST("/rag/memories/search", s.HandleMemorySearch)
		v1.POST("/memories/:userId/batch", s.HandleMemoryBatch)

		v1.POST("/images/chat-upload", s.HandleImageUpload)
		v1.GET("/images/:key", s.HandleImageGet)
	}
}

// requireAPIKey rejects requests whose X-API-KEY header does not match.
// Image GETs stay public so uploaded URLs render in the page.
func requireAPIKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && c.FullPath() == "/api/v1/images/:key" {
			c.Next()
			return
		}
		got := []byte(c.GetHeader("X-API-KEY"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}
