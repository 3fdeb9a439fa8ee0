// Copyright (C) 2025 Cyril Zhao (cyril@formlink.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the form server API onto a gin router.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyrilzhao/formlink/pkg/logging"
	"github.com/cyrilzhao/formlink/services/formserver/handlers"
	"github.com/cyrilzhao/formlink/services/formserver/registry"
	"github.com/cyrilzhao/formlink/services/formserver/session"
)

// SetupRoutes registers all endpoints.
func SetupRoutes(router *gin.Engine, manager *session.Manager, schemas *registry.Registry,
	gatherer prometheus.Gatherer, logger *logging.Logger) {

	router.GET("/health", handlers.HealthCheck)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/schemas/check", handlers.CheckSchema())

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handlers.CreateSession(manager, schemas))
			sessions.GET("", handlers.ListSessions(manager))
			sessions.GET("/:id/state", handlers.GetSessionState(manager))
			sessions.GET("/:id/values", handlers.GetSessionValues(manager))
			sessions.PATCH("/:id/values", handlers.PatchSessionValue(manager))
			sessions.GET("/:id/ws", handlers.SessionWebSocket(manager, logger))
			sessions.DELETE("/:id", handlers.DeleteSession(manager))
		}
	}
}
