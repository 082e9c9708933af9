// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/opsync/pkg/extensions"
	"github.com/AleutianAI/opsync/pkg/telemetry"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/handlers"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/middleware"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/store"
)

// Deps are everything the routes need.
type Deps struct {
	Store   *store.Store
	APIKeys []string
	Shape   handlers.ListShape
	Opts    extensions.ServiceOptions
	Metrics *telemetry.ServerMetrics

	// DevRoutes registers /_dev/* fault injection endpoints.
	DevRoutes bool
}

func SetupRoutes(router *gin.Engine, d Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	keyed := router.Group("/")
	keyed.Use(middleware.APIKeyMiddleware(d.APIKeys, d.Metrics))

	keyed.POST("/auth/login", handlers.HandleLogin(d.Store, d.Opts.AuditLogger))

	authed := keyed.Group("/")
	authed.Use(middleware.AuthMiddleware(d.Opts.AuthProvider, d.Metrics))
	{
		authed.GET("/auth/me", handlers.HandleMe(d.Store))
		authed.POST("/auth/logout", handlers.HandleLogout(d.Store, d.Opts.AuditLogger))

		deps := handlers.EntityDeps{
			Store: d.Store,
			Shape: d.Shape,
			Authz: d.Opts.AuthzProvider,
			Audit: d.Opts.AuditLogger,
		}
		api := authed.Group("/api")
		{
			api.GET("/:entity", handlers.HandleList(deps))
			api.POST("/:entity", handlers.HandleCreate(deps))
			api.PUT("/:entity/:id", handlers.HandleUpdate(deps))
			api.DELETE("/:entity/:id", handlers.HandleDelete(deps))
		}
	}

	if d.DevRoutes {
		dev := keyed.Group("/_dev")
		dev.POST("/faults", handlers.HandleInjectFaults(d.Store))
		dev.POST("/sessions/revoke", handlers.HandleRevokeSessions(d.Store))
	}
}
