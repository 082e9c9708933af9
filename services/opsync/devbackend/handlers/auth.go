// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/opsync/pkg/extensions"
	"github.com/AleutianAI/opsync/pkg/telemetry"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/middleware"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/store"
	"github.com/AleutianAI/opsync/services/opsync/model"
)

// HandleLogin exchanges an email and password for a bearer token.
//
// # Description
//
// Binds model.LoginRequest (binding tags reject a missing or malformed
// email with 400) and checks the password. Both failures answer with
// {"ok": false, "error": <message>} so the client can show the message
// verbatim. Bad credentials are 400, not 401: the caller has no session
// to expire.
//
// # Outputs
//
//   - 200 model.LoginResponse{OK: true, Token, User}
//   - 400 model.LoginResponse{OK: false, Error}
func HandleLogin(s *store.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req model.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, model.LoginResponse{Error: "Email and password are required"})
			return
		}

		token, user, err := s.Authenticate(req.Email, req.Password)
		if err != nil {
			logAudit(c, audit, extensions.AuditEvent{
				EventType: "auth.login",
				Action:    "login",
				Outcome:   extensions.OutcomeFailure,
			})
			c.JSON(http.StatusBadRequest, model.LoginResponse{Error: err.Error()})
			return
		}

		logAudit(c, audit, extensions.AuditEvent{
			EventType: "auth.login",
			UserID:    user.ID.String(),
			Action:    "login",
			Outcome:   extensions.OutcomeSuccess,
		})
		c.JSON(http.StatusOK, model.LoginResponse{OK: true, Token: token, User: &user})
	}
}

// HandleMe returns the profile behind the request's token.
func HandleMe(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := s.UserForToken(middleware.ExtractBearerToken(c))
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusOK, model.MeResponse{OK: true, User: &user})
	}
}

// HandleLogout revokes the request's token.
func HandleLogout(s *store.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.Revoke(middleware.ExtractBearerToken(c))
		ev := extensions.AuditEvent{EventType: "auth.logout", Action: "logout", Outcome: extensions.OutcomeSuccess}
		if info := middleware.GetAuthInfo(c); info != nil {
			ev.UserID = info.UserID
		}
		logAudit(c, audit, ev)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func logAudit(c *gin.Context, audit extensions.AuditLogger, ev extensions.AuditEvent) {
	ev.TraceID = telemetry.TraceID(c)
	if err := audit.Log(c.Request.Context(), ev); err != nil {
		slog.Warn("audit log failed", "event", ev.EventType, "error", err)
	}
}
