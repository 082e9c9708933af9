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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/opsync/services/opsync/devbackend/store"
)

// FaultRequest is the body of POST /_dev/faults.
type FaultRequest struct {
	Collection string `json:"collection" binding:"required"`
	Count      int    `json:"count" binding:"min=0,max=1000"`
}

// HandleInjectFaults makes the next Count mutations of a collection fail
// with 500, to watch optimistic changes roll back.
func HandleInjectFaults(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FaultRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.InjectFailures(req.Collection, req.Count)
		c.JSON(http.StatusOK, gin.H{"ok": true, "collection": req.Collection, "count": req.Count})
	}
}

// HandleRevokeSessions invalidates every token, as a backend restart
// would; clients see 401 on their next call.
func HandleRevokeSessions(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.RevokeAll()
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
