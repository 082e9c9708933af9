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
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/opsync/pkg/extensions"
	"github.com/AleutianAI/opsync/pkg/validation"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/middleware"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/store"
)

// ListShape selects how list and record responses are wrapped.
type ListShape string

const (
	// ShapeArray sends a bare array, and a bare record.
	ShapeArray ListShape = "array"

	// ShapeData wraps in {"data": ...}.
	ShapeData ListShape = "data"

	// ShapeEntity wraps in {"<collection>": ...}.
	ShapeEntity ListShape = "entity"
)

// ParseListShape validates a shape name. Empty means ShapeData.
func ParseListShape(s string) (ListShape, error) {
	switch ListShape(s) {
	case "":
		return ShapeData, nil
	case ShapeArray, ShapeData, ShapeEntity:
		return ListShape(s), nil
	default:
		return "", fmt.Errorf("unknown list shape %q (want array, data or entity)", s)
	}
}

func (s ListShape) wrap(collection string, v any) any {
	switch s {
	case ShapeArray:
		return v
	case ShapeEntity:
		return gin.H{collection: v}
	default:
		return gin.H{"data": v}
	}
}

// EntityDeps are shared by the collection handlers.
type EntityDeps struct {
	Store *store.Store
	Shape ListShape
	Authz extensions.AuthzProvider
	Audit extensions.AuditLogger
}

// HandleList serves GET /api/:entity.
func HandleList(d EntityDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := d.admit(c, "read", "")
		if !ok {
			return
		}
		c.JSON(http.StatusOK, d.Shape.wrap(name, d.Store.List(name)))
	}
}

// HandleCreate serves POST /api/:entity. The body is the new record's
// fields; the response carries the stored record with its server id.
func HandleCreate(d EntityDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := d.admit(c, "create", "")
		if !ok {
			return
		}
		fields, ok := bindFields(c)
		if !ok {
			return
		}
		rec, err := d.Store.Create(name, fields)
		if err != nil {
			d.fail(c, "create", name, "", err)
			return
		}
		d.audit(c, "create", name, fmt.Sprint(rec["id"]), extensions.OutcomeSuccess)
		c.JSON(http.StatusCreated, d.Shape.wrap(name, rec))
	}
}

// HandleUpdate serves PUT /api/:entity/:id.
func HandleUpdate(d EntityDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		name, ok := d.admit(c, "update", id)
		if !ok {
			return
		}
		fields, ok := bindFields(c)
		if !ok {
			return
		}
		rec, err := d.Store.Update(name, id, fields)
		if err != nil {
			d.fail(c, "update", name, id, err)
			return
		}
		d.audit(c, "update", name, id, extensions.OutcomeSuccess)
		c.JSON(http.StatusOK, d.Shape.wrap(name, rec))
	}
}

// HandleDelete serves DELETE /api/:entity/:id.
func HandleDelete(d EntityDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		name, ok := d.admit(c, "delete", id)
		if !ok {
			return
		}
		if err := d.Store.Delete(name, id); err != nil {
			d.fail(c, "delete", name, id, err)
			return
		}
		d.audit(c, "delete", name, id, extensions.OutcomeSuccess)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// admit checks the collection name and authorizes the action.
func (d EntityDeps) admit(c *gin.Context, action, id string) (string, bool) {
	name := c.Param("entity")
	if validation.ValidateCollection(name) != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown collection"})
		return "", false
	}
	if id != "" && validation.ValidateRecordID(id) != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return "", false
	}
	err := d.Authz.Authorize(c.Request.Context(), extensions.AuthzRequest{
		User:       middleware.GetAuthInfo(c),
		Action:     action,
		Collection: name,
		ResourceID: id,
	})
	if err != nil {
		d.audit(c, action, name, id, extensions.OutcomeBlocked)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "You do not have permission to do that"})
		return "", false
	}
	return name, true
}

func (d EntityDeps) fail(c *gin.Context, action, name, id string, err error) {
	d.audit(c, action, name, id, extensions.OutcomeFailure)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Record not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (d EntityDeps) audit(c *gin.Context, action, name, id, outcome string) {
	ev := extensions.AuditEvent{
		EventType:  "entity." + action,
		Action:     action,
		Collection: name,
		ResourceID: id,
		Outcome:    outcome,
	}
	if info := middleware.GetAuthInfo(c); info != nil {
		ev.UserID = info.UserID
	}
	logAudit(c, d.Audit, ev)
}

func bindFields(c *gin.Context) (map[string]any, bool) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil || fields == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Request body must be a JSON object"})
		return nil, false
	}
	return fields, true
}
