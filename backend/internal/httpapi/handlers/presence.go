package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thesunnysinha/collabflow/backend/internal/room"
)

// PresenceReader 由 cache.RedisPresence 实现，能看到所有实例的在线成员
type PresenceReader interface {
	Members(ctx context.Context, docID string) ([]room.Entry, error)
	Documents(ctx context.Context) ([]string, error)
}

type Presence struct {
	registry *room.Registry
	mirror   PresenceReader // 可为 nil，此时只返回本实例的房间
}

func NewPresence(registry *room.Registry, mirror PresenceReader) *Presence {
	return &Presence{registry: registry, mirror: mirror}
}

// GetCollaborators GET /collab/presence/:documentID
func (p *Presence) GetCollaborators(c *gin.Context) {
	docID := c.Param("documentID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Document ID missing"})
		return
	}
	if p.mirror != nil {
		members, err := p.mirror.Members(c.Request.Context(), docID)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"documentId": docID, "collaborators": members})
			return
		}
		// Redis 不可用时退回本实例的视图
		_ = c.Error(err)
	}
	snap := p.registry.Snapshot(docID)
	members := snap.Members
	if members == nil {
		members = []room.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"documentId": docID, "collaborators": members})
}

// ListDocuments GET /collab/presence
func (p *Presence) ListDocuments(c *gin.Context) {
	if p.mirror == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "presence mirror disabled"})
		return
	}
	docs, err := p.mirror.Documents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if docs == nil {
		docs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}
