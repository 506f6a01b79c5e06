package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rocket-sync-lite/internal/ddp"
)

// Version is set at build time with -ldflags.
var Version = "dev"

type VersionHandler struct{}

func (h *VersionHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":      Version,
		"ddp":          ddp.Version,
		"ddpSupported": ddp.SupportedVersions,
	})
}
