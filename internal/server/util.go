package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/supervisr/internal/controller"
	"github.com/loykin/supervisr/internal/health"
	mng "github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/registry"
)

const maxKeyLen = 128

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

// isSafeName reports whether a sid or mid is usable as a registry key.
// Keys end up in worker log file names, so only [A-Za-z0-9._-] is allowed.
func isSafeName(s string) bool {
	if s == "" || len(s) > maxKeyLen || strings.Contains(s, "..") {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-')
	}) == -1
}

// bindOptional decodes a JSON body when one is present.
func bindOptional(c *gin.Context, v any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps start and stop failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, health.ErrSpawnTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, registry.ErrDuplicatePid), errors.Is(err, registry.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, controller.ErrInvalidWorkload), errors.Is(err, mng.ErrUnknownKind):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
