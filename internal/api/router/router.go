package router

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"resume-ingest/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// APIPrefix 所有接口的前缀
const APIPrefix = "/api/v1"

var errInvalidAPIKey = errors.New("invalid api key")

// RegisterRoutes 注册 API 路由，apiKeys 非空时除健康检查外都需要 Bearer API Key
func RegisterRoutes(h *server.Hertz, resumeHandler *handler.ResumeHandler, apiKeys []string) {
	api := h.Group(APIPrefix)
	if keys := normalizeKeys(apiKeys); len(keys) > 0 {
		api.Use(APIKeyAuth(keys))
	}

	api.POST("/resumes", resumeHandler.HandleUpload)
	api.GET("/resumes", resumeHandler.HandleListResumes)
	api.GET("/resumes/:id", resumeHandler.HandleGetResume)
	api.GET("/resumes/:id/image", resumeHandler.HandleResumeImage)

	api.GET("/runs", resumeHandler.HandleListRuns)
	api.GET("/runs/:id", resumeHandler.HandleGetRun)

	api.GET("/previews/:handle", resumeHandler.HandleGetPreview)
	api.DELETE("/previews/:handle", resumeHandler.HandleReleasePreview)

	api.GET("/health", resumeHandler.HandleHealth)
}

// APIKeyAuth 基于 keyauth 的鉴权中间件
func APIKeyAuth(keys []string) app.HandlerFunc {
	return keyauth.New(
		keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
		keyauth.WithFilter(func(c context.Context, ctx *app.RequestContext) bool {
			return string(ctx.Path()) == APIPrefix+"/health"
		}),
		keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, key string) (bool, error) {
			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					return true, nil
				}
			}
			return false, errInvalidAPIKey
		}),
		keyauth.WithErrorHandler(func(c context.Context, ctx *app.RequestContext, err error) {
			hlog.CtxDebugf(c, "鉴权失败: %s %s: %v", string(ctx.Method()), string(ctx.Path()), err)
			ctx.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "unauthorized"})
		}),
	)
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
