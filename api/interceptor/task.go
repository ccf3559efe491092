package interceptor

import (
	"context"
	"strings"

	"planet/api/config"
	"planet/api/log"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/idtoken"
)

const (
	TaskAuthOIDC = "oidc"
	TaskAuthJWT  = "jwt"
)

// IDTokenValidator 默认是 idtoken.Validate，测试里替换
type IDTokenValidator func(ctx context.Context, token, audience string) (*idtoken.Payload, error)

// TaskInterceptor 队列回调的身份校验。
// oidc：Google 签发的 id token，audience 和 service account 都要对上；jwt：共享密钥 HS256。
func TaskInterceptor(cfg config.AuthConfig, validate IDTokenValidator) gin.HandlerFunc {
	if validate == nil {
		validate = idtoken.Validate
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.TaskMode))
	return func(c *gin.Context) {
		tokenStr, ok := bearer(c)
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		switch mode {
		case TaskAuthJWT:
			if cfg.TaskSecret == "" {
				log.Error("task secret is not configured")
				unauthorized(c, "task auth failed")
				return
			}
			if _, err := parseHS256(tokenStr, []byte(cfg.TaskSecret)); err != nil {
				log.Warnf("task token rejected: %v", err)
				unauthorized(c, "invalid task token")
				return
			}
		default:
			payload, err := validate(c.Request.Context(), tokenStr, cfg.TaskAudience)
			if err != nil {
				log.Warnf("task id token rejected: %v", err)
				unauthorized(c, "invalid task token")
				return
			}
			if sa := cfg.TaskServiceAccount; sa != "" {
				email, _ := payload.Claims["email"].(string)
				if !strings.EqualFold(email, sa) {
					log.Warnf("task id token from unexpected principal %q", email)
					unauthorized(c, "unexpected task principal")
					return
				}
			}
		}
		c.Next()
	}
}
