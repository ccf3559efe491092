package interceptor

import (
	"net/http"
	"strings"
	"time"

	"planet/api/api/common"
	"planet/api/codes"
	"planet/api/log"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// CtxUserID 校验通过后用户 id 放在 gin.Context 里的 key
const CtxUserID = "sub"

func unauthorized(c *gin.Context, msg string) {
	res := common.Response{Timestamp: time.Now().Unix()}
	res.Fail(codes.CODE_ERR_SECURITY, msg)
	c.AbortWithStatusJSON(http.StatusUnauthorized, res)
}

func bearer(c *gin.Context) (string, bool) {
	ah := c.GetHeader("Authorization")
	if len(ah) < 7 || !strings.EqualFold(ah[:7], "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(ah[7:])
	return tok, tok != ""
}

// parseHS256 只接受 HS256，exp 必须存在
func parseHS256(tokenStr string, secret []byte) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// TokenInterceptor 用户 Bearer JWT，sub 放进 context
func TokenInterceptor(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			log.Error("jwt secret is not configured")
			unauthorized(c, "token check failed")
			return
		}
		tokenStr, ok := bearer(c)
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}
		claims, err := parseHS256(tokenStr, secret)
		if err != nil {
			log.Debugf("token check failed: %v", err)
			unauthorized(c, "invalid token")
			return
		}
		sub, _ := claims.GetSubject()
		if sub == "" {
			unauthorized(c, "invalid claims")
			return
		}
		c.Set(CtxUserID, sub)
		c.Next()
	}
}

// UserID handler 里取当前用户
func UserID(c *gin.Context) string { return c.GetString(CtxUserID) }
