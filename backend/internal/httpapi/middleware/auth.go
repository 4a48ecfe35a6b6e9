package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

// 本地校验时的 claims（auth 服务签发的 HS256 access token）
type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// AuthMiddleware：从 Authorization 或 ?token= 提取令牌，校验后把
// userId/username 写入 gin context。
// 配置了 secret 就在本地做 HS256 校验（省一次上游调用）；
// 否则调用 auth 服务的 /v1/auth/verify。
// authBaseURL 不要带路径（如 http://localhost:3001），这里自己拼。
func AuthMiddleware(secret, authBaseURL string) gin.HandlerFunc {
	client := &http.Client{}
	verifyURL := strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify"

	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		if secret != "" {
			verifyLocal(c, tokenString, []byte(secret))
			return
		}
		verifyUpstream(c, client, verifyURL, tokenString)
	}
}

func verifyLocal(c *gin.Context, tokenString string, secret []byte) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": "invalid token",
		})
		return
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": "invalid token claims",
		})
		return
	}
	if claims.Type != "" && claims.Type != "access" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": "access token required",
		})
		return
	}

	c.Set("userId", claims.UserID)
	c.Set("username", claims.Username)
	c.Next()
}

func verifyUpstream(c *gin.Context, client *http.Client, verifyURL, tokenString string) {
	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "build verify request failed"})
		return
	}
	req.Header.Set("Authorization", "Bearer "+tokenString)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"code":    "AUTH_UPSTREAM_ERROR",
			"message": "auth-service verify failed",
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		msg := e.Error
		if msg == "" {
			msg = "invalid token"
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": msg,
		})
		return
	}
	if resp.StatusCode != http.StatusOK {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"code":    "AUTH_UPSTREAM_ERROR",
			"message": "auth-service verify non-200",
		})
		return
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"code":    "AUTH_UPSTREAM_ERROR",
			"message": "invalid verify response",
		})
		return
	}
	if claims.Type != "" && claims.Type != "access" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHENTICATED",
			"message": "access token required",
		})
		return
	}

	c.Set("userId", claims.UserID)
	c.Set("username", claims.Username)
	c.Next()
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
