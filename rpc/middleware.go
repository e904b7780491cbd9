package rpc

import (
	"net/http"
	"strings"

	"chatrelay/common"
	"chatrelay/log"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const RequestIdHeader = "X-Request-ID"

func Cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "POST, GET, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, "+RequestIdHeader)
		c.Header("Access-Control-Allow-Credentials", "true")
		if method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
		}
	}
}

func RequestId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIdHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(RequestIdContextName, id)
		c.Header(RequestIdHeader, id)
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// an EventSource, so live views may pass the token as access_token instead.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("access_token")
}

func abortUnauthorized(c *gin.Context, msg string) {
	replyError(c, common.NewError(common.KindUnauthorized, "rpc.Auth", msg, nil), nil)
}

// Auth verifies the identity provider's HS256 token and puts the signed in
// common.User into the context.
func Auth(conf AuthConfig) gin.HandlerFunc {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if conf.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(conf.Issuer))
	}
	return func(c *gin.Context) {
		if conf.JwtSecret == "" {
			replyError(c, common.ConfigurationError("rpc.Auth", "authentication is not configured"), nil)
			return
		}
		raw := bearerToken(c)
		if raw == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(conf.JwtSecret), nil
		}, parserOpts...)
		if err != nil || !token.Valid {
			log.Debug("reject token", err)
			abortUnauthorized(c, "invalid token")
			return
		}

		uid, _ := claims["user_id"].(string)
		if uid == "" {
			uid, _ = claims.GetSubject()
		}
		if uid == "" {
			abortUnauthorized(c, "token carries no user id")
			return
		}
		email, _ := claims["email"].(string)
		photo, _ := claims["picture"].(string)
		c.Set(UserContextName, common.User{Uid: uid, Email: email, PhotoURL: photo})
		c.Next()
	}
}

func currentUser(c *gin.Context) common.User {
	v, _ := c.Get(UserContextName)
	user, _ := v.(common.User)
	return user
}
