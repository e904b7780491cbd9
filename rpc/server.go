package rpc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"chatrelay/chat"
	"chatrelay/common"
	"chatrelay/log"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Success               = 200
	ErrorCodeUnknow       = -500
	ErrorCodeReadReq      = -501
	ErrorCodeParseReq     = -502
	ErrorCodeRemote       = -503
	ErrorCodeStore        = -504
	ErrorCodeConfig       = -505
	ErrorCodeUnauthorized = -401
	ErrorCodeNotFound     = -404
	ErrorCodeBusy         = -409
)

const (
	UserContextName      = "user"
	RequestIdContextName = "request_id"
	SessionName          = "chatrelay"
)

// SessionMaxAge bounds how long a selected conversation is remembered.
const SessionMaxAge = 7 * 24 * 60 * 60

const shutdownTimeout = 10 * time.Second

type Resp struct {
	ResultCode int         `json:"ret"`
	ResultMsg  string      `json:"msg"`
	ResultBody interface{} `json:"data"`
}

type AuthConfig struct {
	JwtSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type Options struct {
	Host          string
	Port          string
	SessionSecret string
	Auth          AuthConfig
}

type Service struct {
	opts Options
	chat *chat.Service
}

func NewService(opts Options, svc *chat.Service) *Service {
	if opts.Port == "" {
		opts.Port = "8080"
	}
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.SessionSecret == "" {
		log.Warn("session_secret is not set, sessions will not survive a restart")
		opts.SessionSecret = string(securecookie.GenerateRandomKey(32))
	}
	return &Service{opts: opts, chat: svc}
}

type LoggerMy struct {
}

func (*LoggerMy) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if strings.Contains(msg, `"/healthcheck"`) || strings.Contains(msg, `"/metrics"`) {
		return len(p), nil
	}
	log.Debug(msg)
	return len(p), nil
}

func (s *Service) Router() *gin.Engine {
	gin.DefaultWriter = &LoggerMy{}
	r := gin.Default()

	store := cookie.NewStore([]byte(s.opts.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   SessionMaxAge,
		HttpOnly: true,
	})
	r.Use(Cors())
	r.Use(RequestId())
	r.Use(sessions.Sessions(SessionName, store))

	r.SetTrustedProxies(nil)
	r.GET("/healthcheck", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/api/auth/error", s.HandleAuthError)

	api := r.Group("/api", Auth(s.opts.Auth))
	api.GET("/conversations", s.HandleListConversations)
	api.POST("/conversations", s.HandleCreateConversation)
	api.PATCH("/conversations/:id", s.HandleRenameConversation)
	api.DELETE("/conversations/:id", s.HandleDeleteConversation)
	api.POST("/conversations/:id/select", s.HandleSelectConversation)
	api.GET("/conversations/:id/messages", s.HandleListMessages)
	api.POST("/conversations/:id/messages", s.HandleSendMessage)
	api.POST("/question", s.HandleQuestion)
	api.PUT("/messages/:id/feedback", s.HandleFeedback)
	api.GET("/watch/conversations", s.HandleWatchConversations)
	api.GET("/watch/conversations/:id/messages", s.HandleWatchMessages)
	api.POST("/logout", s.HandleLogout)
	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Service) Start(ctx context.Context) error {
	address := s.opts.Host + ":" + s.opts.Port
	srv := &http.Server{
		Addr:    address,
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("start rpc on " + address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("shutting down rpc")
	return srv.Shutdown(shutdownCtx)
}

// statusOf maps an error kind to the HTTP status and envelope code.
func statusOf(err error) (int, int) {
	switch common.KindOf(err) {
	case common.KindValidation:
		return http.StatusBadRequest, ErrorCodeParseReq
	case common.KindNotFound:
		return http.StatusNotFound, ErrorCodeNotFound
	case common.KindBusy:
		return http.StatusConflict, ErrorCodeBusy
	case common.KindUnauthorized:
		return http.StatusUnauthorized, ErrorCodeUnauthorized
	case common.KindConfiguration:
		return http.StatusInternalServerError, ErrorCodeConfig
	case common.KindRemote:
		return http.StatusBadGateway, ErrorCodeRemote
	case common.KindStoreWrite, common.KindStoreRead, common.KindStoreSubscription:
		return http.StatusServiceUnavailable, ErrorCodeStore
	default:
		return http.StatusInternalServerError, ErrorCodeUnknow
	}
}

func reply(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Resp{ResultCode: Success, ResultBody: data})
}

func replyError(c *gin.Context, err error, data interface{}) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", c.Request.Method, c.FullPath(), c.GetString(RequestIdContextName), err.Error())
	}
	if data == nil {
		data = ""
	}
	c.AbortWithStatusJSON(status, Resp{ResultCode: code, ResultMsg: common.Describe(err), ResultBody: data})
}
