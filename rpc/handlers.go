package rpc

import (
	"chatrelay/chat"
	"chatrelay/common"
	"chatrelay/log"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

func selectedKey(uid string) string {
	return "selected_conversation:" + uid
}

func selectedConversation(c *gin.Context, uid string) string {
	v, _ := sessions.Default(c).Get(selectedKey(uid)).(string)
	return v
}

func selectConversation(c *gin.Context, uid, conversationId string) {
	sess := sessions.Default(c)
	if conversationId == "" {
		sess.Delete(selectedKey(uid))
	} else {
		sess.Set(selectedKey(uid), conversationId)
	}
	if err := sess.Save(); err != nil {
		log.Warn("save session", err)
	}
}

type conversationList struct {
	Conversations []common.Conversation `json:"conversations"`
	Selected      string                `json:"selected"`
}

func (s *Service) HandleListConversations(c *gin.Context) {
	user := currentUser(c)
	convs, err := s.chat.Conversations(c.Request.Context(), user)
	if err != nil {
		replyError(c, err, nil)
		return
	}
	reply(c, conversationList{Conversations: convs, Selected: selectedConversation(c, user.Uid)})
}

func (s *Service) HandleCreateConversation(c *gin.Context) {
	user := currentUser(c)
	conv, err := s.chat.NewConversation(c.Request.Context(), user)
	if err != nil {
		replyError(c, err, nil)
		return
	}
	selectConversation(c, user.Uid, conv.Id)
	reply(c, conv)
}

type renameReq struct {
	Title string `json:"title" form:"title"`
}

func (s *Service) HandleRenameConversation(c *gin.Context) {
	var req renameReq
	if err := c.ShouldBind(&req); err != nil {
		replyError(c, common.ValidationError("rpc.Rename", "malformed request body"), nil)
		return
	}
	if err := s.chat.Rename(c.Request.Context(), currentUser(c), c.Param("id"), req.Title); err != nil {
		replyError(c, err, nil)
		return
	}
	reply(c, "")
}

// HandleDeleteConversation moves the selection to the newest remaining
// conversation when the selected one is removed.
func (s *Service) HandleDeleteConversation(c *gin.Context) {
	user := currentUser(c)
	id := c.Param("id")
	ctx := c.Request.Context()
	if err := s.chat.Delete(ctx, user, id); err != nil {
		replyError(c, err, nil)
		return
	}
	selected := selectedConversation(c, user.Uid)
	if selected == id {
		selected = ""
		convs, err := s.chat.Conversations(ctx, user)
		if err != nil {
			log.Warn("list conversations after delete", err)
		} else if len(convs) > 0 {
			selected = convs[0].Id
		}
		selectConversation(c, user.Uid, selected)
	}
	reply(c, gin.H{"selected": selected})
}

func (s *Service) HandleSelectConversation(c *gin.Context) {
	user := currentUser(c)
	conv, err := s.chat.Conversation(c.Request.Context(), user, c.Param("id"))
	if err != nil {
		replyError(c, err, nil)
		return
	}
	selectConversation(c, user.Uid, conv.Id)
	reply(c, conv)
}

func (s *Service) HandleListMessages(c *gin.Context) {
	msgs, err := s.chat.Messages(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		replyError(c, err, nil)
		return
	}
	reply(c, msgs)
}

type sendReq struct {
	Text string `json:"text" form:"text"`
}

type sendResp struct {
	UserMessage *common.Message `json:"userMessage,omitempty"`
	BotMessage  *common.Message `json:"botMessage,omitempty"`
	Title       string          `json:"title,omitempty"`
}

func toSendResp(res *chat.SendResult) interface{} {
	if res == nil {
		return nil
	}
	return sendResp{UserMessage: res.UserMessage, BotMessage: res.BotMessage, Title: res.Title}
}

func (s *Service) send(c *gin.Context, conversationId, text string) {
	res, err := s.chat.Send(c.Request.Context(), currentUser(c), conversationId, text)
	if err != nil {
		replyError(c, err, toSendResp(res))
		return
	}
	reply(c, toSendResp(res))
}

func (s *Service) HandleSendMessage(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBind(&req); err != nil {
		replyError(c, common.ValidationError("rpc.Send", "malformed request body"), nil)
		return
	}
	s.send(c, c.Param("id"), req.Text)
}

// HandleQuestion is the form endpoint: it sends "message" to the conversation
// named by "conversationId", or to the session's selected one.
func (s *Service) HandleQuestion(c *gin.Context) {
	user := currentUser(c)
	msg := c.PostForm("message")
	convId := c.PostForm("conversationId")
	if convId == "" {
		convId = selectedConversation(c, user.Uid)
	}
	s.send(c, convId, msg)
}

type feedbackReq struct {
	Feedback string `json:"feedback" form:"feedback"`
}

func (s *Service) HandleFeedback(c *gin.Context) {
	var req feedbackReq
	if err := c.ShouldBind(&req); err != nil {
		replyError(c, common.ValidationError("rpc.Feedback", "malformed request body"), nil)
		return
	}
	feedback, ok := common.ParseFeedback(req.Feedback)
	if !ok {
		replyError(c, common.ValidationError("rpc.Feedback", "feedback must be like, dislike or none"), nil)
		return
	}
	if err := s.chat.SetFeedback(c.Request.Context(), currentUser(c), c.Param("id"), feedback); err != nil {
		replyError(c, err, nil)
		return
	}
	reply(c, gin.H{"feedback": feedback})
}

type authErrorReq struct {
	Code    string `json:"code" form:"code"`
	Message string `json:"message" form:"message"`
}

func (s *Service) HandleAuthError(c *gin.Context) {
	var req authErrorReq
	if err := c.ShouldBind(&req); err != nil {
		replyError(c, common.ValidationError("rpc.AuthError", "malformed request body"), nil)
		return
	}
	reply(c, gin.H{"message": common.AuthErrorMessage(req.Code, req.Message)})
}

func (s *Service) HandleLogout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := sess.Save(); err != nil {
		log.Warn("clear session", err)
	}
	reply(c, "")
}
