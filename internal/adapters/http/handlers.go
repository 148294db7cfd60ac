package http

import (
	"net/http"

	"github.com/dkeye/Teleroom/internal/app/orch"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/gin-gonic/gin"
)

type handlers struct {
	orch *orch.Orchestrator
}

type createSessionRequest struct {
	Type      domain.SessionType    `json:"type" binding:"required"`
	ContextID string                `json:"contextId" binding:"required"`
	Options   domain.SessionOptions `json:"options"`
}

type joinRequest struct {
	Role domain.Role `json:"role"`
}

type chatRequest struct {
	Content string                 `json:"content"`
	Type    domain.ChatMessageType `json:"type"`
	File    *domain.ChatFile       `json:"file"`
}

type breakoutRequest struct {
	Rooms []domain.BreakoutRoomSpec `json:"rooms" binding:"required"`
}

type connectRequest struct {
	Offer core.SessionDescription `json:"offer" binding:"required"`
}

func sessionID(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

func (h *handlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	s, token, err := h.orch.CreateSession(c.Request.Context(), orch.CreateSessionInput{
		Type:      req.Type,
		ContextID: req.ContextID,
		StartedBy: caller(c),
		Options:   req.Options,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s, "token": token})
}

func (h *handlers) getSession(c *gin.Context) {
	s, err := h.orch.GetSession(c.Request.Context(), sessionID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handlers) joinSession(c *gin.Context) {
	var req joinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	res, err := h.orch.JoinSession(c.Request.Context(), sessionID(c), caller(c), req.Role)
	if err != nil {
		handleError(c, err)
		return
	}
	status := http.StatusOK
	if res.Waiting {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *handlers) leaveSession(c *gin.Context) {
	if err := h.orch.LeaveSession(c.Request.Context(), sessionID(c), caller(c)); err != nil {
		handleError(c, err)
		return
	}
	noContent(c)
}

func (h *handlers) endSession(c *gin.Context) {
	if err := h.orch.EndSessionAs(c.Request.Context(), sessionID(c), caller(c)); err != nil {
		handleError(c, err)
		return
	}
	noContent(c)
}

func (h *handlers) updateSettings(c *gin.Context) {
	var patch domain.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	s, err := h.orch.UpdateSessionSettings(c.Request.Context(), sessionID(c), caller(c), patch)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *handlers) sessionStats(c *gin.Context) {
	st, err := h.orch.GetSessionStats(c.Request.Context(), sessionID(c), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) listParticipants(c *gin.Context) {
	ps, err := h.orch.ListParticipants(c.Request.Context(), sessionID(c), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": ps})
}

func (h *handlers) disconnectParticipant(c *gin.Context) {
	target := domain.UserID(c.Param("userId"))
	if err := h.orch.DisconnectParticipant(c.Request.Context(), sessionID(c), target, caller(c)); err != nil {
		handleError(c, err)
		return
	}
	noContent(c)
}

func (h *handlers) contextSessions(c *gin.Context) {
	t := domain.SessionType(c.Param("type"))
	if !t.Valid() {
		badRequest(c, "unknown session type")
		return
	}
	list, err := h.orch.ListActiveSessionsForContext(c.Request.Context(), t, c.Param("contextId"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *handlers) mySessions(c *gin.Context) {
	list, err := h.orch.ListActiveSessionsForUser(c.Request.Context(), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

func (h *handlers) startRecording(c *gin.Context) {
	rec, err := h.orch.StartRecording(c.Request.Context(), sessionID(c), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (h *handlers) stopRecording(c *gin.Context) {
	rec, err := h.orch.StopRecording(c.Request.Context(), sessionID(c), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (h *handlers) listRecordings(c *gin.Context) {
	list, err := h.orch.ListRecordings(c.Request.Context(), sessionID(c), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": list})
}

func (h *handlers) getRecording(c *gin.Context) {
	rec, err := h.orch.GetRecording(c.Request.Context(), domain.RecordingID(c.Param("recordingId")), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) deleteRecording(c *gin.Context) {
	if err := h.orch.DeleteRecording(c.Request.Context(), domain.RecordingID(c.Param("recordingId")), caller(c)); err != nil {
		handleError(c, err)
		return
	}
	noContent(c)
}

func (h *handlers) sendChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	msg, err := h.orch.SendChatMessage(c.Request.Context(), orch.ChatInput{
		SessionID: sessionID(c),
		SenderID:  caller(c),
		Content:   req.Content,
		Type:      req.Type,
		File:      req.File,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *handlers) chatHistory(c *gin.Context) {
	var (
		q  domain.ChatQuery
		ok bool
	)
	if q.Since, ok = queryTime(c, "since"); !ok {
		return
	}
	if q.Until, ok = queryTime(c, "until"); !ok {
		return
	}
	if q.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}
	if q.Offset, ok = queryInt(c, "offset"); !ok {
		return
	}
	msgs, err := h.orch.GetChatHistory(c.Request.Context(), sessionID(c), caller(c), q)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *handlers) listBreakoutRooms(c *gin.Context) {
	rooms, err := h.orch.ListBreakoutRooms(c.Request.Context(), sessionID(c), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *handlers) createBreakoutRooms(c *gin.Context) {
	var req breakoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	rooms, err := h.orch.CreateBreakoutRooms(c.Request.Context(), sessionID(c), caller(c), req.Rooms)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rooms": rooms})
}

func (h *handlers) joinBreakoutRoom(c *gin.Context) {
	info, err := h.orch.JoinBreakoutRoom(c.Request.Context(), sessionID(c), domain.RoomID(c.Param("roomId")), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transport": info})
}

func (h *handlers) endBreakoutRooms(c *gin.Context) {
	rooms, err := h.orch.EndBreakoutRooms(c.Request.Context(), sessionID(c), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *handlers) listWaiting(c *gin.Context) {
	list, err := h.orch.ListWaitingRoom(c.Request.Context(), sessionID(c), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"waiting": list})
}

func (h *handlers) admit(c *gin.Context) {
	res, err := h.orch.AdmitFromWaitingRoom(c.Request.Context(), sessionID(c), domain.UserID(c.Param("userId")), caller(c))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) reject(c *gin.Context) {
	if err := h.orch.RejectFromWaitingRoom(c.Request.Context(), sessionID(c), domain.UserID(c.Param("userId")), caller(c)); err != nil {
		handleError(c, err)
		return
	}
	noContent(c)
}

func (h *handlers) connectTransport(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	answer, err := h.orch.ConnectTransport(c.Request.Context(), sessionID(c), caller(c), c.Param("transportId"), req.Offer)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

func (h *handlers) produce(c *gin.Context) {
	var in orch.ProduceInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	in.SessionID, in.UserID = sessionID(c), caller(c)
	id, err := h.orch.Produce(c.Request.Context(), in)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"producerId": id})
}

func (h *handlers) consume(c *gin.Context) {
	var in orch.ConsumeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	in.SessionID, in.UserID = sessionID(c), caller(c)
	info, err := h.orch.Consume(c.Request.Context(), in)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *handlers) resumeConsumer(c *gin.Context) {
	if err := h.orch.ResumeConsumer(c.Request.Context(), sessionID(c), caller(c), c.Param("consumerId")); err != nil {
		handleError(c, err)
		return
	}
	noContent(c)
}
