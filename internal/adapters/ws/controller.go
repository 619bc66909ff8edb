package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/jeongdon-heo/story-together/internal/domain"
	"github.com/jeongdon-heo/story-together/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller speaks the socket protocol: JSON envelopes with a type field,
// dispatched to the session manager.
type Controller struct {
	Sessions  *session.Manager
	Hub       *Hub
	ReadLimit int64
	limiter   *RateLimiter
}

// NewController wires the controller to the hub the manager broadcasts
// through; inbound and outbound traffic share one subscription map.
func NewController(sessions *session.Manager, hub *Hub, readLimit int64) *Controller {
	return &Controller{
		Sessions:  sessions,
		Hub:       hub,
		ReadLimit: readLimit,
		limiter:   NewRateLimiter(15, 10*time.Second),
	}
}

func (ctl *Controller) hub() *Hub { return ctl.Hub }

func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	connID := domain.ConnID(uuid.NewString())
	log.Info().Str("module", "adapters.ws").Str("conn", string(connID)).Msg("new WS connection")

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		socket.SetReadLimit(ctl.ReadLimit)
	}

	conn := &Conn{
		id:     connID,
		socket: socket,
		send:   make(chan []byte, 32),
	}
	ctl.hub().register(conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.socket.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump set deadline")
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *Conn) {
	defer func() {
		cancel()
		if storyID, ok := ctl.hub().remove(c); ok {
			ctl.Sessions.Leave(storyID, c.id)
		}
		c.Close()
		log.Info().Str("module", "adapters.ws").Str("conn", string(c.id)).Msg("readPump closing")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.socket.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "adapters.ws").Str("conn", string(c.id)).Msg("readPump read error")
				}
				return
			}
			ctl.dispatch(ctx, c, data)
		}
	}
}

func (ctl *Controller) dispatch(ctx context.Context, c *Conn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch env.Type {
	case "submit", "vote", "react", "request_hint":
		if c.userID != "" && !ctl.limiter.Allow(c.userID) {
			log.Warn().Str("module", "adapters.ws").Str("user", string(c.userID)).Str("type", env.Type).Msg("rate limited")
			ctl.sendError(c, "rate_limited")
			return
		}
	}

	switch env.Type {
	case "join":
		ctl.handleJoin(c, data)
	case "leave":
		ctl.handleLeave(c)
	case "start_relay":
		ctl.handleStartRelay(ctx, c, data)
	case "start_branch":
		ctl.handleStartBranch(ctx, c, data)
	case "submit":
		ctl.handleSubmit(ctx, c, data)
	case "pass":
		ctl.handlePass(c)
	case "vote":
		ctl.handleVote(ctx, c, data)
	case "force_vote_decide":
		ctl.handleForceVoteDecide(ctx, c)
	case "force_branch":
		ctl.handleForceBranch(ctx, c)
	case "finish":
		ctl.handleFinish(ctx, c)
	case "request_hint":
		ctl.handleHint(ctx, c)
	case "react":
		ctl.handleReact(c, data)
	case "list_participants":
		ctl.handleListParticipants(c)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "adapters.ws").Str("type", env.Type).Msg("unknown message")
	}
}

// reportErr maps orchestrator errors onto the socket. Stale-turn and
// wrong-phase races are dropped silently; one extra client action after a
// transition is normal, not an error worth surfacing.
func (ctl *Controller) reportErr(c *Conn, action string, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, session.ErrNotYourTurn), errors.Is(err, session.ErrWrongPhase):
		log.Debug().Err(err).Str("module", "adapters.ws").Str("conn", string(c.id)).Str("action", action).Msg("stale action dropped")
	case errors.Is(err, session.ErrSessionExists):
		// Idempotent start; nothing to report.
	case errors.Is(err, session.ErrNotFound):
		ctl.sendError(c, "not_found")
	default:
		log.Error().Err(err).Str("module", "adapters.ws").Str("action", action).Msg("action failed")
		ctl.sendError(c, "retryable")
	}
}

func (ctl *Controller) sendError(c *Conn, code string) {
	frame, err := json.Marshal(envelope{Type: "error", Data: map[string]string{"error": code}})
	if err != nil {
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *Controller) handlePing(c *Conn) {
	frame, err := json.Marshal(envelope{Type: "pong"})
	if err != nil {
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *Controller) handleJoin(c *Conn, data []byte) {
	var p struct {
		StoryID string `json:"storyId"`
		UserID  string `json:"userId"`
		Name    string `json:"name"`
		Color   string `json:"color"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.StoryID == "" || p.UserID == "" {
		ctl.sendError(c, "bad_payload")
		return
	}

	participant, err := domain.NewParticipant(domain.UserID(p.UserID), p.Name, p.Color)
	if err != nil {
		ctl.sendError(c, "invalid_name")
		return
	}
	participant.ConnID = c.id

	storyID := domain.StoryID(p.StoryID)
	c.userID = participant.UserID
	ctl.hub().subscribe(c, storyID)
	ctl.Sessions.Join(storyID, *participant)
}

func (ctl *Controller) handleLeave(c *Conn) {
	if storyID, ok := ctl.hub().remove(c); ok {
		ctl.Sessions.Leave(storyID, c.id)
	}
	ctl.hub().register(c)
	c.storyID = ""
}

func (ctl *Controller) handleStartRelay(ctx context.Context, c *Conn, data []byte) {
	var p struct {
		StoryID     string `json:"storyId"`
		SessionID   string `json:"sessionId"`
		TurnSeconds int    `json:"turnSeconds"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.StoryID == "" {
		ctl.sendError(c, "bad_payload")
		return
	}
	err := ctl.Sessions.StartRelay(ctx, domain.StoryID(p.StoryID), p.SessionID, p.TurnSeconds)
	ctl.reportErr(c, "start_relay", err)
}

func (ctl *Controller) handleStartBranch(ctx context.Context, c *Conn, data []byte) {
	var p struct {
		StoryID   string `json:"storyId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.StoryID == "" {
		ctl.sendError(c, "bad_payload")
		return
	}
	err := ctl.Sessions.StartBranch(ctx, domain.StoryID(p.StoryID), p.SessionID)
	ctl.reportErr(c, "start_branch", err)
}

func (ctl *Controller) handleSubmit(ctx context.Context, c *Conn, data []byte) {
	var p struct {
		Text         string `json:"text"`
		BranchNodeID string `json:"branchNodeId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Text == "" {
		ctl.sendError(c, "bad_payload")
		return
	}
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	err := ctl.Sessions.Submit(ctx, c.storyID, c.userID, p.Text, p.BranchNodeID)
	ctl.reportErr(c, "submit", err)
}

func (ctl *Controller) handlePass(c *Conn) {
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	ctl.reportErr(c, "pass", ctl.Sessions.Pass(c.storyID, c.userID))
}

func (ctl *Controller) handleVote(ctx context.Context, c *Conn, data []byte) {
	var p struct {
		ChoiceIdx *int   `json:"choiceIdx"`
		Comment   string `json:"comment"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ChoiceIdx == nil {
		ctl.sendError(c, "bad_payload")
		return
	}
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	err := ctl.Sessions.CastVote(ctx, c.storyID, c.userID, *p.ChoiceIdx)
	ctl.reportErr(c, "vote", err)
}

func (ctl *Controller) handleForceVoteDecide(ctx context.Context, c *Conn) {
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	ctl.reportErr(c, "force_vote_decide", ctl.Sessions.ForceVoteDecide(ctx, c.storyID))
}

func (ctl *Controller) handleForceBranch(ctx context.Context, c *Conn) {
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	ctl.reportErr(c, "force_branch", ctl.Sessions.ForceBranch(ctx, c.storyID))
}

func (ctl *Controller) handleFinish(ctx context.Context, c *Conn) {
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	ctl.reportErr(c, "finish", ctl.Sessions.Finish(ctx, c.storyID, c.userID))
}

func (ctl *Controller) handleHint(ctx context.Context, c *Conn) {
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	ctl.Sessions.Hint(ctx, c.storyID, c.id)
}

func (ctl *Controller) handleReact(c *Conn, data []byte) {
	var p struct {
		PartID string `json:"partId"`
		Emoji  string `json:"emoji"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.PartID == "" || p.Emoji == "" {
		ctl.sendError(c, "bad_payload")
		return
	}
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	ctl.reportErr(c, "react", ctl.Sessions.React(c.storyID, p.PartID, c.userID, p.Emoji))
}

func (ctl *Controller) handleListParticipants(c *Conn) {
	if c.storyID == "" {
		ctl.sendError(c, "not_joined")
		return
	}
	ctl.hub().SendTo(c.id, session.EvtRoster, session.RosterEvent{Participants: ctl.Sessions.Roster(c.storyID)})
}
