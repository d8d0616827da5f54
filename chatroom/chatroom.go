// Package chatroom is the relay side of the chat protocol: one room per team,
// joined over a websocket after a roster check, with every sendMessage fanned
// out to the room as a sequenced receiveMessage.
package chatroom

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"devconnect/auth"
	"devconnect/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MemberCheck reports whether userID is on the roster of teamID.
type MemberCheck func(teamID, userID string) (bool, error)

type Options struct {
	Members         MemberCheck
	Presence        Presence
	Limiter         *Limiter
	MaxMessageBytes int
	QueueSize       int
	Logger          *log.Logger
}

type Client struct {
	ID        string
	User      types.User
	Conn      *websocket.Conn
	SendQueue chan types.WSMessage
	Done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) WritePump() {
	defer c.Conn.Close()

	for {
		select {
		case msg := <-c.SendQueue:
			if err := c.Conn.WriteJSON(msg); err != nil {
				log.Println("WritePump error:", err)
				return
			}
		case <-c.Done:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Done) })
}

type Hub struct {
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	clients map[*Client]map[string]struct{}
	rooms   map[string]map[*Client]struct{}
	seq     map[string]int64

	// rosterGen counts roster changes per team.
	rosterGen map[string]uint64
}

func NewHub(opts Options) *Hub {
	if opts.Presence == nil {
		opts.Presence = NewMemoryPresence()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewLimiter(0, 0)
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessageBytes
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Hub{
		opts:    opts,
		logger:  opts.Logger,
		clients: make(map[*Client]map[string]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		seq:     make(map[string]int64),

		rosterGen: make(map[string]uint64),
	}
}

// HandleSocket upgrades an authenticated request and serves the chat protocol
// until the connection closes.
func (h *Hub) HandleSocket(c *gin.Context) {
	user, ok := auth.UserFrom(c)
	if !ok {
		c.JSON(401, gin.H{"error": "Authorization required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Println("WebSocket upgrade failed:", err)
		return
	}
	conn.SetReadLimit(int64(h.opts.MaxMessageBytes) + 16*1024)

	client := &Client{
		ID:        uuid.NewString(),
		User:      user,
		Conn:      conn,
		SendQueue: make(chan types.WSMessage, h.opts.QueueSize),
		Done:      make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client] = make(map[string]struct{})
	h.mu.Unlock()
	go client.WritePump()

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var wsMsg types.WSMessage
		if err := json.Unmarshal(msgBytes, &wsMsg); err != nil {
			h.logger.Println("Invalid message format:", err)
			continue
		}
		h.dispatch(client, wsMsg)
	}

	h.cleanupClient(client)
}

func (h *Hub) dispatch(client *Client, wsMsg types.WSMessage) {
	switch wsMsg.Type {
	case types.EventJoinRoom:
		h.handleJoinRoom(client, wsMsg)
	case types.EventLeaveRoom:
		h.handleLeaveRoom(client, wsMsg)
	case types.EventSendMessage:
		h.handleSendMessage(client, wsMsg)
	default:
		h.logger.Println("Unknown message type:", wsMsg.Type)
		h.nack(client, wsMsg, types.CodeBadRequest)
	}
}

func (h *Hub) handleJoinRoom(client *Client, wsMsg types.WSMessage) {
	data, err := types.DecodeData[types.JoinRoom](wsMsg.Data)
	if err != nil || data.TeamID == "" {
		h.nack(client, wsMsg, types.CodeBadRequest)
		return
	}

	code, admitted := h.admit(client, data.TeamID)
	if !admitted {
		if code != "" {
			h.nack(client, wsMsg, code)
		}
		return
	}

	if err := h.opts.Presence.Add(context.Background(), data.TeamID, client.User.ID); err != nil {
		h.logger.Println("Error recording presence:", err)
	}
	h.ack(client, wsMsg)
}

// admit checks the roster and adds client to the team's room. A roster change
// notified while the check was running invalidates its answer, so the check is
// repeated until it completes without one.
func (h *Hub) admit(client *Client, teamID string) (code string, ok bool) {
	for {
		h.mu.Lock()
		gen := h.rosterGen[teamID]
		h.mu.Unlock()

		if h.opts.Members != nil {
			member, err := h.opts.Members(teamID, client.User.ID)
			if err != nil {
				h.logger.Printf("Error checking membership of %s in %s: %v", client.User.ID, teamID, err)
				return types.CodeBadRequest, false
			}
			if !member {
				return types.CodeNotMember, false
			}
		}

		h.mu.Lock()
		if h.rosterGen[teamID] != gen {
			h.mu.Unlock()
			continue
		}
		rooms, connected := h.clients[client]
		if !connected {
			h.mu.Unlock()
			return "", false
		}
		rooms[teamID] = struct{}{}
		if h.rooms[teamID] == nil {
			h.rooms[teamID] = make(map[*Client]struct{})
		}
		h.rooms[teamID][client] = struct{}{}
		h.mu.Unlock()
		return "", true
	}
}

func (h *Hub) handleLeaveRoom(client *Client, wsMsg types.WSMessage) {
	data, err := types.DecodeData[types.JoinRoom](wsMsg.Data)
	if err != nil || data.TeamID == "" {
		h.nack(client, wsMsg, types.CodeBadRequest)
		return
	}
	h.leave(client, data.TeamID)
	h.ack(client, wsMsg)
}

func (h *Hub) handleSendMessage(client *Client, wsMsg types.WSMessage) {
	data, err := types.DecodeData[types.SendMessage](wsMsg.Data)
	if err != nil || data.TeamID == "" {
		h.nack(client, wsMsg, types.CodeBadRequest)
		return
	}
	if types.IsBlank(data.Message) {
		h.nack(client, wsMsg, types.CodeEmptyMessage)
		return
	}
	if len(data.Message) > h.opts.MaxMessageBytes {
		h.nack(client, wsMsg, types.CodeTooLarge)
		return
	}

	// The token identity wins over whatever the client claims to be.
	sender := types.Sender{Username: client.User.Username, AvatarURL: client.User.AvatarURL}
	if sender.AvatarURL == "" {
		sender.AvatarURL = data.User.AvatarURL
	}

	h.mu.Lock()
	if _, joined := h.rooms[data.TeamID][client]; !joined {
		h.mu.Unlock()
		h.nack(client, wsMsg, types.CodeNotJoined)
		return
	}
	if !h.opts.Limiter.Allow(client.ID, time.Now()) {
		h.mu.Unlock()
		h.nack(client, wsMsg, types.CodeRateLimited)
		return
	}
	h.seq[data.TeamID]++
	out := types.WSMessage{Type: types.EventReceiveMessage, Data: types.ReceiveMessage{
		TeamID:    data.TeamID,
		Message:   data.Message,
		User:      sender,
		Seq:       h.seq[data.TeamID],
		Timestamp: time.Now().UTC(),
	}}
	h.ack(client, wsMsg)
	for member := range h.rooms[data.TeamID] {
		h.safeSend(member, out)
	}
	h.mu.Unlock()
}

// NotifyRosterChanged pushes rosterChanged to everyone in the team's room and
// to every connection of userIDs. Users who lost membership are evicted from
// the room so they stop receiving its messages.
func (h *Hub) NotifyRosterChanged(ev types.RosterChanged, userIDs ...string) {
	affected := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		affected[id] = struct{}{}
	}
	msg := types.WSMessage{Type: types.EventRosterChanged, Data: ev}

	var evicted []*Client
	h.mu.Lock()
	h.rosterGen[ev.TeamID]++
	targets := make(map[*Client]struct{})
	for client := range h.rooms[ev.TeamID] {
		targets[client] = struct{}{}
	}
	for client := range h.clients {
		if _, ok := affected[client.User.ID]; ok {
			targets[client] = struct{}{}
		}
	}
	for client := range targets {
		h.safeSend(client, msg)
	}
	for client := range h.rooms[ev.TeamID] {
		_, removed := affected[client.User.ID]
		if ev.Kind == types.RosterDeleted || (ev.Kind == types.RosterLeft && removed) {
			evicted = append(evicted, client)
		}
	}
	h.mu.Unlock()

	for _, client := range evicted {
		h.leave(client, ev.TeamID)
	}
}

// Online lists the users with the team's room open.
func (h *Hub) Online(ctx context.Context, teamID string) ([]string, error) {
	return h.opts.Presence.Members(ctx, teamID)
}

// HandleGetOnline answers GET .../online/:id for members of the team.
func (h *Hub) HandleGetOnline(c *gin.Context) {
	teamID := c.Param("id")
	if h.opts.Members != nil {
		ok, err := h.opts.Members(teamID, c.GetString(auth.KeyUserID))
		if err != nil {
			c.JSON(500, gin.H{"error": "Error checking membership"})
			return
		}
		if !ok {
			c.JSON(403, gin.H{"error": "Not a member of this team"})
			return
		}
	}
	online, err := h.Online(c.Request.Context(), teamID)
	if err != nil {
		h.logger.Println("Error reading presence:", err)
		c.JSON(500, gin.H{"error": "Error reading presence"})
		return
	}
	c.JSON(200, gin.H{"teamId": teamID, "online": online})
}

// RoomSize reports how many connections have joined teamID.
func (h *Hub) RoomSize(teamID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[teamID])
}

func (h *Hub) leave(client *Client, teamID string) {
	h.mu.Lock()
	if rooms, ok := h.clients[client]; ok {
		delete(rooms, teamID)
	}
	delete(h.rooms[teamID], client)
	if len(h.rooms[teamID]) == 0 {
		delete(h.rooms, teamID)
	}
	stillPresent := false
	for other := range h.rooms[teamID] {
		if other.User.ID == client.User.ID {
			stillPresent = true
			break
		}
	}
	h.mu.Unlock()

	if !stillPresent {
		if err := h.opts.Presence.Remove(context.Background(), teamID, client.User.ID); err != nil {
			h.logger.Println("Error clearing presence:", err)
		}
	}
}

func (h *Hub) cleanupClient(client *Client) {
	h.mu.Lock()
	var rooms []string
	for teamID := range h.clients[client] {
		rooms = append(rooms, teamID)
	}
	h.mu.Unlock()

	for _, teamID := range rooms {
		h.leave(client, teamID)
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	h.opts.Limiter.Clear(client.ID)
	client.close()
}

func (h *Hub) ack(client *Client, wsMsg types.WSMessage) {
	if wsMsg.ID == "" {
		return
	}
	h.safeSend(client, types.WSMessage{Type: types.EventAck, ID: wsMsg.ID, Data: types.Ack{ID: wsMsg.ID, OK: true}})
}

func (h *Hub) nack(client *Client, wsMsg types.WSMessage, code string) {
	if wsMsg.ID == "" {
		return
	}
	h.safeSend(client, types.WSMessage{Type: types.EventAck, ID: wsMsg.ID, Data: types.Ack{ID: wsMsg.ID, Code: code}})
}

// safeSend never blocks; a client that cannot keep up is disconnected.
func (h *Hub) safeSend(client *Client, msg types.WSMessage) {
	select {
	case client.SendQueue <- msg:
	case <-client.Done:
	default:
		h.logger.Printf("safeSend: send queue full for client %s", client.ID)
		client.close()
	}
}
