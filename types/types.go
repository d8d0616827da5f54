package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types carried in WSMessage.Type.
const (
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventRosterChanged  = "rosterChanged"
	EventAck            = "ack"
)

// Roster change kinds carried by RosterChanged.
const (
	RosterCreated = "created"
	RosterJoined  = "joined"
	RosterLeft    = "left"
	RosterDeleted = "deleted"
)

type WSMessage struct {
	Type string      `json:"type"`
	ID   string      `json:"id,omitempty"`
	Data interface{} `json:"data"`
}

type JoinRoom struct {
	TeamID string `json:"teamId"`
}

type Sender struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

type SendMessage struct {
	TeamID  string `json:"teamId"`
	Message string `json:"message"`
	User    Sender `json:"user"`
}

// ReceiveMessage is the fan-out shape of SendMessage plus the server-observed order.
type ReceiveMessage struct {
	TeamID    string    `json:"teamId"`
	Message   string    `json:"message"`
	User      Sender    `json:"user"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

type RosterChanged struct {
	TeamID string `json:"teamId"`
	Kind   string `json:"kind"`
}

type Ack struct {
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
}

// User is the identity returned by the identity service.
type User struct {
	ID        string `json:"_id"`
	Username  string `json:"username"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl"`
}

type Member struct {
	User User   `json:"userId"`
	Role string `json:"role,omitempty"`
}

type Team struct {
	ID      string   `json:"_id"`
	Name    string   `json:"name"`
	RepoURL string   `json:"repoUrl,omitempty"`
	Members []Member `json:"members"`
}

// Member returns the roster entry for userID, if any.
func (t Team) Member(userID string) (Member, bool) {
	for _, m := range t.Members {
		if m.User.ID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// Membership is the current user's relation to a team, always derived from a roster read.
type Membership struct {
	TeamID  string
	Role    string
	Present bool
	Exists  bool
}

// MembershipIn derives userID's membership of teamID from a roster snapshot.
func MembershipIn(teams []Team, teamID, userID string) Membership {
	ms := Membership{TeamID: teamID}
	for _, t := range teams {
		if t.ID != teamID {
			continue
		}
		ms.Exists = true
		if m, ok := t.Member(userID); ok {
			ms.Present = true
			ms.Role = m.Role
		}
		break
	}
	return ms
}

// Message is a chat line as appended to a feed.
type Message struct {
	TeamID          string
	SenderUsername  string
	SenderAvatarURL string
	Body            string
	Seq             int64
	ReceivedAt      time.Time
}

func IsBlank(body string) bool {
	return strings.TrimSpace(body) == ""
}

// DecodeData re-decodes a loosely typed WSMessage.Data into T.
func DecodeData[T any](raw interface{}) (T, error) {
	var data T
	bytes, err := json.Marshal(raw)
	if err != nil {
		return data, err
	}
	err = json.Unmarshal(bytes, &data)
	return data, err
}
