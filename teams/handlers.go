// Package teams serves the team roster and identity API on the development relay.
package teams

import (
	"database/sql"
	"errors"
	"log"
	"strings"

	"devconnect/auth"
	"devconnect/types"

	"github.com/gin-gonic/gin"
)

// Notifier is told about every roster change after it is committed.
// userIDs are the users whose membership changed.
type Notifier interface {
	NotifyRosterChanged(ev types.RosterChanged, userIDs ...string)
}

type Handler struct {
	DB       *sql.DB
	Issuer   auth.Issuer
	Notifier Notifier
}

// Register mounts the dev login and the authenticated /api routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/auth/dev-login", h.HandleDevLogin)

	api := r.Group("/api", h.Issuer.Middleware())
	api.GET("/users/me", h.HandleGetMe)
	api.GET("/teams", h.HandleGetTeams)
	api.POST("/teams/create", h.HandleCreateTeam)
	api.POST("/teams/join", h.HandleJoinTeam)
	api.POST("/teams/leave", h.HandleLeaveTeam)
	api.DELETE("/teams/delete/:id", h.HandleDeleteTeam)
}

// HandleDevLogin stands in for the OAuth login: any username gets a token.
func (h *Handler) HandleDevLogin(c *gin.Context) {
	var json struct {
		Username  string `json:"username" binding:"required"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := c.ShouldBindJSON(&json); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	username := strings.TrimSpace(json.Username)
	if username == "" {
		c.JSON(400, gin.H{"error": "Username required"})
		return
	}

	user, err := upsertUser(h.DB, username, json.AvatarURL)
	if err != nil {
		log.Println("Error upserting user:", err)
		c.JSON(500, gin.H{"error": "Database error saving user"})
		return
	}
	token, err := h.Issuer.Issue(user)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to generate JWT token"})
		return
	}
	c.JSON(200, gin.H{"token": token, "user": user})
}

func (h *Handler) HandleGetMe(c *gin.Context) {
	user, err := getUser(h.DB, c.GetString(auth.KeyUserID))
	if err != nil {
		if errors.Is(err, errNotFound) {
			c.JSON(404, gin.H{"error": "User not found"})
		} else {
			c.JSON(500, gin.H{"error": "Database error finding user"})
		}
		return
	}
	c.JSON(200, user)
}

func (h *Handler) HandleGetTeams(c *gin.Context) {
	teams, err := listTeams(h.DB, "")
	if err != nil {
		log.Println("Error listing teams:", err)
		c.JSON(500, gin.H{"error": "Database error listing teams"})
		return
	}
	c.JSON(200, teams)
}

func (h *Handler) HandleCreateTeam(c *gin.Context) {
	var json struct {
		TeamName string `json:"teamName" binding:"required"`
		RepoURL  string `json:"repoUrl"`
	}
	if err := c.ShouldBindJSON(&json); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString(auth.KeyUserID)
	teamID, err := createTeam(h.DB, strings.TrimSpace(json.TeamName), strings.TrimSpace(json.RepoURL), userID)
	if err != nil {
		log.Println("Error creating team:", err)
		c.JSON(500, gin.H{"error": "Database error creating team"})
		return
	}
	h.respondTeam(c, 201, teamID)
	h.notify(teamID, types.RosterCreated, userID)
}

func (h *Handler) HandleJoinTeam(c *gin.Context) {
	teamID, ok := bindTeamID(c)
	if !ok {
		return
	}
	if _, err := teamOwner(h.DB, teamID); err != nil {
		h.teamLookupError(c, err)
		return
	}

	userID := c.GetString(auth.KeyUserID)
	if err := addMember(h.DB, teamID, userID); err != nil {
		log.Println("Error joining team:", err)
		c.JSON(500, gin.H{"error": "Database error joining team"})
		return
	}
	h.respondTeam(c, 200, teamID)
	h.notify(teamID, types.RosterJoined, userID)
}

func (h *Handler) HandleLeaveTeam(c *gin.Context) {
	teamID, ok := bindTeamID(c)
	if !ok {
		return
	}
	if _, err := teamOwner(h.DB, teamID); err != nil {
		h.teamLookupError(c, err)
		return
	}

	userID := c.GetString(auth.KeyUserID)
	if err := removeMember(h.DB, teamID, userID); err != nil {
		if errors.Is(err, errNotFound) {
			c.JSON(400, gin.H{"error": "Not a member of this team"})
		} else {
			c.JSON(500, gin.H{"error": "Database error leaving team"})
		}
		return
	}
	c.JSON(200, gin.H{"message": "Left team"})
	h.notify(teamID, types.RosterLeft, userID)
}

// HandleDeleteTeam deletes a team. Only its owner may do so.
func (h *Handler) HandleDeleteTeam(c *gin.Context) {
	teamID := c.Param("id")
	owner, err := teamOwner(h.DB, teamID)
	if err != nil {
		h.teamLookupError(c, err)
		return
	}
	if owner != c.GetString(auth.KeyUserID) {
		c.JSON(403, gin.H{"error": "Only the team owner can delete the team"})
		return
	}

	members, err := memberIDs(h.DB, teamID)
	if err != nil {
		c.JSON(500, gin.H{"error": "Database error deleting team"})
		return
	}
	if err := deleteTeam(h.DB, teamID); err != nil {
		log.Println("Error deleting team:", err)
		c.JSON(500, gin.H{"error": "Database error deleting team"})
		return
	}
	c.JSON(200, gin.H{"message": "Team deleted"})
	h.notify(teamID, types.RosterDeleted, members...)
}

func (h *Handler) respondTeam(c *gin.Context, status int, teamID string) {
	team, err := getTeam(h.DB, teamID)
	if err != nil {
		c.JSON(500, gin.H{"error": "Database error loading team"})
		return
	}
	c.JSON(status, team)
}

func (h *Handler) teamLookupError(c *gin.Context, err error) {
	if errors.Is(err, errNotFound) {
		c.JSON(404, gin.H{"error": "Team not found"})
		return
	}
	c.JSON(500, gin.H{"error": "Database error finding team"})
}

func (h *Handler) notify(teamID, kind string, userIDs ...string) {
	if h.Notifier == nil {
		return
	}
	h.Notifier.NotifyRosterChanged(types.RosterChanged{TeamID: teamID, Kind: kind}, userIDs...)
}

func bindTeamID(c *gin.Context) (string, bool) {
	var json struct {
		TeamID string `json:"teamId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&json); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return "", false
	}
	return json.TeamID, true
}
