package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"devconnect/room"
	"devconnect/types"
)

type teamAPI interface {
	ListTeams(ctx context.Context) ([]types.Team, error)
	CreateTeam(ctx context.Context, name, repoURL string) (types.Team, error)
	JoinTeam(ctx context.Context, teamID string) (types.Team, error)
	LeaveTeam(ctx context.Context, teamID string) error
	DeleteTeam(ctx context.Context, teamID string) error
	Online(ctx context.Context, teamID string) ([]string, error)
}

type chatRoom interface {
	Join(ctx context.Context, teamID string) error
	Leave(ctx context.Context) error
	Send(ctx context.Context, body string) error
	TeamID() string
	State() room.State
}

// RosterNotifier is told about roster changes made from this console.
type RosterNotifier func(ctx context.Context, teamID, kind string)

type console struct {
	api    teamAPI
	room   chatRoom
	out    io.Writer
	notify RosterNotifier
}

const helpText = `Commands:
  /teams                     list your teams
  /create <name> [repo url]  create a team
  /jointeam <team id>        join a team
  /leaveteam <team id>       leave a team
  /deleteteam <team id>      delete a team you own
  /open <team id>            open a team's chat room
  /close                     close the open room
  /who                       list who has the room open
  /quit                      exit
Anything else is sent to the open room.`

// run reads lines from in until EOF, /quit, or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.handle(ctx, line); quit {
				return
			}
		}
	}
}

// handle executes one input line and reports whether the console should exit.
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.say(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, helpText)
	case "/teams":
		c.listTeams(ctx)
	case "/create":
		c.createTeam(ctx, arg)
	case "/jointeam":
		c.withTeamID(arg, func(teamID string) error {
			team, err := c.api.JoinTeam(ctx, teamID)
			if err == nil {
				fmt.Fprintf(c.out, "Joined team %s (%s)\n", team.Name, team.ID)
				c.rosterChanged(ctx, teamID, types.RosterJoined)
			}
			return err
		})
	case "/leaveteam":
		c.withTeamID(arg, func(teamID string) error {
			err := c.api.LeaveTeam(ctx, teamID)
			if err == nil {
				fmt.Fprintf(c.out, "Left team %s\n", teamID)
				c.rosterChanged(ctx, teamID, types.RosterLeft)
			}
			return err
		})
	case "/deleteteam":
		c.withTeamID(arg, func(teamID string) error {
			err := c.api.DeleteTeam(ctx, teamID)
			if err == nil {
				fmt.Fprintf(c.out, "Deleted team %s\n", teamID)
				c.rosterChanged(ctx, teamID, types.RosterDeleted)
			}
			return err
		})
	case "/open":
		c.withTeamID(arg, func(teamID string) error {
			if err := c.room.Join(ctx, teamID); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Room %s open. Type to chat.\n", teamID)
			return nil
		})
	case "/close":
		c.closeRoom(ctx)
	case "/who":
		c.who(ctx)
	default:
		fmt.Fprintf(c.out, "Unknown command %s, try /help\n", cmd)
	}
	return false
}

func (c *console) say(ctx context.Context, body string) {
	if err := c.room.Send(ctx, body); err != nil {
		c.report(err)
	}
}

func (c *console) listTeams(ctx context.Context) {
	teams, err := c.api.ListTeams(ctx)
	if err != nil {
		c.report(err)
		return
	}
	if len(teams) == 0 {
		fmt.Fprintln(c.out, "No teams yet. /create one.")
		return
	}
	for _, t := range teams {
		fmt.Fprintf(c.out, "%s  %s  (%d members)", t.ID, t.Name, len(t.Members))
		if t.ID == c.room.TeamID() {
			fmt.Fprint(c.out, "  [open]")
		}
		fmt.Fprintln(c.out)
	}
}

func (c *console) createTeam(ctx context.Context, arg string) {
	name, repoURL, _ := strings.Cut(arg, " ")
	if name == "" {
		fmt.Fprintln(c.out, "Usage: /create <name> [repo url]")
		return
	}
	team, err := c.api.CreateTeam(ctx, name, strings.TrimSpace(repoURL))
	if err != nil {
		c.report(err)
		return
	}
	fmt.Fprintf(c.out, "Created team %s (%s)\n", team.Name, team.ID)
	c.rosterChanged(ctx, team.ID, types.RosterCreated)
}

func (c *console) closeRoom(ctx context.Context) {
	teamID := c.room.TeamID()
	if teamID == "" {
		fmt.Fprintln(c.out, "No room is open")
		return
	}
	if err := c.room.Leave(ctx); err != nil {
		c.report(err)
		return
	}
	fmt.Fprintf(c.out, "Closed room %s\n", teamID)
}

func (c *console) who(ctx context.Context) {
	teamID := c.room.TeamID()
	if teamID == "" || c.room.State() != room.Joined {
		fmt.Fprintln(c.out, "No room is open")
		return
	}
	online, err := c.api.Online(ctx, teamID)
	if err != nil {
		c.report(err)
		return
	}
	names := c.usernames(ctx, teamID, online)
	fmt.Fprintf(c.out, "Online in %s: %s\n", teamID, strings.Join(names, ", "))
}

// usernames resolves ids through the roster, falling back to the raw id.
func (c *console) usernames(ctx context.Context, teamID string, ids []string) []string {
	names := append([]string(nil), ids...)
	teams, err := c.api.ListTeams(ctx)
	if err != nil {
		return names
	}
	for _, t := range teams {
		if t.ID != teamID {
			continue
		}
		for i, id := range ids {
			if m, ok := t.Member(id); ok {
				names[i] = m.User.Username
			}
		}
	}
	return names
}

func (c *console) withTeamID(arg string, fn func(teamID string) error) {
	if arg == "" {
		fmt.Fprintln(c.out, "A team id is required")
		return
	}
	if err := fn(arg); err != nil {
		c.report(err)
	}
}

func (c *console) rosterChanged(ctx context.Context, teamID, kind string) {
	if c.notify != nil {
		c.notify(ctx, teamID, kind)
	}
}

func (c *console) report(err error) {
	switch {
	case errors.Is(err, types.ErrNotMember):
		fmt.Fprintln(c.out, "You are not a member of that team")
	case errors.Is(err, types.ErrTeamNotFound):
		fmt.Fprintln(c.out, "That team no longer exists")
	case errors.Is(err, types.ErrNotJoined):
		fmt.Fprintln(c.out, "Open a room first with /open <team id>")
	case errors.Is(err, types.ErrEmptyMessage):
	case errors.Is(err, types.ErrRosterUnavailable):
		fmt.Fprintln(c.out, "Team roster is unavailable, try again shortly")
	case errors.Is(err, types.ErrNotConnected), errors.Is(err, types.ErrTimeout):
		fmt.Fprintf(c.out, "Relay unreachable (%v), try again\n", err)
	default:
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}

func formatMessage(m types.Message) string {
	return fmt.Sprintf("[%s] %s: %s", m.ReceivedAt.Local().Format("15:04"), m.SenderUsername, m.Body)
}
