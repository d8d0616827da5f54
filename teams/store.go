package teams

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"devconnect/types"

	"github.com/google/uuid"
)

var errNotFound = errors.New("not found")

// upsertUser returns the user with username, creating it on first login.
func upsertUser(db *sql.DB, username, avatarURL string) (types.User, error) {
	var user types.User
	err := db.QueryRow(`SELECT id, username, name, avatar_url FROM users WHERE username = ?`, username).
		Scan(&user.ID, &user.Username, &user.Name, &user.AvatarURL)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		user = types.User{ID: uuid.NewString(), Username: username, Name: username, AvatarURL: avatarURL}
		_, err = db.Exec(`INSERT INTO users (id, username, name, avatar_url) VALUES (?, ?, ?, ?)`,
			user.ID, user.Username, user.Name, user.AvatarURL)
		return user, err
	case err != nil:
		return user, err
	}

	if avatarURL != "" && avatarURL != user.AvatarURL {
		if _, err := db.Exec(`UPDATE users SET avatar_url = ? WHERE id = ?`, avatarURL, user.ID); err != nil {
			return user, err
		}
		user.AvatarURL = avatarURL
	}
	return user, nil
}

func getUser(db *sql.DB, id string) (types.User, error) {
	var user types.User
	err := db.QueryRow(`SELECT id, username, name, avatar_url FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Username, &user.Name, &user.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return user, errNotFound
	}
	return user, err
}

func createTeam(db *sql.DB, name, repoURL, ownerID string) (string, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	id := uuid.NewString()
	if _, err := tx.Exec(`INSERT INTO teams (id, name, repo_url, owner_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, repoURL, ownerID, now); err != nil {
		return "", fmt.Errorf("insert team: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, 'owner', ?)`,
		id, ownerID, now); err != nil {
		return "", fmt.Errorf("insert owner: %w", err)
	}
	return id, tx.Commit()
}

func teamOwner(db *sql.DB, teamID string) (string, error) {
	var owner string
	err := db.QueryRow(`SELECT owner_id FROM teams WHERE id = ?`, teamID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errNotFound
	}
	return owner, err
}

func addMember(db *sql.DB, teamID, userID string) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, 'member', ?)`,
		teamID, userID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// removeMember reports errNotFound when userID was not in the team.
func removeMember(db *sql.DB, teamID, userID string) error {
	res, err := db.Exec(`DELETE FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound
	}
	return nil
}

func deleteTeam(db *sql.DB, teamID string) error {
	_, err := db.Exec(`DELETE FROM teams WHERE id = ?`, teamID)
	return err
}

// memberIDs lists the user ids currently in teamID.
func memberIDs(db *sql.DB, teamID string) ([]string, error) {
	rows, err := db.Query(`SELECT user_id FROM team_members WHERE team_id = ?`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// listTeams returns every team with its members, oldest team first.
func listTeams(db *sql.DB, teamID string) ([]types.Team, error) {
	query := `
		SELECT t.id, t.name, t.repo_url, u.id, u.username, u.name, u.avatar_url, m.role
		FROM teams t
		LEFT JOIN team_members m ON m.team_id = t.id
		LEFT JOIN users u ON u.id = m.user_id
		WHERE (? = '' OR t.id = ?)
		ORDER BY t.created_at, t.id, m.joined_at`
	rows, err := db.Query(query, teamID, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teams := []types.Team{}
	index := map[string]int{}
	for rows.Next() {
		var t types.Team
		var userID, username, name, avatar, role sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.RepoURL, &userID, &username, &name, &avatar, &role); err != nil {
			return nil, err
		}
		i, ok := index[t.ID]
		if !ok {
			t.Members = []types.Member{}
			teams = append(teams, t)
			i = len(teams) - 1
			index[t.ID] = i
		}
		if userID.Valid {
			teams[i].Members = append(teams[i].Members, types.Member{
				User: types.User{
					ID:        userID.String,
					Username:  username.String,
					Name:      name.String,
					AvatarURL: avatar.String,
				},
				Role: role.String,
			})
		}
	}
	return teams, rows.Err()
}

func getTeam(db *sql.DB, teamID string) (types.Team, error) {
	teams, err := listTeams(db, teamID)
	if err != nil {
		return types.Team{}, err
	}
	if len(teams) == 0 {
		return types.Team{}, errNotFound
	}
	return teams[0], nil
}

// MemberCheck answers roster lookups for the chat hub.
func MemberCheck(db *sql.DB) func(teamID, userID string) (bool, error) {
	return func(teamID, userID string) (bool, error) {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID).Scan(&n)
		return n > 0, err
	}
}
