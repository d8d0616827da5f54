package types

import "errors"

var (
	ErrNotConnected      = errors.New("not connected")
	ErrNotMember         = errors.New("not a member of this team")
	ErrAlreadyJoining    = errors.New("already joining a room")
	ErrNotJoined         = errors.New("not joined to a room")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrTimeout           = errors.New("timed out waiting for acknowledgement")
	ErrBackpressure      = errors.New("send queue full, oldest message dropped")
	ErrRosterUnavailable = errors.New("team roster unavailable")
	ErrTeamNotFound      = errors.New("team not found")
)

// Ack codes sent by the relay on failure.
const (
	CodeBadRequest   = "bad_request"
	CodeEmptyMessage = "empty_message"
	CodeRateLimited  = "rate_limited"
	CodeNotJoined    = "not_joined"
	CodeNotMember    = "not_member"
	CodeTooLarge     = "too_large"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrTooLarge    = errors.New("message too large")
)

// ErrorFromCode maps a failed ack back onto the error taxonomy.
func ErrorFromCode(code string) error {
	switch code {
	case CodeEmptyMessage:
		return ErrEmptyMessage
	case CodeRateLimited:
		return ErrRateLimited
	case CodeNotJoined:
		return ErrNotJoined
	case CodeNotMember:
		return ErrNotMember
	case CodeTooLarge:
		return ErrTooLarge
	case "":
		return errors.New("request rejected")
	default:
		return errors.New("request rejected: " + code)
	}
}
