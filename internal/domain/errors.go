package domain

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomInactive       = errors.New("room is no longer active")
	ErrRoomExpired        = errors.New("room expired")
	ErrValidation         = errors.New("validation error")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrParticipantMissing = errors.New("participant not found")
	ErrAdmissionRejected  = errors.New("admission rejected by host")
	ErrAdmissionRevoked   = errors.New("admission revoked")
	ErrMediaAccessDenied  = errors.New("media access denied")
	ErrSignalingTransport = errors.New("signaling transport error")
	ErrPeerConnection     = errors.New("peer connection error")
)

// Error codes carried in REST and socket error payloads.
const (
	CodeRoomNotFound       = "room_not_found"
	CodeRoomInactive       = "room_inactive"
	CodeRoomExpired        = "room_expired"
	CodeValidation         = "validation_error"
	CodeUnauthorized       = "unauthorized"
	CodeParticipantMissing = "participant_not_found"
	CodeInternal           = "internal_error"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrRoomNotFound, CodeRoomNotFound},
	{ErrRoomInactive, CodeRoomInactive},
	{ErrRoomExpired, CodeRoomExpired},
	{ErrValidation, CodeValidation},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrParticipantMissing, CodeParticipantMissing},
}

// Code maps an error to its wire code.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorFromCode is the inverse of Code. Unknown codes yield nil.
func ErrorFromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// UserMessage returns the text shown to a person for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound):
		return "This room does not exist. Check the link and try again."
	case errors.Is(err, ErrRoomExpired):
		return "This room has expired."
	case errors.Is(err, ErrRoomInactive):
		return "This room has ended."
	case errors.Is(err, ErrAdmissionRejected):
		return "The host declined your request to join."
	case errors.Is(err, ErrAdmissionRevoked):
		return "You have been removed from the room."
	case errors.Is(err, ErrMediaAccessDenied):
		return "Camera or microphone access was denied."
	case errors.Is(err, ErrSignalingTransport):
		return "Connection to the server was lost. Reconnecting."
	case errors.Is(err, ErrPeerConnection):
		return "A media connection failed."
	case errors.Is(err, ErrUnauthorized):
		return "Only the host can do that."
	case errors.Is(err, ErrValidation):
		return "The request was invalid."
	default:
		return "Something went wrong."
	}
}
