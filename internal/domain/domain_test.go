package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		raw  string
		want Command
		all  bool
		err  bool
	}{
		{raw: "mute", want: CommandMute},
		{raw: "Mute-All", want: CommandMute, all: true},
		{raw: " close-video-all ", want: CommandCloseVideo, all: true},
		{raw: "open-video", want: CommandOpenVideo},
		{raw: "unmute-all", want: CommandUnmute, all: true},
		{raw: "remove", want: CommandRemove},
		{raw: "remove-all", err: true},
		{raw: "shout", err: true},
		{raw: "", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cmd, all, err := ParseCommand(tt.raw)
			if tt.err {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
			assert.Equal(t, tt.all, all)
		})
	}
}

func TestCommandAll(t *testing.T) {
	assert.Equal(t, Command("mute-all"), CommandMute.All())
	assert.Equal(t, CommandRemove, CommandRemove.All())
	assert.True(t, CommandRemove.Terminal())
	assert.False(t, CommandMute.Terminal())
}

func TestParseRoomKindAndMode(t *testing.T) {
	kind, err := ParseRoomKind("")
	require.NoError(t, err)
	assert.Equal(t, RoomKindBroadcast, kind)

	kind, err = ParseRoomKind("Meeting")
	require.NoError(t, err)
	assert.Equal(t, RoomKindConference, kind)

	_, err = ParseRoomKind("webinar")
	assert.ErrorIs(t, err, ErrValidation)

	mode, err := ParseAdmissionMode("moderated")
	require.NoError(t, err)
	assert.Equal(t, AdmissionManual, mode)

	mode, err = ParseAdmissionMode("open")
	require.NoError(t, err)
	assert.Equal(t, AdmissionAuto, mode)

	_, err = ParseAdmissionMode("invite-only")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("get room: %w", ErrRoomExpired)
	assert.Equal(t, CodeRoomExpired, Code(wrapped))
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))

	assert.Equal(t, ErrRoomExpired, ErrorFromCode(CodeRoomExpired))
	assert.Nil(t, ErrorFromCode("teapot"))

	assert.Equal(t, "This room has expired.", UserMessage(wrapped))
	assert.Equal(t, "The host declined your request to join.", UserMessage(ErrAdmissionRejected))
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "Something went wrong.", UserMessage(errors.New("boom")))
}

func TestSignalValidate(t *testing.T) {
	mid := "0"
	assert.NoError(t, Signal{Type: SignalOffer, SDP: "v=0"}.Validate())
	assert.NoError(t, Signal{Type: SignalCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}}.Validate())

	assert.ErrorIs(t, Signal{Type: SignalAnswer}.Validate(), ErrValidation)
	assert.ErrorIs(t, Signal{Type: SignalCandidate}.Validate(), ErrValidation)
	assert.ErrorIs(t, Signal{Type: "bye"}.Validate(), ErrValidation)

	sd := Signal{Type: SignalAnswer, SDP: "v=0"}.SessionDescription()
	assert.Equal(t, webrtc.SDPTypeAnswer, sd.Type)
}

func TestRoomOpenAndSeats(t *testing.T) {
	room := NewRoom(RoomKindConference, "standup", AdmissionManual, 0, time.Hour)
	assert.Len(t, room.ID, linkLength)
	assert.Equal(t, DefaultMaxParticipants, room.MaxParticipants)
	assert.NoError(t, room.CheckOpen())

	waiting := NewParticipant("a", "Ann", RoleParticipant)
	rejected := NewParticipant("b", "Bob", RoleParticipant)
	rejected.Status = StatusRejected
	room.Members[waiting.ID] = waiting
	room.Members[rejected.ID] = rejected
	assert.Equal(t, 1, room.OccupiedSeats())

	members := room.MembersSnapshot()
	require.Len(t, members, 2)
	assert.Equal(t, "a", members[0].ID)

	room.IsActive = false
	assert.ErrorIs(t, room.CheckOpen(), ErrRoomInactive)

	room.ExpiresAt = time.Now().Add(-time.Minute)
	assert.ErrorIs(t, room.CheckOpen(), ErrRoomExpired)
}
