package protocol

// Outbound actions
const (
	CmdPing             = "ping"
	CmdJoinRoom         = "join_room"
	CmdLeaveRoom        = "leave_room"
	CmdStartGame        = "start_game"
	CmdSubmitCardChoice = "submit_card_choice"
	CmdSubmitVote       = "submit_vote"
	CmdStartVoting      = "start_voting"
	CmdGetGameState     = "get_game_state"
)

func command(action string, room *int, data Data) Frame {
	if data == nil {
		data = Data{}
	}
	return Frame{Action: action, Data: data, RoomID: room}
}

func roomRef(id int) *int { return &id }

func Ping(probeID uint64) Frame {
	return command(CmdPing, nil, Data{"id": Int(int(probeID))})
}

func JoinRoom(roomID int) Frame {
	return command(CmdJoinRoom, roomRef(roomID), Data{"room_id": Int(roomID)})
}

func LeaveRoom(roomID int) Frame {
	return command(CmdLeaveRoom, roomRef(roomID), Data{"room_id": Int(roomID)})
}

func StartGame(roomID int) Frame {
	return command(CmdStartGame, roomRef(roomID), Data{"room_id": Int(roomID)})
}

// PlayCard submits a card choice. seq is the local sequence number echoed
// back by the server as client_seq.
func PlayCard(roomID, roundID, cardID int, anonymous bool, seq uint64) Frame {
	return command(CmdSubmitCardChoice, roomRef(roomID), Data{
		"round_id":   Int(roundID),
		"card_id":    Int(cardID),
		"anonymous":  Bool(anonymous),
		"client_seq": Int(int(seq)),
	})
}

func SubmitVote(roomID, roundID, votedFor int, seq uint64) Frame {
	return command(CmdSubmitVote, roomRef(roomID), Data{
		"round_id":   Int(roundID),
		"voted_for":  Int(votedFor),
		"client_seq": Int(int(seq)),
	})
}

func StartVoting(roomID, roundID int) Frame {
	return command(CmdStartVoting, roomRef(roomID), Data{"round_id": Int(roundID)})
}

func GetGameState(roomID int) Frame {
	return command(CmdGetGameState, roomRef(roomID), Data{"room_id": Int(roomID)})
}
