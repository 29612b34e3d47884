// Package protocol is the socket wire format: frames, the commands a client
// sends and the events a server pushes.
//
// Every frame is {"action": string, "data": object, "room_id"?: number,
// "timestamp"?: RFC 3339 string}. Data fields per action:
//
// Client -> Server
//
//	ping:               id: number
//	join_room:          room_id: number
//	leave_room:         room_id: number
//	start_game:         room_id: number
//	submit_card_choice: round_id, card_id: number, anonymous: bool, client_seq: number
//	submit_vote:        round_id, voted_for, client_seq: number
//	start_voting:       round_id: number
//	get_game_state:     room_id: number
//
// Server -> Client
//
//	pong:               id?: number
//	room_state_changed: room: {id, capacity, members: number[], is_public, status}
//	game_started:       game_id, room_id, total_rounds: number, players: Player[]
//	round_started:      game_id, round_id, round_number: number, situation: string, time_limit: seconds
//	card_played:        round_id, player_id, card_id: number, anonymous: bool, client_seq?: number
//	voting_started:     round_id: number, time_limit: seconds, choices: Choice[]
//	vote_submitted:     round_id, voter_id, voted_for: number, client_seq?: number
//	round_ended:        round_id: number, result: {winner_id, winning_card, points, votes}, scores, rare_card_awarded_to?
//	game_ended:         game_id, winner_id: number, scores: {[player_id]: number}
//	player_joined:      player: Player
//	player_left:        player_id: number
//	timer_update:       round_id: number, remaining: seconds
//	timeout_warning:    round_id: number, remaining: seconds
//	player_timeout:     player_id: number
//	connection_lost:    reason: string
//	error:              code, message: string, client_seq?: number
//	game_state:         room, game?, round? (full snapshot used to resync)
//
// Seconds may arrive as integers or fractions.
package protocol
