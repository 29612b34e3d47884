// Package store remembers the last room each player joined so a restarted
// client can find its way back to a game in progress.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("no room recorded")

type RoomRecord struct {
	PlayerID  int
	RoomID    int
	GameID    int
	SessionID string
	SavedAt   time.Time
}

type Store interface {
	SaveRoom(ctx context.Context, rec RoomRecord) error
	LoadRoom(ctx context.Context, playerID int) (RoomRecord, error)
	ClearRoom(ctx context.Context, playerID int) error
	Close() error
}
