// Package types holds the shared data model and store/transport
// interfaces consumed by the rest of the client.
package types

import (
	"time"

	"github.com/google/uuid"
)

// GenerationID identifies one call to Generate. It is a local
// identifier, not a Discord snowflake.
type GenerationID string

// MessageID is a Discord snowflake, carried as a string since its
// magnitude exceeds what JSON numbers can losslessly represent.
type MessageID string

// ChannelID, GuildID and UserID are Discord snowflakes.
type ChannelID string
type GuildID string
type UserID string

// SessionID is the opaque string the gateway assigns at READY.
type SessionID string

// discordEpochMs is 2015-01-01T00:00:00Z in Unix milliseconds, the
// fixed point snowflake timestamps are relative to.
const discordEpochMs int64 = 1420070400000

// NewGenerationID returns a fresh random generation identifier.
func NewGenerationID() GenerationID {
	return GenerationID(uuid.New().String())
}

// SnowflakeTime extracts the creation timestamp encoded in a Discord
// snowflake id's high 42 bits.
func SnowflakeTime(id MessageID) (time.Time, error) {
	n, err := parseSnowflake(id)
	if err != nil {
		return time.Time{}, err
	}
	ms := (n >> 22) + discordEpochMs
	return time.UnixMilli(ms).UTC(), nil
}

func parseSnowflake(id MessageID) (int64, error) {
	var n int64
	for _, r := range string(id) {
		if r < '0' || r > '9' {
			return 0, &invalidSnowflakeError{id: string(id)}
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}

type invalidSnowflakeError struct{ id string }

func (e *invalidSnowflakeError) Error() string {
	return "types: invalid snowflake id " + e.id
}
