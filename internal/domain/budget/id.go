package budget

import (
	"fmt"
	"strconv"
	"strings"
)

// temporaryPrefix marks identifiers that were minted locally and have not
// been confirmed by the server yet. Server ids never start with "~".
const temporaryPrefix = "~tmp-"

// ID identifies an entity that is either confirmed by the server or still
// local to this client. Exactly one of Temp and Server is set.
type ID struct {
	Temp   uint64
	Server string
}

// TemporaryID returns the identifier for a locally created entity.
func TemporaryID(seq uint64) ID {
	return ID{Temp: seq}
}

// ServerID returns the identifier for a server-assigned id.
func ServerID(id string) ID {
	return ID{Server: id}
}

// IsTemporary reports whether the id was minted locally.
func (id ID) IsTemporary() bool {
	return id.Server == "" && id.Temp != 0
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id.Server == "" && id.Temp == 0
}

func (id ID) String() string {
	if id.IsTemporary() {
		return temporaryPrefix + strconv.FormatUint(id.Temp, 10)
	}
	return id.Server
}

// ParseID parses the text form produced by String.
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, nil
	}
	if !strings.HasPrefix(s, temporaryPrefix) {
		return ServerID(s), nil
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(s, temporaryPrefix), 10, 64)
	if err != nil || seq == 0 {
		return ID{}, fmt.Errorf("invalid temporary id %q", s)
	}
	return TemporaryID(seq), nil
}

// MarshalText lets ID be used as a JSON value and map key.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
