package rtdb

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/oklog/ulid/v2"
)

// Id is used for event-ids, subscription-ids, fetch-ids and connection-ids.
// It is ordered by creation time, which is useful for tiebreaking and for
// log correlation even though the wire protocol treats it as opaque.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, fmt.Errorf("id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeId(self)
}

func (self Id) LessThan(other Id) bool {
	return bytes.Compare(self[:], other[:]) < 0
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('"')
	buf.WriteString(encodeId(self))
	buf.WriteByte('"')
	return buf.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 {
		return fmt.Errorf("invalid length for id: %v", len(src))
	}
	buf, err := parseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseId(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped
	default:
		return dst, fmt.Errorf("cannot parse id %v", src)
	}
	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}
	copy(dst[:], buf)
	return dst, err
}

func encodeId(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// identifierPattern is applied to collection ids, subscription/fetch
// correlation names and every key-path segment.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateIdentifier(identifier string) error {
	if identifier == "" || !identifierPattern.MatchString(identifier) {
		return NewInvalidDataError(
			InvalidDataInvalidIdentifierFormat,
			fmt.Sprintf("invalid identifier: %q", identifier),
		)
	}
	return nil
}

// validateKeyPath checks a dotted key path where each segment is a valid
// identifier, e.g. "profile.name" or the special paths "$id"/"$created"/
// "$modified".
func validateKeyPath(keyPath string) error {
	switch keyPath {
	case "$id", "$created", "$modified":
		return nil
	}
	segments := splitKeyPath(keyPath)
	if len(segments) == 0 {
		return NewInvalidDataError(InvalidDataInvalidKeyPath, fmt.Sprintf("invalid key path: %q", keyPath))
	}
	for _, segment := range segments {
		if err := validateIdentifier(segment); err != nil {
			return NewInvalidDataError(InvalidDataInvalidKeyPath, fmt.Sprintf("invalid key path: %q", keyPath))
		}
	}
	return nil
}

func splitKeyPath(keyPath string) []string {
	if keyPath == "" {
		return nil
	}
	segments := []string{}
	start := 0
	for i := 0; i < len(keyPath); i += 1 {
		if keyPath[i] == '.' {
			segments = append(segments, keyPath[start:i])
			start = i + 1
		}
	}
	segments = append(segments, keyPath[start:])
	return segments
}

// validateDocumentBody recursively validates that a document value is
// JSON-serializable in the restricted sense the wire codec requires: no
// key may contain a ".", since key paths use "." as a path separator.
func validateDocumentBody(value any) error {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			for i := 0; i < len(key); i += 1 {
				if key[i] == '.' {
					return NewInvalidDataError(
						InvalidDataInvalidDocument,
						fmt.Sprintf("document key contains '.': %q", key),
					)
				}
			}
			if err := validateDocumentBody(nested); err != nil {
				return err
			}
		}
	case []any:
		for _, nested := range v {
			if err := validateDocumentBody(nested); err != nil {
				return err
			}
		}
	}
	return nil
}
