package hwlite

import (
	"encoding/binary"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// hardenedFlag marks a hardened component in a BIP32 derivation path.
const hardenedFlag = uint32(0x80000000)

var pathComponent = regexp.MustCompile(`^(\d+)(['hH]?)$`)

// ParseDerivationPath parses a BIP32 derivation path string into the derivation source and the
// binary path Data for DERIVE KEY and SET PINLESS PATH. The prefix selects the source: "m/"
// derives from the master key, "../" from the parent of the current key and "./" from the
// current key. The bare prefixes "m", ".." and "." select the source with an empty path.
// Components are separated by "/" and encoded as big endian 32 bit integers, a trailing ',
// h or H marks a hardened component.
func ParseDerivationPath(path string) (byte, []byte, error) {
	var source byte
	var rest string

	switch {
	case path == "m":
		return DeriveP1SourceMaster, nil, nil
	case path == "..":
		return DeriveP1SourceParent, nil, nil
	case path == ".":
		return DeriveP1SourceCurrent, nil, nil
	case strings.HasPrefix(path, "m/"):
		source = DeriveP1SourceMaster
		rest = path[2:]
	case strings.HasPrefix(path, "../"):
		source = DeriveP1SourceParent
		rest = path[3:]
	case strings.HasPrefix(path, "./"):
		source = DeriveP1SourceCurrent
		rest = path[2:]
	default:
		return 0, nil, errors.Errorf("derivation path must start with m/, ../ or ./, got: %s", path)
	}

	components := strings.Split(rest, "/")
	data := make([]byte, 0, len(components)*4)

	for _, component := range components {
		matches := pathComponent.FindStringSubmatch(component)
		if matches == nil {
			return 0, nil, errors.Errorf("invalid derivation path component: %s", component)
		}

		index, err := strconv.ParseUint(matches[1], 10, 32)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "parse derivation path component %s", component)
		}

		value := uint32(index)
		if value >= hardenedFlag {
			return 0, nil, errors.Errorf("derivation path component out of range: %s", component)
		}

		if matches[2] != "" {
			value |= hardenedFlag
		}

		var encoded [4]byte

		binary.BigEndian.PutUint32(encoded[:], value)
		data = append(data, encoded[:]...)
	}

	return source, data, nil
}
