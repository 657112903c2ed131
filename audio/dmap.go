package audio

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// dmapStringTags maps the DMAP item codes senders use for track metadata.
var dmapStringTags = map[string]string{
	"minm": "title",
	"asar": "artist",
	"asal": "album",
	"asgn": "genre",
	"ascp": "composer",
	"asaa": "album_artist",
}

var dmapContainers = map[string]bool{
	"mlit": true,
	"mlcl": true,
	"mcon": true,
}

// maxDMAPDepth bounds container nesting in untrusted input.
const maxDMAPDepth = 8

// ParseDMAP extracts the known string fields of an application/x-dmap-tagged
// body. Unknown items are skipped.
func ParseDMAP(data []byte) (map[string]string, error) {
	fields := make(map[string]string)
	if err := parseDMAP(data, fields, 0); err != nil {
		return nil, err
	}
	return fields, nil
}

func parseDMAP(data []byte, fields map[string]string, depth int) error {
	if depth > maxDMAPDepth {
		return oops.Wrapf(ErrMalformedMetadata, "dmap nesting deeper than %d", maxDMAPDepth)
	}

	for len(data) > 0 {
		if len(data) < 8 {
			return oops.Wrapf(ErrMalformedMetadata, "dmap item header truncated")
		}
		tag := string(data[:4])
		size := binary.BigEndian.Uint32(data[4:8])
		if uint64(size) > uint64(len(data)-8) {
			return oops.Wrapf(ErrMalformedMetadata, "dmap item %q declares %d bytes, %d left", tag, size, len(data)-8)
		}
		value := data[8 : 8+size]

		if dmapContainers[tag] {
			if err := parseDMAP(value, fields, depth+1); err != nil {
				return err
			}
		} else if name, ok := dmapStringTags[tag]; ok {
			fields[name] = string(value)
		}
		data = data[8+size:]
	}
	return nil
}

// EncodeDMAPItem encodes one tag/value pair.
func EncodeDMAPItem(tag string, value []byte) []byte {
	out := make([]byte, 8+len(value))
	copy(out, tag)
	binary.BigEndian.PutUint32(out[4:], uint32(len(value)))
	copy(out[8:], value)
	return out
}
