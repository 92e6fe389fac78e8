package fingerprint

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAkamai parses an Akamai HTTP/2 fingerprint string into HTTP2Settings
// plus the pseudo-header order.
//
// Format: SETTINGS|WINDOW_UPDATE|PRIORITY|PSEUDO_HEADER_ORDER
//
//	SETTINGS            semicolon-separated "id:value" pairs
//	WINDOW_UPDATE       connection-level window update increment
//	PRIORITY            stream weight, 0 means not sent
//	PSEUDO_HEADER_ORDER comma-separated m/a/s/p identifiers
//
// Chrome example: "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p"
func ParseAkamai(akamai string) (*HTTP2Settings, []string, error) {
	parts := strings.Split(akamai, "|")
	if len(parts) != 4 {
		return nil, nil, fmt.Errorf("akamai: expected 4 pipe-separated fields, got %d", len(parts))
	}

	settings := &HTTP2Settings{}

	if parts[0] != "" {
		for _, pair := range strings.Split(parts[0], ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) != 2 {
				return nil, nil, fmt.Errorf("akamai: invalid settings pair %q", pair)
			}
			id, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 16)
			if err != nil {
				return nil, nil, fmt.Errorf("akamai: invalid settings id %q: %w", kv[0], err)
			}
			val, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("akamai: invalid settings value %q: %w", kv[1], err)
			}

			switch id {
			case 1:
				settings.HeaderTableSize = uint32(val)
			case 2:
				settings.EnablePush = val != 0
			case 3:
				settings.MaxConcurrentStreams = uint32(val)
			case 4:
				settings.InitialWindowSize = uint32(val)
			case 5:
				settings.MaxFrameSize = uint32(val)
			case 6:
				settings.MaxHeaderListSize = uint32(val)
			case 9:
				settings.NoRFC7540Priorities = val != 0
			default:
				// Unknown or unhandled setting IDs are ignored.
			}
		}
	}

	if parts[1] != "" {
		windowUpdate, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("akamai: invalid window update %q: %w", parts[1], err)
		}
		settings.ConnectionWindowUpdate = uint32(windowUpdate)
	}

	if parts[2] != "" {
		weight, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 16)
		if err != nil {
			return nil, nil, fmt.Errorf("akamai: invalid priority weight %q: %w", parts[2], err)
		}
		if weight > 0 {
			settings.StreamWeight = uint16(weight)
			settings.StreamExclusive = true
		}
	}

	var pseudoOrder []string
	if parts[3] != "" {
		for _, ch := range strings.Split(strings.TrimSpace(parts[3]), ",") {
			switch strings.TrimSpace(ch) {
			case "m":
				pseudoOrder = append(pseudoOrder, ":method")
			case "a":
				pseudoOrder = append(pseudoOrder, ":authority")
			case "s":
				pseudoOrder = append(pseudoOrder, ":scheme")
			case "p":
				pseudoOrder = append(pseudoOrder, ":path")
			default:
				return nil, nil, fmt.Errorf("akamai: unknown pseudo-header identifier %q", ch)
			}
		}
	}

	return settings, pseudoOrder, nil
}
