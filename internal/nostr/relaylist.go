package nostr

import (
	"nostr-relay-engine/internal/types"
	"nostr-relay-engine/internal/util"
)

// KindRelayList is the NIP-65 relay list metadata kind
const KindRelayList = 10002

// ParseRelayList reads the "r" tags of a kind 10002 event. Tags without a
// marker count as both read and write. Invalid URLs are skipped.
func ParseRelayList(evt types.Event) types.RelayList {
	var list types.RelayList
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		u := NormalizeRelayURL(tag[1])
		if u == "" {
			continue
		}

		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			list.Read = append(list.Read, u)
		case "write":
			list.Write = append(list.Write, u)
		default:
			list.Read = append(list.Read, u)
			list.Write = append(list.Write, u)
		}
	}
	list.Read = util.Dedupe(list.Read)
	list.Write = util.Dedupe(list.Write)
	return list
}
