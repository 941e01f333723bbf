package processor

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/dollspace-gay/PublicAppView/internal/atutil"
)

// Record collections and $type tags handled by the router.
const (
	collectionPost         = "app.bsky.feed.post"
	collectionLike         = "app.bsky.feed.like"
	collectionRepost       = "app.bsky.feed.repost"
	collectionFollow       = "app.bsky.graph.follow"
	collectionBlock        = "app.bsky.graph.block"
	collectionBookmark     = "app.bsky.bookmark"
	collectionList         = "app.bsky.graph.list"
	collectionListItem     = "app.bsky.graph.listitem"
	collectionFeedGen      = "app.bsky.feed.generator"
	collectionStarterPack  = "app.bsky.graph.starterpack"
	collectionLabeler      = "app.bsky.labeler.service"
	collectionVerification = "app.bsky.graph.verification"
	collectionProfile      = "app.bsky.actor.profile"
	collectionLabel        = "com.atproto.label"
)

var mentionRe = regexp.MustCompile(`@[a-zA-Z0-9.-]+`)

// --- map extraction helpers ----------------------------------------------
//
// Firehose records decode to map[string]any; these helpers pull typed
// fields out without panicking on malformed shapes.

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func getBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	if b, ok := m[key].(bool); ok {
		return b
	}
	return false
}

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	return nil
}

func getStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func recordType(record map[string]any) string {
	return getString(record, "$type")
}

func createdAt(record map[string]any) time.Time {
	return atutil.SafeDate(getString(record, "createdAt"))
}

// subjectRef reads a {uri, cid} strong ref found under "subject" in
// likes and reposts.
func subjectRef(record map[string]any) (uri, cid string) {
	sub := getMap(record, "subject")
	return getString(sub, "uri"), getString(sub, "cid")
}

// replyRefs reads parent and root URIs of a reply post.
func replyRefs(record map[string]any) (parent, root string) {
	reply := getMap(record, "reply")
	if reply == nil {
		return "", ""
	}
	return getString(getMap(reply, "parent"), "uri"),
		getString(getMap(reply, "root"), "uri")
}

// quotedURI extracts the URI of a quoted post from a record embed, for
// both plain record embeds and record-with-media.
func quotedURI(record map[string]any) string {
	embed := getMap(record, "embed")
	if embed == nil {
		return ""
	}
	switch getString(embed, "$type") {
	case "app.bsky.embed.record":
		return getString(getMap(embed, "record"), "uri")
	case "app.bsky.embed.recordWithMedia":
		return getString(getMap(getMap(embed, "record"), "record"), "uri")
	}
	return ""
}

// blobCID normalizes the several shapes a blob reference arrives in:
// {"ref": {"$link": cid}}, {"ref": cid}, legacy {"cid": cid}.
func blobCID(record map[string]any, key string) string {
	blob := getMap(record, key)
	if blob == nil {
		return ""
	}
	if ref, ok := blob["ref"].(map[string]any); ok {
		if link := getString(ref, "$link"); link != "" {
			return link
		}
	}
	if ref, ok := blob["ref"].(string); ok {
		return ref
	}
	return getString(blob, "cid")
}

// mentionHandles returns the distinct @handles mentioned in text,
// without the leading @.
func mentionHandles(text string) []string {
	matches := mentionRe.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		h := strings.TrimPrefix(m, "@")
		h = strings.Trim(h, ".-")
		if h == "" || !strings.Contains(h, ".") {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// marshalField JSON-encodes one sub-document of a record for storage,
// returning nil when the field is absent.
func marshalField(record map[string]any, key string) []byte {
	v, ok := record[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func marshalRecord(record map[string]any) []byte {
	b, err := json.Marshal(record)
	if err != nil {
		return []byte("{}")
	}
	return b
}
