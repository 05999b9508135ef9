package registry

import (
	"sort"
	"strconv"
	"strings"

	"github.com/codebroker/codebroker/storage"
)

// signatureVersion prefixes every signature so a format change invalidates
// all cached builds at once.
const signatureVersion = "V1"

// Signature fingerprints a workspace's enabled tool sources. It changes
// exactly when an enabled source's config, auth material, update time or
// enable flag changes; disabled sources do not contribute.
func Signature(sources []*storage.ToolSource) string {
	entries := make([]string, 0, len(sources))
	for _, s := range sources {
		if !s.Enabled {
			continue
		}
		entries = append(entries, strings.Join([]string{
			s.ID.String(),
			s.SpecHash,
			s.AuthFingerprint,
			strconv.FormatInt(s.UpdatedAt.UnixMilli(), 10),
			strconv.FormatBool(s.Enabled),
		}, ":"))
	}
	sort.Strings(entries)
	return signatureVersion + "||" + strings.Join(entries, "||")
}
