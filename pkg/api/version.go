package api

import (
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// versionHashLength is the number of hex characters of the content digest
// kept in a version string. Ten characters keep image tags readable while
// leaving collisions vanishingly unlikely within one project.
const versionHashLength = 10

// VersionString derives a content-addressed version identifier from an
// arbitrary set of inputs (file hashes, config digests, dependency versions).
// The inputs are sorted so the result is independent of iteration order.
func VersionString(inputs ...string) string {
	sorted := append([]string(nil), inputs...)
	sort.Strings(sorted)
	d := digest.FromString(strings.Join(sorted, "\n"))
	return "v-" + d.Encoded()[:versionHashLength]
}
