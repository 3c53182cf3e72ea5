package ruleengine

import (
	"strings"

	goversion "github.com/hashicorp/go-version"
)

// parseVersion reads a dotted numeric version such as "v1.10.2". Any
// pre-release or build suffix is ignored, so "2.0.0-beta.1" equals
// "2.0.0". Missing trailing segments compare as zero.
func parseVersion(s string) (*goversion.Version, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "-+"); i > 0 {
		s = s[:i]
	}
	v, err := goversion.NewVersion(s)
	if err != nil {
		return nil, false
	}
	return v, true
}
