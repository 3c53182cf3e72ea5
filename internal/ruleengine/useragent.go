package ruleengine

import (
	"strings"

	"github.com/mssola/useragent"
)

// uaInfo is the subset of a parsed User-Agent that ua_based conditions read.
type uaInfo struct {
	osName         string
	osVersion      string
	browserName    string
	browserVersion string
}

// osAliases maps the parser's OS names onto the names targeting rules use.
// iPads report "CPU OS", which the parser leaves as "OS".
var osAliases = map[string]string{
	"iPhone OS": "iOS",
	"OS":        "iOS",
}

func parseUserAgent(ua string) uaInfo {
	if strings.TrimSpace(ua) == "" {
		return uaInfo{}
	}

	parsed := useragent.New(ua)
	osInfo := parsed.OSInfo()
	browser, browserVersion := parsed.Browser()

	name := osInfo.Name
	if alias, ok := osAliases[name]; ok {
		name = alias
	}
	return uaInfo{
		osName:         name,
		osVersion:      osInfo.Version,
		browserName:    browser,
		browserVersion: browserVersion,
	}
}

// uaField resolves the ua_based condition fields.
func uaField(u *User, field string) string {
	if u == nil || u.UserAgent == "" {
		return ""
	}

	info := parseUserAgent(u.UserAgent)
	switch strings.ToLower(field) {
	case "os_name", "osname":
		return info.osName
	case "os_version", "osversion":
		return info.osVersion
	case "browser_name", "browsername":
		return info.browserName
	case "browser_version", "browserversion":
		return info.browserVersion
	default:
		return Field(u, field)
	}
}
