package ruleengine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// UnitID returns the identifier used for bucketing under idType.
// "userID" (any casing) resolves to User.UserID; other types are looked up
// in CustomIDs, first verbatim and then lowercased. Missing IDs are empty.
func UnitID(u *User, idType string) string {
	if u == nil {
		return ""
	}
	if idType == "" || strings.EqualFold(idType, DefaultIDType) {
		return u.UserID
	}
	if id, ok := u.CustomIDs[idType]; ok {
		return id
	}
	if id, ok := u.CustomIDs[strings.ToLower(idType)]; ok {
		return id
	}
	return ""
}

// Field resolves a named user attribute. Well-known fields win over custom
// attributes, which win over private attributes.
func Field(u *User, field string) string {
	if u == nil {
		return ""
	}

	switch strings.ToLower(field) {
	case "userid", "user_id":
		return u.UserID
	case "email":
		return u.Email
	case "ip", "ipaddress", "ip_address":
		return u.IP
	case "useragent", "user_agent":
		return u.UserAgent
	case "country":
		return u.Country
	case "locale":
		return u.Locale
	case "appversion", "app_version":
		return u.AppVersion
	}

	if v, ok := lookupAny(u.Custom, field); ok {
		return stringify(v)
	}
	if v, ok := lookupAny(u.PrivateAttributes, field); ok {
		return stringify(v)
	}
	return ""
}

func environmentField(u *User, field string) string {
	if u == nil {
		return ""
	}
	if v, ok := u.Environment[field]; ok {
		return v
	}
	return u.Environment[strings.ToLower(field)]
}

func lookupAny(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	v, ok := m[strings.ToLower(key)]
	return v, ok
}

// stringify renders attribute values the same way target values are
// rendered so equality and set membership work across JSON types.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
