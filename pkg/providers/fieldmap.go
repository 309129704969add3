package providers

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
)

// Field names a NormalizedMetrics target.
type Field string

const (
	FieldFollowers      Field = "followers"
	FieldFollowing      Field = "following"
	FieldPosts          Field = "posts"
	FieldAvgLikes       Field = "avg_likes"
	FieldAvgComments    Field = "avg_comments"
	FieldAvgShares      Field = "avg_shares"
	FieldEngagementRate Field = "engagement_rate"
	FieldTotalViews     Field = "total_views"
	FieldName           Field = "name"
	FieldBio            Field = "bio"
	FieldLocation       Field = "location"
	FieldVerified       Field = "verified"
)

// FieldRule lists candidate dotted paths for one target field, in priority order.
type FieldRule struct {
	Target Field
	Paths  []string
}

// FieldMap is evaluated rule by rule; within a rule the first candidate that
// resolves to a usable value wins.
type FieldMap []FieldRule

// Normalize maps payload (a decoded JSON tree) into NormalizedMetrics. Unset
// fields keep their zero values.
func (m FieldMap) Normalize(payload any) domain.NormalizedMetrics {
	out, _ := m.Resolve(payload)
	return out
}

// Resolve is Normalize plus the number of rules that found a usable value.
// Zero means the payload carried nothing this map recognises.
func (m FieldMap) Resolve(payload any) (domain.NormalizedMetrics, int) {
	var out domain.NormalizedMetrics
	resolved := 0
	for _, rule := range m {
		for _, path := range rule.Paths {
			raw, ok := Lookup(payload, path)
			if !ok {
				continue
			}
			if assign(&out, rule.Target, raw) {
				resolved++
				break
			}
		}
	}
	if obj, ok := payload.(map[string]any); ok {
		out.RawData = obj
	} else if payload != nil {
		out.RawData = map[string]any{"data": payload}
	}
	return out, resolved
}

func assign(out *domain.NormalizedMetrics, target Field, raw any) bool {
	switch target {
	case FieldFollowers:
		return setInt(&out.Followers, raw)
	case FieldFollowing:
		return setInt(&out.Following, raw)
	case FieldPosts:
		return setInt(&out.Posts, raw)
	case FieldTotalViews:
		return setInt(&out.TotalViews, raw)
	case FieldAvgLikes:
		return setFloat(&out.AvgLikes, raw)
	case FieldAvgComments:
		return setFloat(&out.AvgComments, raw)
	case FieldAvgShares:
		return setFloat(&out.AvgShares, raw)
	case FieldEngagementRate:
		return setFloat(&out.EngagementRate, raw)
	case FieldName:
		return setString(&out.Name, raw)
	case FieldBio:
		return setString(&out.Bio, raw)
	case FieldLocation:
		return setString(&out.Location, raw)
	case FieldVerified:
		v, ok := toBool(raw)
		if ok {
			out.Verified = v
		}
		return ok
	}
	return false
}

func setInt(dst *int64, raw any) bool {
	v, ok := toFloat(raw)
	if !ok {
		return false
	}
	*dst = int64(math.Round(v))
	return true
}

func setFloat(dst *float64, raw any) bool {
	v, ok := toFloat(raw)
	if !ok {
		return false
	}
	*dst = v
	return true
}

func setString(dst *string, raw any) bool {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return false
		}
		*dst = s
		return true
	case float64:
		*dst = strconv.FormatFloat(v, 'f', -1, 64)
		return true
	case json.Number:
		*dst = v.String()
		return true
	}
	return false
}

// Lookup walks a dotted path through nested maps; numeric segments index arrays.
// Null leaves count as absent.
func Lookup(payload any, path string) (any, bool) {
	cur := payload
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		return ParseCount(v)
	}
	return 0, false
}

func toBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	}
	return false, false
}

// countPattern only accepts a count that leads the string, optionally followed
// by a unit word, so "Joined 2015 · 19M followers" is not read as 2015.
var countPattern = regexp.MustCompile(`(?i)^(\d[\d,]*(?:\.\d+)?)\s*([kmb])?(?:\s+\p{L}[\p{L}\s]*)?$`)

// ParseCount parses human-formatted counts such as "3,400", "1.2K" or "19M followers".
func ParseCount(s string) (float64, bool) {
	match := countPattern.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(match[2]) {
	case "k":
		n *= 1e3
	case "m":
		n *= 1e6
	case "b":
		n *= 1e9
	}
	return n, true
}

// decodePayload unmarshals a JSON body into a generic tree.
func decodePayload(body []byte) (any, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// toPayload round-trips a typed value through JSON so it can be walked with a FieldMap.
func toPayload(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodePayload(raw)
}
