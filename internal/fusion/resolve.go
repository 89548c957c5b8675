package fusion

import (
	"sort"
	"strings"
	"time"
)

// Resolve fuses the given frames into a UnifiedContext with the given
// version. Frames must already be filtered for staleness; each dimension is
// resolved independently:
//
//   - location and mood: highest priority × confidence wins, ties broken by
//     the most recent observation
//   - activity: the most recent observation wins regardless of priority
//     (activity is transient and self-reported)
//   - people: case-insensitive union across all frames, confidence is the
//     mean of contributing devices
//
// Overall confidence is the minimum across resolved dimensions: the whole is
// only as trustworthy as its weakest part.
func Resolve(userID string, frames []*DeviceContextFrame, table *SensorPriorityTable, version uint64) *UnifiedContext {
	ctx := &UnifiedContext{
		UserID:     userID,
		People:     []string{},
		Version:    version,
		ResolvedAt: time.Now(),
	}

	ctx.Location = resolveByAuthority(frames, table, DimLocation)
	if ctx.Location != nil {
		ctx.Contributors = append(ctx.Contributors, Contributor{
			DeviceID:   ctx.Location.DeviceID,
			DeviceType: ctx.Location.DeviceType,
			Dimension:  DimLocation,
		})
	}

	ctx.Activity = resolveByRecency(frames, DimActivity)
	if ctx.Activity != nil {
		ctx.Contributors = append(ctx.Contributors, Contributor{
			DeviceID:   ctx.Activity.DeviceID,
			DeviceType: ctx.Activity.DeviceType,
			Dimension:  DimActivity,
		})
	}

	var peopleConfidence float64
	ctx.People, peopleConfidence, ctx.Contributors = resolvePeople(frames, ctx.Contributors)

	ctx.Mood = resolveByAuthority(frames, table, DimMood)
	if ctx.Mood != nil {
		ctx.Contributors = append(ctx.Contributors, Contributor{
			DeviceID:   ctx.Mood.DeviceID,
			DeviceType: ctx.Mood.DeviceType,
			Dimension:  DimMood,
		})
	}

	ctx.Confidence = combinedConfidence(ctx.Location, ctx.Activity, ctx.Mood, len(ctx.People) > 0, peopleConfidence)
	return ctx
}

// resolveByAuthority picks the frame maximizing priority × confidence for
// the dimension, most recent observation on ties.
func resolveByAuthority(frames []*DeviceContextFrame, table *SensorPriorityTable, dim string) *ResolvedValue {
	var (
		best      *ResolvedValue
		bestScore float64
	)
	for _, f := range frames {
		obs, ok := f.Dimensions[dim]
		if !ok {
			continue
		}
		score := float64(table.Priority(f.DeviceType, dim)) * obs.Confidence
		if best == nil || score > bestScore ||
			(score == bestScore && obs.ObservedAt.After(best.ObservedAt)) {
			best = &ResolvedValue{
				Value:      obs.Value,
				Confidence: obs.Confidence,
				DeviceID:   f.DeviceID,
				DeviceType: f.DeviceType,
				ObservedAt: obs.ObservedAt,
			}
			bestScore = score
		}
	}
	return best
}

// resolveByRecency picks the most recently observed value for the dimension.
func resolveByRecency(frames []*DeviceContextFrame, dim string) *ResolvedValue {
	var best *ResolvedValue
	for _, f := range frames {
		obs, ok := f.Dimensions[dim]
		if !ok {
			continue
		}
		if best == nil || obs.ObservedAt.After(best.ObservedAt) {
			best = &ResolvedValue{
				Value:      obs.Value,
				Confidence: obs.Confidence,
				DeviceID:   f.DeviceID,
				DeviceType: f.DeviceType,
				ObservedAt: obs.ObservedAt,
			}
		}
	}
	return best
}

// resolvePeople unions every frame's reported people, deduplicated
// case-insensitively with the earliest reporter's casing kept. Every device
// that supplied at least one name is recorded as a contributor.
func resolvePeople(frames []*DeviceContextFrame, contributors []Contributor) ([]string, float64, []Contributor) {
	type peopleFrame struct {
		frame *DeviceContextFrame
		obs   Observation
		names []string
	}

	var contributing []peopleFrame
	for _, f := range frames {
		obs, ok := f.Dimensions[DimPeople]
		if !ok {
			continue
		}
		names := stringSlice(obs.Value)
		if len(names) == 0 {
			continue
		}
		contributing = append(contributing, peopleFrame{frame: f, obs: obs, names: names})
	}
	if len(contributing) == 0 {
		return []string{}, 0, contributors
	}

	// Earliest observation first so the first reporter's casing survives the
	// case-insensitive merge.
	sort.Slice(contributing, func(i, j int) bool {
		if contributing[i].obs.ObservedAt.Equal(contributing[j].obs.ObservedAt) {
			return contributing[i].frame.DeviceID < contributing[j].frame.DeviceID
		}
		return contributing[i].obs.ObservedAt.Before(contributing[j].obs.ObservedAt)
	})

	seen := make(map[string]bool)
	people := []string{}
	var sum float64
	for _, pf := range contributing {
		for _, name := range pf.names {
			key := strings.ToLower(strings.TrimSpace(name))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			people = append(people, strings.TrimSpace(name))
		}
		sum += pf.obs.Confidence
		contributors = append(contributors, Contributor{
			DeviceID:   pf.frame.DeviceID,
			DeviceType: pf.frame.DeviceType,
			Dimension:  DimPeople,
		})
	}
	return people, sum / float64(len(contributing)), contributors
}

// combinedConfidence takes the minimum across the resolved dimensions.
// Absent dimensions don't drag the result to zero; an entirely empty context
// has zero confidence.
func combinedConfidence(location, activity, mood *ResolvedValue, hasPeople bool, peopleConfidence float64) float64 {
	min := -1.0
	consider := func(c float64) {
		if min < 0 || c < min {
			min = c
		}
	}
	if location != nil {
		consider(location.Confidence)
	}
	if activity != nil {
		consider(activity.Confidence)
	}
	if mood != nil {
		consider(mood.Confidence)
	}
	if hasPeople {
		consider(peopleConfidence)
	}
	if min < 0 {
		return 0
	}
	return min
}

// stringSlice coerces a people observation value into a name list. Wire
// payloads decode as []any; in-process callers may pass []string directly.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if vals == "" {
			return nil
		}
		return []string{vals}
	default:
		return nil
	}
}
