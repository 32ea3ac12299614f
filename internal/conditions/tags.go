package conditions

// HasRequiredAndLacksExcludedTags is true when every required tag is present
// and no excluded tag is. Empty lists are vacuously satisfied.
func HasRequiredAndLacksExcludedTags(friendTags, required, excluded []string) bool {
	if len(required) == 0 && len(excluded) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(friendTags))
	for _, t := range friendTags {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	for _, t := range excluded {
		if _, ok := have[t]; ok {
			return false
		}
	}
	return true
}
