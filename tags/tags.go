// Package tags implements capability-tag eligibility matching and runtime
// tag updates for connected identities.
package tags

// Eligible reports whether every required tag is present in the recipient's
// tag set. An empty requirement matches every recipient.
func Eligible(required, recipient []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(recipient))
	for _, t := range recipient {
		set[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Validate reports whether every tag is a non-empty string. It is intended
// for boundary validation of publisher and authenticator input; the router
// does not call it.
func Validate(tags []string) bool {
	for _, t := range tags {
		if t == "" {
			return false
		}
	}
	return true
}
