package notion

import "sort"

// Field-name aliases for the explicit sync opt-out checkbox. The workspaces
// feeding this relay name the field differently per locale.
var syncFlagAliases = []string{"sync2jira", "同步到JIRA", "Sync to JIRA"}

// Title aliases probed in order before falling back to a content scan.
var titleAliases = []string{"功能 Name", "title", "Title", "Name", "name", "标题"}

// UntitledPage is the sentinel returned when no title can be extracted.
const UntitledPage = "Untitled"

// ShouldSync decides whether an event warrants a sync task. An opt-out
// checkbox explicitly set to false wins. Otherwise the presence of any
// button property, or simply the delivery itself, counts as intent: these
// webhooks are fired by a user clicking the sync button, not by passive
// edits. The resulting default-true policy is deliberate; a workspace with
// no opt-out field queues every delivery.
func ShouldSync(parsed map[string]Property) bool {
	for _, alias := range syncFlagAliases {
		prop, ok := parsed[alias]
		if !ok || prop.Type != TypeCheckbox {
			continue
		}
		if checked, ok := prop.Value.(bool); ok && !checked {
			return false
		}
	}
	for _, prop := range parsed {
		if prop.Type == TypeButton {
			return true
		}
	}
	return true
}

// ExtractTitle pulls a human-readable title out of the normalized
// properties for logging. Best effort only: known aliases first, then the
// first non-empty title or rich_text field in sorted name order, then a
// fixed sentinel.
func ExtractTitle(parsed map[string]Property) string {
	for _, alias := range titleAliases {
		if title, ok := titleValue(parsed[alias]); ok {
			return title
		}
	}
	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if title, ok := titleValue(parsed[name]); ok {
			return title
		}
	}
	return UntitledPage
}

func titleValue(prop Property) (string, bool) {
	if prop.Type != TypeTitle && prop.Type != TypeRichText {
		return "", false
	}
	title, ok := prop.Value.(string)
	if !ok || title == "" {
		return "", false
	}
	return title, true
}
