package notion

import "testing"

func TestShouldSyncOptOutWins(t *testing.T) {
	cases := []struct {
		name  string
		props map[string]Property
		want  bool
	}{
		{
			name:  "empty properties default true",
			props: map[string]Property{},
			want:  true,
		},
		{
			name: "explicit opt out",
			props: map[string]Property{
				"sync2jira": {Type: TypeCheckbox, Value: false},
			},
			want: false,
		},
		{
			name: "cjk alias opt out",
			props: map[string]Property{
				"同步到JIRA": {Type: TypeCheckbox, Value: false},
			},
			want: false,
		},
		{
			name: "spaced alias opt out",
			props: map[string]Property{
				"Sync to JIRA": {Type: TypeCheckbox, Value: false},
			},
			want: false,
		},
		{
			name: "opt out beats button",
			props: map[string]Property{
				"sync2jira": {Type: TypeCheckbox, Value: false},
				"push":      {Type: TypeButton, Value: true},
			},
			want: false,
		},
		{
			name: "checked checkbox syncs",
			props: map[string]Property{
				"sync2jira": {Type: TypeCheckbox, Value: true},
			},
			want: true,
		},
		{
			name: "non-checkbox alias is ignored",
			props: map[string]Property{
				"sync2jira": {Type: TypeRichText, Value: "false"},
			},
			want: true,
		},
		{
			name: "button present syncs",
			props: map[string]Property{
				"push": {Type: TypeButton, Value: true},
			},
			want: true,
		},
		{
			name: "arbitrary fields default true",
			props: map[string]Property{
				"title": {Type: TypeTitle, Value: "anything"},
			},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldSync(tc.props); got != tc.want {
				t.Fatalf("expected ShouldSync=%v, got %v", tc.want, got)
			}
		})
	}
}

func TestExtractTitleAliasOrder(t *testing.T) {
	props := map[string]Property{
		"Name":    {Type: TypeTitle, Value: "from Name"},
		"功能 Name": {Type: TypeTitle, Value: "from 功能 Name"},
	}
	if got := ExtractTitle(props); got != "from 功能 Name" {
		t.Fatalf("expected alias priority, got %q", got)
	}
}

func TestExtractTitleFallsBackToFirstTextField(t *testing.T) {
	props := map[string]Property{
		"zz notes": {Type: TypeRichText, Value: "late"},
		"aa notes": {Type: TypeRichText, Value: "early"},
		"count":    {Type: TypeNumber, Value: 3.0},
	}
	if got := ExtractTitle(props); got != "early" {
		t.Fatalf("expected sorted fallback scan, got %q", got)
	}
}

func TestExtractTitleSentinel(t *testing.T) {
	props := map[string]Property{
		"empty": {Type: TypeTitle, Value: ""},
		"count": {Type: TypeNumber, Value: 1.0},
	}
	if got := ExtractTitle(props); got != UntitledPage {
		t.Fatalf("expected sentinel title, got %q", got)
	}
	if got := ExtractTitle(nil); got != UntitledPage {
		t.Fatalf("expected sentinel title for nil map, got %q", got)
	}
}
