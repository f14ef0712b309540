package importer

import (
	"reflect"
	"testing"
)

func TestExtractTags(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		extra []string
		want  []string
	}{
		{"basic", "Fix the #Parser crash reported by @Alice", nil, []string{"#parser", "@alice"}},
		{"dedup and sort", "#b #a #b", nil, []string{"#a", "#b"}},
		{"digit start rejected", "#1st #2fa", nil, []string{}},
		{"mid-word marker skipped", "написано на c# и user@example.com", nil, []string{}},
		{"dash and underscore", "#my-tag_2", nil, []string{"#my-tag_2"}},
		{"extra sources", "plain text", []string{"#backport"}, []string{"#backport"}},
		{"empty", "", nil, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractTags(tc.text, tc.extra...)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ExtractTags(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}
