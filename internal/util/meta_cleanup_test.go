package util

import (
	"testing"
)

func TestCleanTurnText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "no change",
			input: "Have you tried clearing the browser cache?",
			want:  "Have you tried clearing the browser cache?",
		},
		{
			name:  "speaker label",
			input: "Assistant: Your leave balance is 12 days.",
			want:  "Your leave balance is 12 days.",
		},
		{
			name:  "quoted turn",
			input: "User: \"My laptop won't boot.\"",
			want:  "My laptop won't boot.",
		},
		{
			name:  "inner quotes kept",
			input: `"Click "Reset" then "OK"."`,
			want:  `"Click "Reset" then "OK"."`,
		},
		{
			name:  "trailing meta note",
			input: "I'll reset it now.\n\n(End of conversation)",
			want:  "I'll reset it now.",
		},
		{
			name:  "blank",
			input: "   \n",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanTurnText(tt.input); got != tt.want {
				t.Errorf("CleanTurnText() = %q, want %q", got, tt.want)
			}
		})
	}
}
