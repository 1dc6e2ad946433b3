package main

import "testing"

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want int
	}{
		{
			name: "invalid backend url",
			env:  map[string]string{"BACKEND_URL": "not a url"},
			args: []string{"status"},
			want: 1,
		},
		{
			name: "signed out status",
			args: []string{"status"},
			want: 0,
		},
		{
			name: "gated feature denied without user",
			args: []string{"can-access", "similarSongs"},
			want: 1,
		},
		{
			name: "free feature allowed without user",
			args: []string{"can-access", "ranking"},
			want: 0,
		},
		{
			name: "direct database store",
			env:  map[string]string{"DATABASE_URL": "postgres://swiftie@127.0.0.1:1/swiftie?sslmode=disable"},
			args: []string{"status"},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BACKEND_URL", "http://127.0.0.1:1")
			t.Setenv("DATABASE_URL", "")
			t.Setenv("SWIFTIE_USER_ID", "")
			t.Setenv("SWIFTIE_EMAIL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			if got := run(tt.args); got != tt.want {
				t.Fatalf("run(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}
