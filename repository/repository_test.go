package repository

import "testing"

func TestPageWindow_Apply(t *testing.T) {
	tests := []struct {
		window     PageWindow
		n          int
		start, end int
	}{
		{All, 10, 0, 10},
		{PageWindow{Offset: 2, Limit: 3}, 10, 2, 5},
		{PageWindow{Offset: 8, Limit: 5}, 10, 8, 10},
		{PageWindow{Offset: 12, Limit: 5}, 10, 10, 10},
		{PageWindow{Offset: -1, Limit: 2}, 10, 0, 2},
		{PageWindow{Offset: 0, Limit: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		start, end := tt.window.Apply(tt.n)
		if start != tt.start || end != tt.end {
			t.Errorf("%+v.Apply(%d) = [%d,%d); want [%d,%d)", tt.window, tt.n, start, end, tt.start, tt.end)
		}
	}
}
