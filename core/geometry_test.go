package core

import (
	"testing"

	"github.com/signalsfoundry/lora-mesh-simulator/model"
)

func pt(x, y float64) model.Point { return model.Point{X: x, Y: y} }

func TestDistanceSquared(t *testing.T) {
	if got := DistanceSquared(pt(0, 0), pt(3, 4)); got != 25 {
		t.Fatalf("DistanceSquared = %v, want 25", got)
	}
	if got := DistanceFromSquared(25); got != 5 {
		t.Fatalf("DistanceFromSquared(25) = %v, want 5", got)
	}
	if got := DistanceFromSquared(0); got != 0 {
		t.Fatalf("DistanceFromSquared(0) = %v, want 0", got)
	}
}

func TestSegmentBlocked_Rectangle(t *testing.T) {
	rect := []model.Obstacle{model.Rectangle(pt(15, 40), pt(25, 60))}

	tests := []struct {
		name string
		a, b model.Point
		want bool
	}{
		{"crosses", pt(10, 50), pt(30, 50), true},
		{"both endpoints inside", pt(17, 45), pt(23, 55), true},
		{"one endpoint inside", pt(20, 50), pt(80, 50), true},
		{"outside above", pt(10, 30), pt(30, 30), false},
		{"outside left not crossing", pt(0, 0), pt(10, 90), false},
		{"along edge collinear", pt(10, 40), pt(30, 40), true},
		{"touches corner", pt(10, 35), pt(20, 45), true},
		{"diagonal through", pt(14, 39), pt(26, 61), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SegmentBlocked(tt.a, tt.b, rect); got != tt.want {
				t.Fatalf("SegmentBlocked(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSegmentBlocked_CornerOrderDoesNotMatter(t *testing.T) {
	swapped := []model.Obstacle{model.Rectangle(pt(25, 60), pt(15, 40))}
	if !SegmentBlocked(pt(10, 50), pt(30, 50), swapped) {
		t.Fatalf("expected swapped-corner rectangle to block")
	}
}

func TestSegmentBlocked_Circle(t *testing.T) {
	circle := []model.Obstacle{model.Circle(pt(50, 50), 10)}

	tests := []struct {
		name string
		a, b model.Point
		want bool
	}{
		{"through center", pt(0, 50), pt(100, 50), true},
		{"tangent", pt(0, 60), pt(100, 60), true},
		{"passes below", pt(0, 61), pt(100, 61), false},
		{"stops before circle", pt(0, 50), pt(39, 50), false},
		{"starts inside", pt(50, 50), pt(100, 100), true},
		{"chord near edge", pt(41, 45), pt(41, 55), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SegmentBlocked(tt.a, tt.b, circle); got != tt.want {
				t.Fatalf("SegmentBlocked(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSegmentBlocked_DegenerateSegment(t *testing.T) {
	obstacles := []model.Obstacle{
		model.Rectangle(pt(0, 0), pt(10, 10)),
		model.Circle(pt(50, 50), 5),
	}

	tests := []struct {
		name string
		p    model.Point
		want bool
	}{
		{"strictly inside rect", pt(5, 5), true},
		{"on rect edge", pt(10, 5), false},
		{"on rect corner", pt(0, 0), false},
		{"strictly inside circle", pt(52, 50), true},
		{"on circle boundary", pt(55, 50), false},
		{"outside", pt(30, 30), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SegmentBlocked(tt.p, tt.p, obstacles); got != tt.want {
				t.Fatalf("SegmentBlocked(point %v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestSegmentBlocked_NoObstacles(t *testing.T) {
	if SegmentBlocked(pt(0, 0), pt(100, 100), nil) {
		t.Fatalf("expected no blockage without obstacles")
	}
}

func TestSegmentsIntersect_Collinear(t *testing.T) {
	tests := []struct {
		name           string
		p1, p2, q1, q2 model.Point
		want           bool
	}{
		{"overlapping", pt(0, 0), pt(10, 0), pt(5, 0), pt(15, 0), true},
		{"touching end", pt(0, 0), pt(10, 0), pt(10, 0), pt(20, 0), true},
		{"disjoint on same line", pt(0, 0), pt(10, 0), pt(11, 0), pt(20, 0), false},
		{"crossing", pt(0, 0), pt(10, 10), pt(0, 10), pt(10, 0), true},
		{"parallel", pt(0, 0), pt(10, 0), pt(0, 1), pt(10, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := segmentsIntersect(tt.p1, tt.p2, tt.q1, tt.q2); got != tt.want {
				t.Fatalf("segmentsIntersect = %v, want %v", got, tt.want)
			}
		})
	}
}
