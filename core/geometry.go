package core

import (
	"math"

	"github.com/signalsfoundry/lora-mesh-simulator/model"
)

// DistanceSquared returns the squared Euclidean distance between a and b
// in square meters. The propagation hot path compares squared distances to
// avoid the square root.
func DistanceSquared(a, b model.Point) float32 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return float32(dx*dx + dy*dy)
}

// DistanceFromSquared converts a squared distance back to meters.
func DistanceFromSquared(d2 float32) float32 {
	if d2 <= 0 {
		return 0
	}
	return float32(math.Sqrt(float64(d2)))
}

// SegmentBlocked reports whether the straight segment a-b intersects any
// obstacle. A degenerate segment (a == b) is treated as a point and is only
// blocked when the point lies strictly inside an obstacle.
func SegmentBlocked(a, b model.Point, obstacles []model.Obstacle) bool {
	degenerate := a == b
	for i := range obstacles {
		o := &obstacles[i]
		if degenerate {
			if pointStrictlyInside(a, o) {
				return true
			}
			continue
		}
		if segmentIntersectsObstacle(a, b, o) {
			return true
		}
	}
	return false
}

func segmentIntersectsObstacle(a, b model.Point, o *model.Obstacle) bool {
	switch o.Kind {
	case model.ObstacleRectangle:
		return segmentIntersectsRect(a, b, o)
	case model.ObstacleCircle:
		return segmentIntersectsCircle(a, b, o)
	default:
		return false
	}
}

func pointStrictlyInside(p model.Point, o *model.Obstacle) bool {
	switch o.Kind {
	case model.ObstacleRectangle:
		left, right, top, bottom := rectBounds(o)
		return p.X > left && p.X < right && p.Y > top && p.Y < bottom
	case model.ObstacleCircle:
		d := p.Sub(o.Center)
		return d.Dot(d) < o.Radius*o.Radius
	default:
		return false
	}
}

// rectBounds normalizes the two corners so callers do not depend on which
// corner the scene called top-left.
func rectBounds(o *model.Obstacle) (left, right, top, bottom float64) {
	left = math.Min(o.TopLeft.X, o.BottomRight.X)
	right = math.Max(o.TopLeft.X, o.BottomRight.X)
	top = math.Min(o.TopLeft.Y, o.BottomRight.Y)
	bottom = math.Max(o.TopLeft.Y, o.BottomRight.Y)
	return left, right, top, bottom
}

func pointInRect(p model.Point, o *model.Obstacle) bool {
	left, right, top, bottom := rectBounds(o)
	return p.X >= left && p.X <= right && p.Y >= top && p.Y <= bottom
}

func segmentIntersectsRect(a, b model.Point, o *model.Obstacle) bool {
	if pointInRect(a, o) || pointInRect(b, o) {
		return true
	}
	left, right, top, bottom := rectBounds(o)
	tl := model.Point{X: left, Y: top}
	tr := model.Point{X: right, Y: top}
	br := model.Point{X: right, Y: bottom}
	bl := model.Point{X: left, Y: bottom}
	return segmentsIntersect(a, b, tl, tr) ||
		segmentsIntersect(a, b, tr, br) ||
		segmentsIntersect(a, b, br, bl) ||
		segmentsIntersect(a, b, bl, tl)
}

func pointInCircle(p model.Point, o *model.Obstacle) bool {
	d := p.Sub(o.Center)
	return d.Dot(d) <= o.Radius*o.Radius
}

// segmentIntersectsCircle projects the centre onto the segment, clamps the
// foot to the segment and compares its squared distance with r².
func segmentIntersectsCircle(a, b model.Point, o *model.Obstacle) bool {
	v := b.Sub(a)
	lenSq := v.Dot(v)
	if lenSq == 0 {
		return pointInCircle(a, o)
	}

	t := o.Center.Sub(a).Dot(v) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	foot := a.Add(v.Scale(t))
	return pointInCircle(foot, o)
}

// orientation returns 0 when a, b, c are collinear, 1 when clockwise and
// 2 when counter-clockwise.
func orientation(a, b, c model.Point) int {
	val := b.Sub(a).Cross(c.Sub(b))
	switch {
	case val == 0:
		return 0
	case val < 0:
		return 1
	default:
		return 2
	}
}

// onSegment reports whether p, known to be collinear with a-b, lies within
// the segment's bounding range.
func onSegment(a, b, p model.Point) bool {
	return p.X <= math.Max(a.X, b.X) && p.X >= math.Min(a.X, b.X) &&
		p.Y <= math.Max(a.Y, b.Y) && p.Y >= math.Min(a.Y, b.Y)
}

func segmentsIntersect(p1, p2, q1, q2 model.Point) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)

	if o1 != o2 && o3 != o4 {
		return true
	}

	// Collinear overlap cases.
	if o1 == 0 && onSegment(p1, p2, q1) {
		return true
	}
	if o2 == 0 && onSegment(p1, p2, q2) {
		return true
	}
	if o3 == 0 && onSegment(q1, q2, p1) {
		return true
	}
	if o4 == 0 && onSegment(q1, q2, p2) {
		return true
	}
	return false
}
