package geofence

import (
	"math"

	"github.com/saviobatista/fleetsync/internal/types"
)

const (
	earthRadiusMeters = 6371000.0
	metersPerDegree   = 111320.0
)

// Haversine returns the great-circle distance between a and b in meters
func Haversine(a, b types.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// PointInPolygon is the even-odd ray casting test with longitude as x and
// latitude as y. Vertices are in order; the ring is closed implicitly.
func PointInPolygon(p types.LatLng, vertices []types.LatLng) bool {
	if len(vertices) < 3 {
		return false
	}
	inside := false
	j := len(vertices) - 1
	for i := range vertices {
		vi, vj := vertices[i], vertices[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			x := (vj.Lng-vi.Lng)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lng
			if p.Lng < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Contains reports whether p lies inside zone
func Contains(zone types.Geofence, p types.LatLng) bool {
	switch zone.Shape {
	case types.ShapeCircle:
		return Haversine(zone.Center, p) <= zone.RadiusMeters
	case types.ShapePolygon:
		return PointInPolygon(p, zone.Vertices)
	default:
		return false
	}
}

// DistanceToRoute returns the smallest distance in meters from p to any
// segment of route, using a flat-earth projection around p. It returns
// +Inf for an empty route.
func DistanceToRoute(p types.LatLng, route []types.LatLng) float64 {
	switch len(route) {
	case 0:
		return math.Inf(1)
	case 1:
		x, y := project(p, route[0])
		return math.Hypot(x, y)
	}

	best := math.Inf(1)
	for i := 0; i < len(route)-1; i++ {
		ax, ay := project(p, route[i])
		bx, by := project(p, route[i+1])
		if d := distanceToSegment(ax, ay, bx, by); d < best {
			best = d
		}
	}
	return best
}

// project maps q to meters east/north of origin
func project(origin, q types.LatLng) (x, y float64) {
	x = (q.Lng - origin.Lng) * metersPerDegree * math.Cos(origin.Lat*math.Pi/180)
	y = (q.Lat - origin.Lat) * metersPerDegree
	return x, y
}

// distanceToSegment is the distance from the origin to segment a-b
func distanceToSegment(ax, ay, bx, by float64) float64 {
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(ax, ay)
	}
	t := -(ax*dx + ay*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(ax+t*dx, ay+t*dy)
}
