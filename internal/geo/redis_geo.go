package geo

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

// RedisGeo implements Index using Redis GEO commands, one sorted set per tenant.
type RedisGeo struct {
	client *redis.Client
	prefix string
}

func NewRedisGeo(client *redis.Client, prefix string) *RedisGeo {
	if prefix == "" {
		prefix = "drivers_geo"
	}
	return &RedisGeo{client: client, prefix: prefix}
}

func (r *RedisGeo) Upsert(ctx context.Context, tenantID, driverID string, p models.Point) error {
	return r.client.GeoAdd(ctx, r.key(tenantID), &redis.GeoLocation{
		Name:      driverID,
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, tenantID, driverID string) error {
	return r.client.ZRem(ctx, r.key(tenantID), driverID).Err()
}

// searchPad widens GEOSEARCH past the requested radius. Redis measures with
// its own Earth radius on geohash-quantised positions, so a driver right at
// the edge can fall outside its circle but inside ours.
const searchPad = 1.001

func (r *RedisGeo) Nearby(ctx context.Context, tenantID string, p models.Point, radiusKm float64) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key(tenantID), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm*searchPad + 0.001,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	return withinRadius(res, p, radiusKm), nil
}

// withinRadius re-measures each Redis hit with DistanceKm and keeps the ones
// inside radiusKm, nearest first.
func withinRadius(res []redis.GeoLocation, p models.Point, radiusKm float64) []Hit {
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		d := DistanceKm(p.Lat, p.Lng, g.Latitude, g.Longitude)
		if d > radiusKm {
			continue
		}
		out = append(out, Hit{DriverID: g.Name, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

func (r *RedisGeo) key(tenantID string) string { return r.prefix + ":" + tenantID }
