package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands, one sorted set
// per vehicle class.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func geoKey(class string) string { return "drivers:geo:" + class }

func (r *RedisIndex) Upsert(ctx context.Context, class, driverID string, lat, lng float64) error {
	return r.client.GeoAdd(ctx, geoKey(class), &redis.GeoLocation{
		Longitude: lng,
		Latitude:  lat,
		Name:      driverID,
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, class, driverID string) error {
	return r.client.ZRem(ctx, geoKey(class), driverID).Err()
}

func (r *RedisIndex) RemoveAll(ctx context.Context, driverID string) error {
	var firstErr error
	for _, class := range models.VehicleClasses() {
		if err := r.client.ZRem(ctx, geoKey(class), driverID).Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *RedisIndex) Nearby(ctx context.Context, class string, lat, lng, radiusKm float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, geoKey(class), lng, lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

func (r *RedisIndex) Members(ctx context.Context, class string) ([]string, error) {
	return r.client.ZRange(ctx, geoKey(class), 0, -1).Result()
}
