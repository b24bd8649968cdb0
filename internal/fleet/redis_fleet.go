package fleet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/observability"
)

// releaseScript deletes a reservation only when it still names the ride.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisIndex implements Index with one hash per grid cell (cell:X:Y holding
// driver ids), a location key per driver that expires when heartbeats stop,
// and SET NX reservations.
type RedisIndex struct {
	client     *redis.Client
	staleAfter time.Duration
	lockTTL    time.Duration
}

func NewRedisIndex(addr, password string, staleAfter, lockTTL time.Duration) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, staleAfter: staleAfter, lockTTL: lockTTL}
}

func (r *RedisIndex) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisIndex) Update(ctx context.Context, driverID, status string, pos grid.Position) error {
	prev, err := r.client.Get(ctx, locationKey(driverID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read location: %w", err)
	}
	pos = pos.Clamp()

	pipe := r.client.TxPipeline()
	if old, ok := parseLocation(prev); ok {
		pipe.HDel(ctx, cellKey(old), driverID)
	}
	if status == StatusOnline {
		pipe.HSet(ctx, cellKey(pos), driverID, status)
		pipe.Set(ctx, locationKey(driverID), formatLocation(pos), r.staleAfter)
		pipe.SAdd(ctx, onlineKey, driverID)
	} else {
		pipe.Del(ctx, locationKey(driverID))
		pipe.SRem(ctx, onlineKey, driverID)
	}
	card := pipe.SCard(ctx, onlineKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	observability.DriversOnline.Set(float64(card.Val()))
	return nil
}

// Nearby walks square rings outward from pos. It stops early once enough
// drivers are known to be closer than anything a further ring could hold.
func (r *RedisIndex) Nearby(ctx context.Context, pos grid.Position, radius, limit int) ([]Driver, error) {
	found := make([]Driver, 0)
	for ring := 0; ring <= radius; ring++ {
		cells := ringCells(pos, ring)
		if len(cells) == 0 {
			continue
		}
		pipe := r.client.Pipeline()
		cmds := make([]*redis.StringSliceCmd, len(cells))
		for i, c := range cells {
			cmds[i] = pipe.HKeys(ctx, cellKey(c))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("scan ring %d: %w", ring, err)
		}
		for i, cmd := range cmds {
			for _, id := range cmd.Val() {
				found = append(found, Driver{ID: id, Position: cells[i]})
			}
		}
		if limit > 0 && countWithin(found, pos, ring) >= limit {
			break
		}
	}

	live, err := r.verify(ctx, found)
	if err != nil {
		return nil, err
	}
	sortByDistance(live, pos)
	if limit > 0 && len(live) > limit {
		live = live[:limit]
	}
	return live, nil
}

// verify drops cell entries whose location key expired or moved.
func (r *RedisIndex) verify(ctx context.Context, ds []Driver) ([]Driver, error) {
	if len(ds) == 0 {
		return ds, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ds))
	for i, d := range ds {
		cmds[i] = pipe.Get(ctx, locationKey(d.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("verify locations: %w", err)
	}
	out := ds[:0]
	stale := r.client.Pipeline()
	for i, d := range ds {
		loc, ok := parseLocation(cmds[i].Val())
		if ok && loc == d.Position {
			out = append(out, d)
			continue
		}
		stale.HDel(ctx, cellKey(d.Position), d.ID)
	}
	if stale.Len() > 0 {
		_, _ = stale.Exec(ctx)
	}
	return out, nil
}

func (r *RedisIndex) Claim(ctx context.Context, driverID, rideID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKey(driverID), rideID, r.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim driver %s: %w", driverID, err)
	}
	return ok, nil
}

func (r *RedisIndex) Release(ctx context.Context, driverID, rideID string) error {
	return releaseScript.Run(ctx, r.client, []string{lockKey(driverID)}, rideID).Err()
}

func (r *RedisIndex) Close() error { return r.client.Close() }

const onlineKey = "drivers:online"

func cellKey(p grid.Position) string        { return "cell:" + formatLocation(p) }
func locationKey(id string) string          { return "driver_location:" + id }
func lockKey(id string) string              { return "driver_lock:" + id }
func formatLocation(p grid.Position) string { return strconv.Itoa(p.X) + ":" + strconv.Itoa(p.Y) }

func parseLocation(v string) (grid.Position, bool) {
	xs, ys, ok := strings.Cut(v, ":")
	if !ok {
		return grid.Position{}, false
	}
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if errX != nil || errY != nil {
		return grid.Position{}, false
	}
	p := grid.Position{X: x, Y: y}
	return p, p.Valid()
}

// ringCells lists the in-grid cells at Chebyshev distance n from c.
func ringCells(c grid.Position, n int) []grid.Position {
	if n == 0 {
		return []grid.Position{c}
	}
	out := make([]grid.Position, 0, 8*n)
	add := func(x, y int) {
		p := grid.Position{X: x, Y: y}
		if p.Valid() {
			out = append(out, p)
		}
	}
	for i := -n; i <= n; i++ {
		add(c.X+i, c.Y+n)
		add(c.X+i, c.Y-n)
		if abs(i) != n {
			add(c.X+n, c.Y+i)
			add(c.X-n, c.Y+i)
		}
	}
	return out
}

func countWithin(ds []Driver, pos grid.Position, d int) int {
	n := 0
	for _, x := range ds {
		if grid.Distance(pos, x.Position) <= d {
			n++
		}
	}
	return n
}
