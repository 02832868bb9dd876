package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/casaforge/casaforge-backend/internal/platform/envutil"
	"github.com/casaforge/casaforge-backend/internal/platform/logger"
)

// ReservationSet is the in-flight domain reservation shared by all
// concurrent provisioning jobs. SETNX gives the atomic check-and-reserve:
// two jobs racing for the same domain cannot both win. The TTL only covers
// crashed jobs that never released; live jobs release explicitly when they
// reach a terminal state.
type ReservationSet struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

func NewReservationSet(log *logger.Logger, rdb *goredis.Client, ttl time.Duration) *ReservationSet {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ReservationSet{
		log: log.With("component", "DomainReservations"),
		rdb: rdb,
		ttl: ttl,
	}
}

func NewReservationSetFromEnv(log *logger.Logger) (*ReservationSet, error) {
	addr := strings.TrimSpace(envutil.String("REDIS_ADDR", ""))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewReservationSet(log, rdb, envutil.Seconds("DOMAIN_RESERVATION_TTL_SECONDS", 30*time.Minute)), nil
}

func reservationKey(fqdn string) string {
	return "domain_reservation:" + strings.ToLower(strings.TrimSpace(fqdn))
}

// Reserve claims fqdn for ownerToken. Re-reserving with the same token is
// a success (crash-and-retry of the same job must pass its own
// reservation); any other holder means conflict.
func (s *ReservationSet) Reserve(ctx context.Context, fqdn, ownerToken string) (bool, error) {
	if s == nil || s.rdb == nil {
		return false, fmt.Errorf("reservation set not initialized")
	}
	key := reservationKey(fqdn)
	ok, err := s.rdb.SetNX(ctx, key, ownerToken, s.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			// Holder expired between SETNX and GET; try once more.
			return s.rdb.SetNX(ctx, key, ownerToken, s.ttl).Result()
		}
		return false, err
	}
	return holder == ownerToken, nil
}

// Release drops the reservation if ownerToken still holds it.
func (s *ReservationSet) Release(ctx context.Context, fqdn, ownerToken string) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("reservation set not initialized")
	}
	key := reservationKey(fqdn)
	holder, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		return err
	}
	if holder != ownerToken {
		return nil
	}
	return s.rdb.Del(ctx, key).Err()
}
