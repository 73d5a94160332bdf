// Package director implements the game-side operations protocol servers call.
// Every operation goes through the entity caches; slow or deferred work is
// handed to the job scheduler and the worker pool.
package director

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"ranchd/internal/cache"
	"ranchd/internal/entity"
	"ranchd/internal/eventbus"
	"ranchd/internal/otp"
	"ranchd/internal/task/engine"
	"ranchd/internal/task/scheduler"
	logx "ranchd/pkg/logx"
)

var (
	ErrNameTaken   = errors.New("name already taken")
	ErrInvalidName = errors.New("invalid name")
)

const maxNameLen = 16

// Caches groups the entity caches the directors read and write.
type Caches struct {
	Users      *cache.Cache[string, entity.User]
	Characters *cache.Cache[uint32, entity.Character]
	Horses     *cache.Cache[uint32, entity.Horse]
	Ranches    *cache.Cache[uint32, entity.Ranch]
}

// Deps wires Directors.
type Deps struct {
	Caches Caches
	Jobs   *scheduler.Service
	Pool   *engine.Service
	Codes  *otp.Registry[string]
	// Events is optional.
	Events *eventbus.Bus
	Log    logx.Logger

	// OpTimeout bounds operations started from jobs and worker tasks.
	OpTimeout time.Duration
	Now       func() time.Time
}

type Directors struct {
	c      Caches
	jobs   *scheduler.Service
	pool   *engine.Service
	codes  *otp.Registry[string]
	events *eventbus.Bus
	log    logx.Logger

	opTimeout time.Duration
	now       func() time.Time
}

func New(d Deps) *Directors {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.OpTimeout <= 0 {
		d.OpTimeout = 10 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Directors{
		c:         d.Caches,
		jobs:      d.Jobs,
		pool:      d.Pool,
		codes:     d.Codes,
		events:    d.Events,
		log:       d.Log.With(logx.String("comp", "director")),
		opTimeout: d.OpTimeout,
		now:       d.Now,
	}
}

func validName(name string) bool {
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return false
	}
	return strings.TrimSpace(name) == name
}

func newUID() uint32 {
	for {
		if id := uuid.New().ID(); id != 0 {
			return id
		}
	}
}

// Register creates a user together with its character and ranch.
func (d *Directors) Register(ctx context.Context, name string) (entity.User, error) {
	if !validName(name) {
		return entity.User{}, fmt.Errorf("register %q: %w", name, ErrInvalidName)
	}
	if d.c.Users.IsAvailable(name) {
		return entity.User{}, fmt.Errorf("register %q: %w", name, ErrNameTaken)
	}
	h, err := d.c.Users.Get(ctx, name)
	if err == nil {
		h.Release()
		return entity.User{}, fmt.Errorf("register %q: %w", name, ErrNameTaken)
	}
	if !errors.Is(err, cache.ErrEntityNotFound) {
		return entity.User{}, fmt.Errorf("register %q: %w", name, err)
	}

	u := entity.User{
		Name:         name,
		UID:          newUID(),
		CharacterUID: newUID(),
		CreatedAt:    d.now().UTC(),
	}
	if err := d.c.Users.Insert(ctx, name, u); err != nil {
		if errors.Is(err, cache.ErrEntityExists) {
			return entity.User{}, fmt.Errorf("register %q: %w", name, ErrNameTaken)
		}
		return entity.User{}, err
	}
	// The user row is in; the rest of the registration must not be cut short.
	rest := context.WithoutCancel(ctx)
	if err := d.c.Characters.Insert(rest, u.CharacterUID, entity.Character{UID: u.CharacterUID, Name: name, Level: 1}); err != nil {
		return entity.User{}, fmt.Errorf("register %q: character: %w", name, err)
	}
	if err := d.c.Ranches.Insert(rest, u.UID, entity.Ranch{UID: u.UID, Name: name + "'s ranch", OwnerUID: u.UID}); err != nil {
		return entity.User{}, fmt.Errorf("register %q: ranch: %w", name, err)
	}
	d.log.Info("user registered", logx.String("name", name), logx.Uint32("uid", u.UID))
	d.events.Publish(eventbus.Event{Type: eventbus.UserRegistered, Name: name, Data: u.UID})
	return u, nil
}

// Login loads the user and grants a one-time code for its side channel.
func (d *Directors) Login(ctx context.Context, name string) (uint32, error) {
	h, err := d.c.Users.Get(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("login %q: %w", name, err)
	}
	h.Release()
	return d.codes.GrantCode(name), nil
}

// AuthorizeChat consumes the code granted at Login.
func (d *Directors) AuthorizeChat(name string, code uint32) bool {
	if !d.codes.AuthorizeCode(name, code) {
		d.log.Debug("chat authorization rejected", logx.String("name", name))
		return false
	}
	d.events.Publish(eventbus.Event{Type: eventbus.ChatAuthorized, Name: name})
	return true
}

// AwardCarrots adds n carrots to the user's balance and returns the new total.
func (d *Directors) AwardCarrots(ctx context.Context, name string, n int64) (int64, error) {
	h, err := d.c.Users.Get(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("award %q: %w", name, err)
	}
	h.Update(func(u *entity.User) { u.Carrots += n })
	total := h.Value().Carrots
	h.Release()
	d.events.Publish(eventbus.Event{Type: eventbus.CarrotsAwarded, Name: name, Data: n})
	return total, nil
}

// ScheduleReward awards carrots once after has elapsed. The job itself only
// hands the award to a worker, so a cold cache never blocks the tick.
func (d *Directors) ScheduleReward(name string, n int64, after time.Duration) string {
	return d.jobs.QueueAfter(func() {
		err := d.pool.SubmitToWorker(func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.opTimeout)
			defer cancel()
			if _, err := d.AwardCarrots(ctx, name, n); err != nil {
				d.log.Warn("scheduled reward failed", logx.String("name", name), logx.Int64("carrots", n), logx.Err(err))
			}
		})
		if err != nil {
			d.log.Warn("scheduled reward dropped", logx.String("name", name), logx.Err(err))
		}
	}, after)
}

// Prefetch loads a character on a worker and delivers the result on the main
// queue, so done never runs concurrently with other main-queue work.
func (d *Directors) Prefetch(uid uint32, done func(entity.Character, error)) error {
	return d.pool.SubmitToWorker(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.opTimeout)
		defer cancel()

		var c entity.Character
		h, err := d.c.Characters.Get(ctx, uid)
		if err == nil {
			c = h.Value()
			h.Release()
		}
		if serr := d.pool.SubmitToMain(func() { done(c, err) }); serr != nil {
			d.log.Warn("prefetch result dropped", logx.Uint32("uid", uid), logx.Err(serr))
		}
	})
}

// AdoptHorse adds a new horse to the user's ranch and mounts it when the
// character has no mount yet. It returns the horse UID.
func (d *Directors) AdoptHorse(ctx context.Context, name string, h entity.Horse) (uint32, error) {
	uh, err := d.c.Users.Get(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("adopt %q: %w", name, err)
	}
	u := uh.Value()
	uh.Release()

	h.UID = newUID()
	if err := d.c.Horses.Insert(ctx, h.UID, h); err != nil {
		return 0, fmt.Errorf("adopt %q: horse: %w", name, err)
	}

	rh, err := d.c.Ranches.Get(ctx, u.UID)
	if err != nil {
		return 0, fmt.Errorf("adopt %q: ranch: %w", name, err)
	}
	rh.Update(func(r *entity.Ranch) {
		r.HorseUIDs = append(append([]uint32(nil), r.HorseUIDs...), h.UID)
	})
	rh.Release()

	if u.CharacterUID != 0 {
		ch, err := d.c.Characters.Get(ctx, u.CharacterUID)
		if err != nil {
			return 0, fmt.Errorf("adopt %q: character: %w", name, err)
		}
		if ch.Value().MountUID == 0 {
			ch.Update(func(c *entity.Character) { c.MountUID = h.UID })
		}
		ch.Release()
	}
	d.events.Publish(eventbus.Event{Type: eventbus.HorseAdopted, Name: name, Data: h.UID})
	return h.UID, nil
}
