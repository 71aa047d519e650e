// Package resolve rewrites response template placeholders into concrete values
// from the originating chat event and cached Helix lookups.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatbuddy/telemetry"
	"github.com/onnwee/chatbuddy/trigger"
)

// ResolutionError reports one token that could not be resolved. The token is
// left literal in the output; the error never aborts the template.
type ResolutionError struct {
	Token string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Token, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// HelixAPI is the subset of the Twitch API the resolver needs.
type HelixAPI interface {
	GetUserID(ctx context.Context, login string) (string, error)
	GetChannelGame(ctx context.Context, broadcasterID string) (string, error)
	GetLatestClipURL(ctx context.Context, broadcasterID string) (string, error)
}

// tokenRe matches eval${...} first so a plain ${...} scan cannot split it.
var tokenRe = regexp.MustCompile(`eval\$\{[^}]*\}|\$\{[^}]*\}`)

type cacheEntry struct {
	value   string
	fetched time.Time
}

// Resolver resolves template tokens. Game and clip lookups are cached
// per channel with a TTL so a busy chat does not trigger a Helix call
// per message. User-id lookups are cached without expiry.
type Resolver struct {
	Helix    HelixAPI
	CacheTTL time.Duration

	mu      sync.Mutex
	userIDs map[string]string
	games   map[string]cacheEntry
	clips   map[string]cacheEntry

	now func() time.Time
}

// NewResolver creates a resolver with the given lookup client and cache TTL.
func NewResolver(helix HelixAPI, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Resolver{
		Helix:    helix,
		CacheTTL: cacheTTL,
		userIDs:  make(map[string]string),
		games:    make(map[string]cacheEntry),
		clips:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// Resolve rewrites every placeholder in template. Unresolvable tokens are left
// literal and returned as warnings; the template always produces output.
func (r *Resolver) Resolve(ctx context.Context, template string, ev trigger.ChatEvent, captures []string) (string, []ResolutionError) {
	var warnings []ResolutionError
	start := time.Now()

	out := tokenRe.ReplaceAllStringFunc(template, func(tok string) string {
		val, err := r.resolveToken(ctx, tok, ev, captures)
		if err != nil {
			warnings = append(warnings, ResolutionError{Token: tok, Err: err})
			if telemetry.ResolveWarnings != nil {
				telemetry.ResolveWarnings.Inc()
			}
			return tok
		}
		return val
	})

	if telemetry.ResolveDuration != nil {
		telemetry.ResolveDuration.Observe(time.Since(start).Seconds())
	}
	for _, w := range warnings {
		telemetry.LoggerWithCorr(ctx).Warn("template token left unresolved",
			slog.String("token", w.Token),
			slog.Any("error", w.Err),
			slog.String("component", "resolver"))
	}
	return out, warnings
}

func (r *Resolver) resolveToken(ctx context.Context, tok string, ev trigger.ChatEvent, captures []string) (string, error) {
	if strings.HasPrefix(tok, "eval${") {
		inner := strings.TrimSuffix(strings.TrimPrefix(tok, "eval${"), "}")
		return r.evalExpr(ctx, inner, ev, captures)
	}
	name := strings.TrimSuffix(strings.TrimPrefix(tok, "${"), "}")
	return r.resolveName(ctx, name, ev, captures)
}

func (r *Resolver) evalExpr(ctx context.Context, src string, ev trigger.ChatEvent, captures []string) (string, error) {
	node, err := parseExpr(src)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	var lookupErr error
	result, err := node.eval(func(name string) (string, bool) {
		v, verr := r.resolveName(ctx, name, ev, captures)
		if verr != nil {
			lookupErr = verr
			return "", false
		}
		return v, true
	})
	if lookupErr != nil {
		return "", lookupErr
	}
	return result, err
}

func (r *Resolver) resolveName(ctx context.Context, name string, ev trigger.ChatEvent, captures []string) (string, error) {
	switch name {
	case "user":
		return ev.User, nil
	case "channel":
		return ev.Channel, nil
	case "message":
		return ev.Message, nil
	case "game":
		return r.channelGame(ctx, ev.Channel)
	case "Clip_URL":
		return r.latestClip(ctx, ev.Channel)
	}
	if n, ok := strings.CutPrefix(name, "capture"); ok {
		idx, err := strconv.Atoi(n)
		if err != nil {
			return "", fmt.Errorf("bad capture index %q", n)
		}
		if idx < 0 || idx >= len(captures) {
			return "", fmt.Errorf("capture group %d out of range", idx)
		}
		return captures[idx], nil
	}
	return "", fmt.Errorf("unknown token name %q", name)
}

func (r *Resolver) broadcasterID(ctx context.Context, channel string) (string, error) {
	r.mu.Lock()
	id, ok := r.userIDs[channel]
	r.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := r.Helix.GetUserID(ctx, channel)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.userIDs[channel] = id
	r.mu.Unlock()
	return id, nil
}

func (r *Resolver) channelGame(ctx context.Context, channel string) (string, error) {
	return r.cachedLookup(ctx, channel, r.games, func(id string) (string, error) {
		return r.Helix.GetChannelGame(ctx, id)
	})
}

func (r *Resolver) latestClip(ctx context.Context, channel string) (string, error) {
	return r.cachedLookup(ctx, channel, r.clips, func(id string) (string, error) {
		return r.Helix.GetLatestClipURL(ctx, id)
	})
}

func (r *Resolver) cachedLookup(ctx context.Context, channel string, cache map[string]cacheEntry, fetch func(broadcasterID string) (string, error)) (string, error) {
	r.mu.Lock()
	entry, ok := cache[channel]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.fetched) < r.CacheTTL {
		return entry.value, nil
	}

	id, err := r.broadcasterID(ctx, channel)
	if err != nil {
		return "", err
	}
	val, err := fetch(id)
	if err != nil {
		// Serve a stale entry over nothing when the lookup fails.
		if ok {
			return entry.value, nil
		}
		return "", err
	}
	r.mu.Lock()
	cache[channel] = cacheEntry{value: val, fetched: r.now()}
	r.mu.Unlock()
	return val, nil
}
