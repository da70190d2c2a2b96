package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"theftguard/agent/agent"
)

// Thresholds holds every tunable constant the resolver cascade uses.
// Tests swap in small values instead of patching package globals.
type Thresholds struct {
	// SatelliteTimeouts is the escalating per-attempt budget for the OS
	// positioning source, shortest first.
	SatelliteTimeouts []time.Duration

	// MaxSatelliteAccuracyM rejects implausibly coarse satellite fixes.
	MaxSatelliteAccuracyM float64

	// MaxWiFiAccuracyM is the stricter cutoff for the WiFi positioning
	// fallback.
	MaxWiFiAccuracyM float64

	// ImplausibleJumpM rejects WiFi fixes that disagree with the cached
	// fix by more than this distance.
	ImplausibleJumpM float64

	// BadRegion marks the coordinate where IP services place devices when
	// they only resolve the ISP, not the device.
	BadRegionLat     float64
	BadRegionLng     float64
	BadRegionRadiusM float64

	// OverallTimeout bounds one Resolve call across all cascade steps.
	OverallTimeout time.Duration
}

// DefaultThresholds returns the production cascade constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SatelliteTimeouts:     []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second},
		MaxSatelliteAccuracyM: 10000,
		MaxWiFiAccuracyM:      5000,
		ImplausibleJumpM:      100000,
		BadRegionLat:          3.14,
		BadRegionLng:          101.69,
		BadRegionRadiusM:      20000,
		OverallTimeout:        2 * time.Minute,
	}
}

// ErrNoFix is returned when every source failed and no cached fix exists.
var ErrNoFix = errors.New("no location fix available")

// Resolver walks the source cascade (satellite, WiFi positioning, IP
// geolocation) and maintains the last-known-good cache. Safe for use from
// a single goroutine at a time plus concurrent cache readers.
type Resolver struct {
	Provider   Provider
	Scanner    WiFiScanner
	WiFiGeo    *WiFiGeoClient
	IPGeo      *IPGeoClient
	Thresholds Thresholds

	mu           sync.Mutex
	cached       *agent.Fix
	failureCount int
}

// NewResolver wires the cascade with the default thresholds.
func NewResolver(provider Provider, scanner WiFiScanner, wifiGeo *WiFiGeoClient, ipGeo *IPGeoClient) *Resolver {
	return &Resolver{
		Provider:   provider,
		Scanner:    scanner,
		WiFiGeo:    wifiGeo,
		IPGeo:      ipGeo,
		Thresholds: DefaultThresholds(),
	}
}

// CachedFix returns a copy of the last-known-good fix, or nil.
func (r *Resolver) CachedFix() *agent.Fix {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		return nil
	}
	c := *r.cached
	return &c
}

// SeedCache installs a persisted fix as the last-known-good cache, typically
// loaded from the local store on startup. IP-sourced fixes are refused.
func (r *Resolver) SeedCache(fix *agent.Fix) {
	if fix == nil || fix.Source == agent.SourceIP {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *fix
	r.cached = &c
}

// InvalidateCache drops the last-known-good fix.
func (r *Resolver) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

// ClearBadRegionCache drops the cached fix if it sits inside the known-bad
// region and reports whether it did. Called once on startup so a previously
// cached ISP-level fix cannot shadow a fresh resolve.
func (r *Resolver) ClearBadRegionCache() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil || !r.inBadRegion(r.cached.Latitude, r.cached.Longitude) {
		return false
	}
	agent.WarnCtx("clearing cached location inside known-bad region",
		"lat", r.cached.Latitude, "lng", r.cached.Longitude)
	r.cached = nil
	return true
}

// ConsecutiveFailures returns how many Resolve calls in a row produced no
// fresh fix.
func (r *Resolver) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureCount
}

// Resolve walks the cascade and returns the best available fix. Individual
// source failures advance to the next source. When every source fails, the
// cached fix is returned marked stale; with no cache, ErrNoFix.
func (r *Resolver) Resolve(ctx context.Context) (*agent.Fix, error) {
	if r.Thresholds.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Thresholds.OverallTimeout)
		defer cancel()
	}

	if fix := r.trySatellite(ctx); fix != nil {
		r.accept(fix)
		return fix, nil
	}
	if fix := r.tryWiFi(ctx); fix != nil {
		r.accept(fix)
		return fix, nil
	}
	if fix := r.tryIP(ctx); fix != nil {
		// IP fixes are never cached; the failure counter still resets
		// because the caller got a usable position.
		r.mu.Lock()
		r.failureCount = 0
		r.mu.Unlock()
		return fix, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCount++
	if r.cached != nil {
		agent.WarnCtx("all location sources failed, returning stale cached fix",
			"consecutive_failures", r.failureCount)
		c := *r.cached
		c.Stale = true
		return &c, nil
	}
	return nil, fmt.Errorf("%w after %d consecutive attempts", ErrNoFix, r.failureCount)
}

// trySatellite runs the OS positioning source with escalating timeouts.
func (r *Resolver) trySatellite(ctx context.Context) *agent.Fix {
	if r.Provider == nil {
		return nil
	}
	for attempt, budget := range r.Thresholds.SatelliteTimeouts {
		if ctx.Err() != nil {
			return nil
		}
		attemptCtx, cancel := context.WithTimeout(ctx, budget)
		fix, err := r.Provider.Current(attemptCtx)
		cancel()
		if errors.Is(err, ErrUnsupported) {
			agent.Debug("satellite positioning not supported on this platform")
			return nil
		}
		if err != nil {
			agent.DebugCtx("satellite attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		if fix.AccuracyM > r.Thresholds.MaxSatelliteAccuracyM {
			agent.DebugCtx("satellite fix rejected for poor accuracy",
				"accuracy_m", fix.AccuracyM, "max_m", r.Thresholds.MaxSatelliteAccuracyM)
			continue
		}
		agent.InfoCtx("satellite fix accepted",
			"lat", fix.Latitude, "lng", fix.Longitude, "accuracy_m", fix.AccuracyM)
		return fix
	}
	return nil
}

// tryWiFi scans nearby access points and asks the external positioning
// service. Requires a configured credential.
func (r *Resolver) tryWiFi(ctx context.Context) *agent.Fix {
	if r.Scanner == nil || !r.WiFiGeo.Configured() || ctx.Err() != nil {
		return nil
	}
	aps, err := r.Scanner.Scan(ctx)
	if err != nil {
		if !errors.Is(err, ErrUnsupported) {
			agent.DebugCtx("access point scan failed", "error", err)
		}
		return nil
	}
	fix, err := r.WiFiGeo.Locate(ctx, aps)
	if err != nil {
		agent.DebugCtx("WiFi positioning failed", "error", err)
		return nil
	}
	if fix.AccuracyM > r.Thresholds.MaxWiFiAccuracyM {
		agent.DebugCtx("WiFi fix rejected for poor accuracy",
			"accuracy_m", fix.AccuracyM, "max_m", r.Thresholds.MaxWiFiAccuracyM)
		return nil
	}
	if cached := r.CachedFix(); cached != nil {
		jump := HaversineM(cached.Latitude, cached.Longitude, fix.Latitude, fix.Longitude)
		if jump > r.Thresholds.ImplausibleJumpM {
			agent.DebugCtx("WiFi fix rejected for implausible jump from cache", "jump_m", jump)
			return nil
		}
	}
	agent.InfoCtx("WiFi positioning fix accepted",
		"lat", fix.Latitude, "lng", fix.Longitude, "accuracy_m", fix.AccuracyM)
	return fix
}

// tryIP queries the IP geolocation services and applies the known-bad-region
// filter. The returned fix is never cached.
func (r *Resolver) tryIP(ctx context.Context) *agent.Fix {
	if r.IPGeo == nil || ctx.Err() != nil {
		return nil
	}
	fix, err := r.IPGeo.Locate(ctx)
	if err != nil {
		agent.DebugCtx("IP geolocation failed", "error", err)
		return nil
	}

	r.mu.Lock()
	cached := r.cached
	fixInBad := r.inBadRegion(fix.Latitude, fix.Longitude)
	if !fixInBad {
		if cached != nil && r.inBadRegion(cached.Latitude, cached.Longitude) {
			// Fresh evidence the device left the bad region; the stale
			// in-region cache must not shadow future resolves.
			r.cached = nil
		}
		r.mu.Unlock()
		agent.InfoCtx("IP geolocation fix accepted", "lat", fix.Latitude, "lng", fix.Longitude)
		return fix
	}

	if cached != nil && !r.inBadRegion(cached.Latitude, cached.Longitude) {
		// An ISP-level fix never beats a real cached position.
		c := *cached
		r.mu.Unlock()
		agent.DebugCtx("IP fix inside known-bad region, preferring cached fix",
			"cached_source", string(c.Source))
		return &c
	}
	r.mu.Unlock()

	fix.LowConfidence = true
	agent.WarnCtx("IP fix inside known-bad region with no better cache, flagging low confidence",
		"lat", fix.Latitude, "lng", fix.Longitude)
	return fix
}

// accept caches a satellite or WiFi fix and resets the failure counter.
func (r *Resolver) accept(fix *agent.Fix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *fix
	r.cached = &c
	r.failureCount = 0
}

// inBadRegion must be called with r.mu held or on immutable inputs.
func (r *Resolver) inBadRegion(lat, lng float64) bool {
	d := HaversineM(lat, lng, r.Thresholds.BadRegionLat, r.Thresholds.BadRegionLng)
	return d <= r.Thresholds.BadRegionRadiusM
}
